// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package ums

import (
	"encoding/binary"
	"fmt"
)

// USB Mass Storage Bulk-Only Transport framing.
const (
	CBWSignature = 0x43425355 //"USBC"
	CSWSignature = 0x53425355 //"USBS"

	CBWLen = 31
	CSWLen = 13

	//bit 7 of CBW flags: data phase is device to host
	CBWFlagDataIn = 0x80

	CSWStatusGood       = 0x00
	CSWStatusFailed     = 0x01
	CSWStatusPhaseError = 0x02
)

// CBW is a Command Block Wrapper, received from the host on the bulk OUT
// endpoint ahead of every command.
type CBW struct {
	Tag                uint32
	DataTransferLength uint32
	Flags              byte
	LUN                byte
	CBLength           byte
	CB                 [16]byte
}

// DecodeCBW validates and parses a wrapper. The buffer must be exactly
// CBWLen bytes: a short or long transfer is as invalid as a bad signature.
func DecodeCBW(buf []byte) (*CBW, error) {
	if len(buf) != CBWLen {
		return nil, fmt.Errorf("ums: CBW length %d, want %d", len(buf), CBWLen)
	}
	if sig := binary.LittleEndian.Uint32(buf[0:4]); sig != CBWSignature {
		return nil, fmt.Errorf("ums: invalid CBW signature 0x%08x", sig)
	}
	c := &CBW{
		Tag:                binary.LittleEndian.Uint32(buf[4:8]),
		DataTransferLength: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:              buf[12],
		LUN:                buf[13] & 0x0F,
		CBLength:           buf[14] & 0x1F,
	}
	if c.CBLength < 1 || c.CBLength > 16 {
		return nil, fmt.Errorf("ums: CBW command length %d out of range", c.CBLength)
	}
	copy(c.CB[:], buf[15:31])
	return c, nil
}

// Encode produces the 31-byte wire form. Used by tests acting as the host.
func (c *CBW) Encode() []byte {
	buf := make([]byte, CBWLen)
	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], c.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], c.DataTransferLength)
	buf[12] = c.Flags
	buf[13] = c.LUN
	buf[14] = c.CBLength
	copy(buf[15:31], c.CB[:])
	return buf
}

// CSW is a Command Status Wrapper, sent to the host on the bulk IN endpoint
// after every command.
type CSW struct {
	Tag         uint32
	DataResidue uint32
	Status      byte
}

// Encode produces the 13-byte wire form.
func (c *CSW) Encode() []byte {
	buf := make([]byte, CSWLen)
	binary.LittleEndian.PutUint32(buf[0:4], CSWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], c.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], c.DataResidue)
	buf[12] = c.Status
	return buf
}

// DecodeCSW parses a wrapper. Used by tests acting as the host.
func DecodeCSW(buf []byte) (*CSW, error) {
	if len(buf) != CSWLen {
		return nil, fmt.Errorf("ums: CSW length %d, want %d", len(buf), CSWLen)
	}
	if sig := binary.LittleEndian.Uint32(buf[0:4]); sig != CSWSignature {
		return nil, fmt.Errorf("ums: invalid CSW signature 0x%08x", sig)
	}
	return &CSW{
		Tag:         binary.LittleEndian.Uint32(buf[4:8]),
		DataResidue: binary.LittleEndian.Uint32(buf[8:12]),
		Status:      buf[12],
	}, nil
}

// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package ums

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestCBWCodec(t *testing.T) {
	c := &CBW{
		Tag:                0xdeadbeef,
		DataTransferLength: 4096,
		Flags:              CBWFlagDataIn,
		LUN:                0,
		CBLength:           10,
	}
	c.CB[0] = scsiRead10
	c.CB[8] = 8

	wire := c.Encode()
	if len(wire) != CBWLen {
		t.Fatalf("encoded length %d", len(wire))
	}
	if sig := binary.LittleEndian.Uint32(wire[:4]); sig != CBWSignature {
		t.Errorf("signature 0x%x", sig)
	}

	got, err := DecodeCBW(wire)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *c {
		t.Errorf("round trip:\nwant %+v\ngot  %+v", c, got)
	}
}

func TestDecodeCBWRejects(t *testing.T) {
	good := (&CBW{Tag: 1, CBLength: 6}).Encode()

	if _, err := DecodeCBW(good[:30]); err == nil {
		t.Error("short buffer accepted")
	}
	if _, err := DecodeCBW(append(good, 0)); err == nil {
		t.Error("long buffer accepted")
	}

	bad := bytes.Clone(good)
	bad[0] = 'X'
	if _, err := DecodeCBW(bad); err == nil {
		t.Error("bad signature accepted")
	}

	zeroLen := bytes.Clone(good)
	zeroLen[14] = 0
	if _, err := DecodeCBW(zeroLen); err == nil {
		t.Error("zero command length accepted")
	}
}

func TestCSWCodec(t *testing.T) {
	c := &CSW{Tag: 0x01020304, DataResidue: 512, Status: CSWStatusFailed}
	wire := c.Encode()
	if len(wire) != CSWLen {
		t.Fatalf("encoded length %d", len(wire))
	}
	if sig := binary.LittleEndian.Uint32(wire[:4]); sig != CSWSignature {
		t.Errorf("signature 0x%x", sig)
	}
	got, err := DecodeCSW(wire)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *c {
		t.Errorf("round trip: want %+v got %+v", c, got)
	}

	if _, err := DecodeCSW(wire[:12]); err == nil {
		t.Error("short CSW accepted")
	}
}

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

	"github.com/purecloudlabs/slotboot/pkg/log"
)

// SCSI opcodes handled (or deliberately rejected) by the single LUN.
const (
	scsiTestUnitReady        = 0x00
	scsiRequestSense         = 0x03
	scsiInquiry              = 0x12
	scsiModeSense6           = 0x1A
	scsiStartStopUnit        = 0x1B
	scsiAllowMediumRemoval   = 0x1E
	scsiReadFormatCapacities = 0x23
	scsiReadCapacity         = 0x25
	scsiRead10               = 0x28
	scsiWrite10              = 0x2A
	scsiVerify10             = 0x2F
)

// Sense keys.
const (
	SenseNone           = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseIllegalRequest = 0x05
)

// Additional sense codes.
const (
	AscInvalidCommand    = 0x20
	AscInvalidFieldInCDB = 0x24
	AscWriteProtected    = 0x27
	AscMediumNotPresent  = 0x3A
)

//fixed INQUIRY strings: 8/16/4 bytes, space padded
const (
	inquiryVendor   = "lk2nd   "
	inquiryProduct  = "Mass Storage    "
	inquiryRevision = "1.0 "
)

func (d *Device) setSense(key, asc, ascq byte) {
	d.senseKey = key
	d.asc = asc
	d.ascq = ascq
}

//dispatch on the SCSI opcode. A nil return becomes a good CSW; an error
//becomes a failed CSW with residue equal to the host's expected length.
func (d *Device) handleCommand(cbw *CBW) error {
	switch cbw.CB[0] {
	case scsiTestUnitReady:
		return d.scsiTestUnitReady()
	case scsiRequestSense:
		return d.scsiRequestSense(cbw)
	case scsiInquiry:
		return d.scsiInquiry(cbw)
	case scsiModeSense6:
		return d.scsiModeSense6(cbw)
	case scsiReadCapacity:
		return d.scsiReadCapacity(cbw)
	case scsiRead10:
		return d.scsiRead10(cbw)
	case scsiWrite10:
		return d.scsiWrite10(cbw)
	case scsiStartStopUnit, scsiAllowMediumRemoval, scsiVerify10:
		//ignored but successful
		log.Logf("ums: ignoring SCSI command 0x%02x", cbw.CB[0])
		return nil
	case scsiReadFormatCapacities:
		//optional and not implemented
		d.setSense(SenseIllegalRequest, AscInvalidCommand, 0)
		return fmt.Errorf("ums: READ FORMAT CAPACITIES not implemented")
	default:
		log.Logf("ums: unsupported SCSI command 0x%02x", cbw.CB[0])
		d.setSense(SenseIllegalRequest, AscInvalidCommand, 0)
		return fmt.Errorf("ums: unsupported SCSI command 0x%02x", cbw.CB[0])
	}
}

func (d *Device) scsiTestUnitReady() error {
	if !d.mounted {
		d.setSense(SenseNotReady, AscMediumNotPresent, 0)
		return fmt.Errorf("ums: medium not present")
	}
	d.setSense(SenseNone, 0, 0)
	return nil
}

func (d *Device) scsiRequestSense(cbw *CBW) error {
	sense := make([]byte, 18)
	sense[0] = 0x70 //current errors, fixed format
	sense[2] = d.senseKey
	sense[7] = 10 //additional sense length
	sense[12] = d.asc
	sense[13] = d.ascq

	err := d.sendResponse(sense, cbw.DataTransferLength)

	//sense is reported once, then cleared
	d.setSense(SenseNone, 0, 0)
	return err
}

func (d *Device) scsiInquiry(cbw *CBW) error {
	inq := make([]byte, 36)
	inq[0] = 0x00 //direct access block device
	inq[1] = 0x80 //removable
	inq[2] = 0x04 //SPC-2
	inq[3] = 0x02 //response data format
	inq[4] = byte(len(inq) - 5)
	copy(inq[8:16], inquiryVendor)
	copy(inq[16:32], inquiryProduct)
	copy(inq[32:36], inquiryRevision)
	return d.sendResponse(inq, cbw.DataTransferLength)
}

func (d *Device) scsiModeSense6(cbw *CBW) error {
	mode := make([]byte, 4)
	mode[0] = 3 //mode data length
	mode[1] = 0 //medium type
	if d.readOnly {
		mode[2] = 0x80
	}
	mode[3] = 0 //block descriptor length
	return d.sendResponse(mode, cbw.DataTransferLength)
}

func (d *Device) scsiReadCapacity(cbw *CBW) error {
	if !d.mounted {
		d.setSense(SenseNotReady, AscMediumNotPresent, 0)
		return fmt.Errorf("ums: medium not present")
	}
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[0:4], uint32(d.blockCount-1))
	binary.BigEndian.PutUint32(data[4:8], d.blockSize)
	return d.sendResponse(data, cbw.DataTransferLength)
}

//big-endian LBA in CDB bytes 2..5, 16-bit count in 7..8
func parseRange10(cbw *CBW) (lba uint32, count uint16) {
	lba = binary.BigEndian.Uint32(cbw.CB[2:6])
	count = binary.BigEndian.Uint16(cbw.CB[7:9])
	return
}

func (d *Device) scsiRead10(cbw *CBW) error {
	if !d.mounted || d.dev == nil {
		d.setSense(SenseNotReady, AscMediumNotPresent, 0)
		return fmt.Errorf("ums: medium not present")
	}
	lba, count := parseRange10(cbw)
	if uint64(lba)+uint64(count) > d.blockCount {
		d.setSense(SenseIllegalRequest, AscInvalidFieldInCDB, 0)
		return fmt.Errorf("ums: READ(10) range %d+%d beyond %d blocks", lba, count, d.blockCount)
	}
	log.Logf("ums: READ 10 - LBA %d, blocks %d", lba, count)

	//the transfer buffer bounds each round: one block read, one chunked send
	chunkBlocks := d.xfer.Size() / int(d.blockSize)
	remaining := uint64(count)
	offset := int64(lba) * int64(d.blockSize)
	for remaining > 0 {
		n := remaining
		if n > uint64(chunkBlocks) {
			n = uint64(chunkBlocks)
		}
		nbytes := int(n) * int(d.blockSize)
		if _, err := d.dev.ReadAt(d.xfer.Bytes()[:nbytes], offset); err != nil {
			log.Logf("ums: block read failed: %s", err)
			d.setSense(SenseMediumError, 0, 0)
			return err
		}
		if err := d.sendChunked(nbytes); err != nil {
			return err
		}
		offset += int64(nbytes)
		remaining -= n
	}
	return nil
}

func (d *Device) scsiWrite10(cbw *CBW) error {
	if !d.mounted || d.dev == nil {
		d.setSense(SenseNotReady, AscMediumNotPresent, 0)
		return fmt.Errorf("ums: medium not present")
	}
	if d.readOnly {
		d.setSense(SenseIllegalRequest, AscWriteProtected, 0)
		return fmt.Errorf("ums: write to read-only medium")
	}
	lba, count := parseRange10(cbw)
	if uint64(lba)+uint64(count) > d.blockCount {
		d.setSense(SenseIllegalRequest, AscInvalidFieldInCDB, 0)
		return fmt.Errorf("ums: WRITE(10) range %d+%d beyond %d blocks", lba, count, d.blockCount)
	}
	log.Logf("ums: WRITE 10 - LBA %d, blocks %d", lba, count)

	chunkBlocks := d.xfer.Size() / int(d.blockSize)
	remaining := uint64(count)
	offset := int64(lba) * int64(d.blockSize)
	for remaining > 0 {
		n := remaining
		if n > uint64(chunkBlocks) {
			n = uint64(chunkBlocks)
		}
		nbytes := int(n) * int(d.blockSize)
		if err := d.receiveChunked(nbytes); err != nil {
			return err
		}
		if _, err := d.dev.WriteAt(d.xfer.Bytes()[:nbytes], offset); err != nil {
			log.Logf("ums: block write failed: %s", err)
			d.setSense(SenseMediumError, 0, 0)
			return err
		}
		offset += int64(nbytes)
		remaining -= n
	}
	return nil
}

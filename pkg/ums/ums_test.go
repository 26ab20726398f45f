// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package ums

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/purecloudlabs/slotboot/pkg/hw/block"
	"github.com/purecloudlabs/slotboot/pkg/log/testlog"
)

type fakeEndpoint struct {
	dir EndpointDir
}

func (e *fakeEndpoint) Dir() EndpointDir { return e.dir }

//fakeController plays the host side from a script of host-to-device
//transfers, recording every device-to-host transfer.
type fakeController struct {
	mu      sync.Mutex
	maxXfer int

	inited  bool
	started bool
	stopped bool
	gadget  *Gadget

	//host to device transfers, consumed in order
	script [][]byte
	//device to host transfers, as observed
	sent [][]byte

	scriptDone chan struct{}
	doneOnce   sync.Once

	freedReqs int
	freedEps  int
}

func newFakeController(script ...[]byte) *fakeController {
	return &fakeController{
		maxXfer:    MaxTransferHS,
		script:     script,
		scriptDone: make(chan struct{}),
	}
}

func (c *fakeController) Init(*DeviceDesc) error { c.inited = true; return nil }

func (c *fakeController) Start() error {
	c.started = true
	if c.gadget != nil && c.gadget.Notify != nil {
		c.gadget.Notify(EventOnline)
	}
	return nil
}

func (c *fakeController) Stop() error {
	c.stopped = true
	return nil
}

func (c *fakeController) RegisterGadget(g *Gadget) error {
	c.gadget = g
	return nil
}

func (c *fakeController) AllocEndpoint(dir EndpointDir, maxPkt int) (Endpoint, error) {
	return &fakeEndpoint{dir: dir}, nil
}

func (c *fakeController) AllocRequest() (*Request, error) { return &Request{}, nil }
func (c *fakeController) FreeRequest(*Request)            { c.freedReqs++ }
func (c *fakeController) FreeEndpoint(Endpoint)           { c.freedEps++ }
func (c *fakeController) MaxTransfer() int                { return c.maxXfer }
func (c *fakeController) MaxPacket() int                  { return MaxPacketHS }

var _ Controller = (*fakeController)(nil)
var _ EndpointFreer = (*fakeController)(nil)

func (c *fakeController) Queue(ep Endpoint, req *Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return fmt.Errorf("controller stopped")
	}
	switch ep.Dir() {
	case BulkIn:
		c.sent = append(c.sent, append([]byte(nil), req.Buf[:req.Length]...))
		req.Complete(req, req.Length, 0)
	case BulkOut:
		if len(c.script) == 0 {
			c.doneOnce.Do(func() { close(c.scriptDone) })
			return fmt.Errorf("host script exhausted")
		}
		item := c.script[0]
		c.script = c.script[1:]
		n := copy(req.Buf[:req.Length], item)
		req.Complete(req, n, 0)
	}
	return nil
}

//quitConsole delivers 'q' once the host script has been fully consumed
type quitConsole struct {
	ch <-chan struct{}
}

func (q quitConsole) Read(p []byte) (int, error) {
	<-q.ch
	p[0] = 'q'
	return 1, nil
}

func fastSettle(t *testing.T) {
	t.Helper()
	old := settleDelay
	settleDelay = time.Millisecond
	t.Cleanup(func() { settleDelay = old })
}

//register the fake and run a whole session against the script
func runSession(t *testing.T, part *block.MemDev, readOnly bool, script ...[]byte) *fakeController {
	t.Helper()
	fastSettle(t)
	ctrl := newFakeController(script...)
	RegisterController("fake", func() (Controller, error) { return ctrl, nil })

	err := EnterMode(part.Name(), Options{
		Controller: "fake",
		Registry:   block.NewMemRegistry(part),
		Scratch:    make([]byte, 256*1024),
		Console:    quitConsole{ch: ctrl.scriptDone},
		ReadOnly:   readOnly,
	})
	if err != nil {
		t.Fatalf("EnterMode: %s", err)
	}
	return ctrl
}

func cbw10(tag, dtl uint32, flags byte, cb ...byte) []byte {
	c := &CBW{Tag: tag, DataTransferLength: dtl, Flags: flags, CBLength: 10}
	copy(c.CB[:], cb)
	return c.Encode()
}

//pull the next command's data transfers and CSW out of the sent stream
func nextExchange(t *testing.T, sent [][]byte, idx *int) (data []byte, csw *CSW) {
	t.Helper()
	for *idx < len(sent) {
		item := sent[*idx]
		*idx++
		if len(item) == CSWLen {
			if c, err := DecodeCSW(item); err == nil {
				return data, c
			}
		}
		data = append(data, item...)
	}
	t.Fatal("no CSW in sent stream")
	return nil, nil
}

func patternedPart(t *testing.T, size int) *block.MemDev {
	t.Helper()
	part := block.NewMemDev("userdata", "", 512, uint64(size))
	for i := range part.Bytes() {
		part.Bytes()[i] = byte(i % 251)
	}
	return part
}

//READ(10) of 8 sectors at LBA 0 returns the first 4096 bytes and a good CSW
func TestRead10(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	part := patternedPart(t, 1024*1024)

	ctrl := runSession(t, part, false,
		cbw10(0x11223344, 4096, CBWFlagDataIn, scsiRead10, 0, 0, 0, 0, 0, 0, 0, 8, 0),
	)

	idx := 0
	data, csw := nextExchange(t, ctrl.sent, &idx)
	if !bytes.Equal(data, part.Bytes()[:4096]) {
		t.Errorf("READ(10) returned wrong data (%d bytes)", len(data))
	}
	if csw.Tag != 0x11223344 {
		t.Errorf("CSW tag 0x%x", csw.Tag)
	}
	if csw.Status != CSWStatusGood || csw.DataResidue != 0 {
		t.Errorf("CSW status %d residue %d", csw.Status, csw.DataResidue)
	}
}

//the same read with a small controller transfer limit arrives chunked
func TestRead10Chunked(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	part := patternedPart(t, 1024*1024)

	fastSettle(t)
	ctrl := newFakeController(
		cbw10(7, 4096, CBWFlagDataIn, scsiRead10, 0, 0, 0, 0, 0, 0, 0, 8, 0),
	)
	ctrl.maxXfer = 1024
	RegisterController("fake", func() (Controller, error) { return ctrl, nil })

	err := EnterMode("userdata", Options{
		Controller: "fake",
		Registry:   block.NewMemRegistry(part),
		Scratch:    make([]byte, 256*1024),
		Console:    quitConsole{ch: ctrl.scriptDone},
	})
	if err != nil {
		t.Fatal(err)
	}

	//4 data chunks of 1024, then the CSW
	if len(ctrl.sent) != 5 {
		t.Fatalf("got %d transfers, want 5", len(ctrl.sent))
	}
	for i := 0; i < 4; i++ {
		if len(ctrl.sent[i]) != 1024 {
			t.Errorf("chunk %d is %d bytes", i, len(ctrl.sent[i]))
		}
	}
	idx := 0
	data, csw := nextExchange(t, ctrl.sent, &idx)
	if !bytes.Equal(data, part.Bytes()[:4096]) {
		t.Error("chunked data does not match partition")
	}
	if csw.Status != CSWStatusGood {
		t.Errorf("status %d", csw.Status)
	}
}

//WRITE(10) then READ(10) round-trips through the partition
func TestWrite10RoundTrip(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	part := patternedPart(t, 1024*1024)

	payload := bytes.Repeat([]byte("write-me"), 256) //2048 bytes = 4 blocks
	ctrl := runSession(t, part, false,
		cbw10(1, 2048, 0, scsiWrite10, 0, 0, 0, 0, 2, 0, 0, 4, 0),
		payload,
		cbw10(2, 2048, CBWFlagDataIn, scsiRead10, 0, 0, 0, 0, 2, 0, 0, 4, 0),
	)

	idx := 0
	_, csw := nextExchange(t, ctrl.sent, &idx)
	if csw.Status != CSWStatusGood || csw.Tag != 1 {
		t.Errorf("write CSW: %+v", csw)
	}
	if !bytes.Equal(part.Bytes()[2*512:2*512+2048], payload) {
		t.Error("partition does not hold written data")
	}
	data, csw := nextExchange(t, ctrl.sent, &idx)
	if csw.Status != CSWStatusGood || csw.Tag != 2 {
		t.Errorf("read CSW: %+v", csw)
	}
	if !bytes.Equal(data, payload) {
		t.Error("read back differs from written data")
	}
}

//WRITE(10) on a read-only mount: sense (5, 0x27, 0), CSW failed, full residue
func TestWriteProtected(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	part := patternedPart(t, 1024*1024)

	ctrl := runSession(t, part, true,
		cbw10(9, 4096, 0, scsiWrite10, 0, 0, 0, 0, 0, 0, 0, 8, 0),
		cbw10(10, 18, CBWFlagDataIn, scsiRequestSense, 0, 0, 0, 18, 0),
		cbw10(11, 18, CBWFlagDataIn, scsiRequestSense, 0, 0, 0, 18, 0),
	)

	idx := 0
	_, csw := nextExchange(t, ctrl.sent, &idx)
	if csw.Status != CSWStatusFailed || csw.DataResidue != 4096 {
		t.Errorf("write CSW: %+v", csw)
	}

	sense, csw := nextExchange(t, ctrl.sent, &idx)
	if csw.Status != CSWStatusGood {
		t.Errorf("sense CSW: %+v", csw)
	}
	if len(sense) != 18 {
		t.Fatalf("sense is %d bytes", len(sense))
	}
	if sense[0] != 0x70 || sense[2] != SenseIllegalRequest || sense[12] != AscWriteProtected || sense[13] != 0 {
		t.Errorf("sense = % x", sense)
	}

	//sense was cleared by the report
	sense, _ = nextExchange(t, ctrl.sent, &idx)
	if sense[2] != SenseNone || sense[12] != 0 {
		t.Errorf("sense not cleared: % x", sense)
	}
}

//unknown opcode: sense (5, 0x20, 0), CSW failed, full residue
func TestUnknownOpcode(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	part := patternedPart(t, 1024*1024)

	ctrl := runSession(t, part, false,
		cbw10(0xAB, 512, CBWFlagDataIn, 0xAB, 0, 0, 0, 0, 0, 0, 0, 0, 0),
		cbw10(0xAC, 18, CBWFlagDataIn, scsiRequestSense, 0, 0, 0, 18, 0),
	)

	idx := 0
	_, csw := nextExchange(t, ctrl.sent, &idx)
	if csw.Tag != 0xAB || csw.Status != CSWStatusFailed || csw.DataResidue != 512 {
		t.Errorf("CSW: %+v", csw)
	}
	sense, _ := nextExchange(t, ctrl.sent, &idx)
	if sense[2] != SenseIllegalRequest || sense[12] != AscInvalidCommand || sense[13] != 0 {
		t.Errorf("sense = % x", sense)
	}
}

//READ(10) beyond the end of the medium: ILLEGAL REQUEST / INVALID FIELD
func TestRead10OutOfRange(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	part := patternedPart(t, 64*1024) //128 blocks

	ctrl := runSession(t, part, false,
		cbw10(3, 4096, CBWFlagDataIn, scsiRead10, 0, 0, 0, 0, 127, 0, 0, 8, 0),
		cbw10(4, 18, CBWFlagDataIn, scsiRequestSense, 0, 0, 0, 18, 0),
	)

	idx := 0
	data, csw := nextExchange(t, ctrl.sent, &idx)
	if len(data) != 0 {
		t.Errorf("out-of-range read sent %d bytes", len(data))
	}
	if csw.Status != CSWStatusFailed || csw.DataResidue != 4096 {
		t.Errorf("CSW: %+v", csw)
	}
	sense, _ := nextExchange(t, ctrl.sent, &idx)
	if sense[2] != SenseIllegalRequest || sense[12] != AscInvalidFieldInCDB {
		t.Errorf("sense = % x", sense)
	}
}

//INQUIRY and friends: truncation to the requested length, big-endian capacity
func TestInquiryCapacityModeSense(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	part := patternedPart(t, 1024*1024)

	ctrl := runSession(t, part, true,
		cbw10(1, 36, CBWFlagDataIn, scsiInquiry, 0, 0, 0, 36, 0),
		cbw10(2, 5, CBWFlagDataIn, scsiInquiry, 0, 0, 0, 5, 0),
		cbw10(3, 8, CBWFlagDataIn, scsiReadCapacity),
		cbw10(4, 4, CBWFlagDataIn, scsiModeSense6, 0, 0x3F, 0, 4, 0),
		cbw10(5, 0, 0, scsiTestUnitReady),
	)

	idx := 0
	inq, csw := nextExchange(t, ctrl.sent, &idx)
	if len(inq) != 36 {
		t.Fatalf("inquiry is %d bytes", len(inq))
	}
	if inq[0] != 0x00 || inq[1] != 0x80 || inq[2] != 0x04 {
		t.Errorf("inquiry header = % x", inq[:8])
	}
	if string(inq[8:16]) != inquiryVendor || string(inq[16:32]) != inquiryProduct {
		t.Errorf("inquiry strings = %q %q", inq[8:16], inq[16:32])
	}
	if csw.Status != CSWStatusGood {
		t.Errorf("inquiry CSW %+v", csw)
	}

	short, _ := nextExchange(t, ctrl.sent, &idx)
	if len(short) != 5 {
		t.Errorf("truncated inquiry is %d bytes", len(short))
	}

	capData, _ := nextExchange(t, ctrl.sent, &idx)
	wantLastLBA := uint32(part.BlockCount() - 1)
	gotLastLBA := uint32(capData[0])<<24 | uint32(capData[1])<<16 | uint32(capData[2])<<8 | uint32(capData[3])
	gotBlockLen := uint32(capData[4])<<24 | uint32(capData[5])<<16 | uint32(capData[6])<<8 | uint32(capData[7])
	if gotLastLBA != wantLastLBA || gotBlockLen != 512 {
		t.Errorf("capacity = lba %d bs %d", gotLastLBA, gotBlockLen)
	}

	mode, _ := nextExchange(t, ctrl.sent, &idx)
	if len(mode) != 4 || mode[0] != 3 || mode[2] != 0x80 {
		t.Errorf("mode sense = % x (read-only bit expected)", mode)
	}

	_, csw = nextExchange(t, ctrl.sent, &idx)
	if csw.Status != CSWStatusGood {
		t.Errorf("TEST UNIT READY CSW %+v", csw)
	}
}

//a garbage wrapper is dropped and the loop keeps serving
func TestBadCBWDropped(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	part := patternedPart(t, 1024*1024)

	bad := bytes.Repeat([]byte{0xEE}, CBWLen)
	short := []byte{1, 2, 3}
	ctrl := runSession(t, part, false,
		bad,
		short,
		cbw10(5, 0, 0, scsiTestUnitReady),
	)

	idx := 0
	_, csw := nextExchange(t, ctrl.sent, &idx)
	if csw.Tag != 5 || csw.Status != CSWStatusGood {
		t.Errorf("CSW after dropped wrappers: %+v", csw)
	}
	if len(ctrl.sent) != 1 {
		t.Errorf("device responded %d times to garbage", len(ctrl.sent))
	}
}

//mount falls back to a GPT label search
func TestMountByLabel(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	part := block.NewMemDev("mmcblk0p21", "userdata", 512, 1024*1024)

	fastSettle(t)
	ctrl := newFakeController(
		cbw10(6, 0, 0, scsiTestUnitReady),
	)
	RegisterController("fake", func() (Controller, error) { return ctrl, nil })

	//no device is named "userdata"; only the label matches
	err := EnterMode("userdata", Options{
		Controller: "fake",
		Registry:   block.NewMemRegistry(part),
		Scratch:    make([]byte, 256*1024),
		Console:    quitConsole{ch: ctrl.scriptDone},
	})
	if err != nil {
		t.Fatalf("EnterMode: %s", err)
	}
	idx := 0
	_, csw := nextExchange(t, ctrl.sent, &idx)
	if csw.Status != CSWStatusGood {
		t.Errorf("unit not ready after label mount: %+v", csw)
	}
}

func TestMountRetryFails(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	tlog.FatalIsNotErr = true
	defer tlog.Freeze()
	fastSettle(t)
	oldRetries, oldDelay := mountRetries, mountRetryDelay
	mountRetries, mountRetryDelay = 3, time.Millisecond
	defer func() { mountRetries, mountRetryDelay = oldRetries, oldDelay }()

	ctrl := newFakeController()
	RegisterController("fake", func() (Controller, error) { return ctrl, nil })
	err := EnterMode("nope", Options{
		Controller: "fake",
		Registry:   block.NewMemRegistry(),
		Scratch:    make([]byte, 256*1024),
	})
	if err == nil {
		t.Fatal("EnterMode succeeded with no partition")
	}
	//cleanup ran despite the failure
	if !ctrl.stopped {
		t.Error("controller not stopped on failed entry")
	}
}

func TestExitModeFrees(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	part := patternedPart(t, 1024*1024)
	ctrl := runSession(t, part, false,
		cbw10(1, 0, 0, scsiTestUnitReady),
	)
	if !ctrl.stopped {
		t.Error("controller not stopped")
	}
	if ctrl.freedReqs != 2 {
		t.Errorf("freed %d requests, want 2", ctrl.freedReqs)
	}
	if ctrl.freedEps != 2 {
		t.Errorf("freed %d endpoints, want 2", ctrl.freedEps)
	}
}

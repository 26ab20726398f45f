// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package ums exposes one named storage partition to a host computer as a USB
//Mass Storage device, speaking a minimal SCSI command set over the Bulk-Only
//Transport. The USB device controller itself is abstracted behind the
//Controller capability set; storage comes from a block.Registry.
package ums

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/purecloudlabs/slotboot/pkg/hw/block"
	"github.com/purecloudlabs/slotboot/pkg/log"
)

// Fixed USB identity.
const (
	VendorID  = 0x1d6b //Linux Foundation
	ProductID = 0x0104 //Multifunction Composite Gadget
	VersionID = 0x0100

	ClassMassStorage = 0x08
	SubclassSCSI     = 0x06 //SCSI transparent command set
	ProtocolBOT      = 0x50 //Bulk-Only Transport
)

//tunable in tests
var (
	//host side needs time for enumeration and SET_CONFIGURATION after ONLINE
	settleDelay = 500 * time.Millisecond
	//the block device layer may still be publishing partitions when UMS starts
	mountRetries    = 30
	mountRetryDelay = 100 * time.Millisecond
)

//only one UMS instance may drive the controller at a time
var inUse atomic.Bool

// Options configures EnterMode.
type Options struct {
	//controller family: "hsusb" or "dwc3"
	Controller string
	Registry   block.Registry
	//DMA-safe scratch region the transfer buffer is carved from
	Scratch []byte
	Cache   CacheOps
	//serial input; any 'q' ends the session
	Console  io.Reader
	ReadOnly bool
}

// Device is the state of one mass storage session.
type Device struct {
	ctrl     Controller
	registry block.Registry

	dev        block.Device
	blockCount uint64
	blockSize  uint32
	partition  string
	mounted    bool
	readOnly   bool

	xfer  *DmaBuffer
	cache CacheOps

	//current sense triplet, reported by REQUEST SENSE
	senseKey byte
	asc      byte
	ascq     byte

	epIn, epOut Endpoint
	reqIn       *Request
	reqOut      *Request

	//statically sized wrapper buffers
	cbwBuf []byte
	cswBuf []byte

	online  chan struct{}
	txnDone chan struct{}
	active  atomic.Bool
	done    chan struct{}
}

// EnterMode runs a mass storage session on the named partition: bring up the
// gadget, mount the partition, start the controller, serve SCSI from a
// worker goroutine, and block until 'q' arrives on the console. The caller
// gets an error only when the session could not start.
func EnterMode(partition string, opts Options) error {
	if !inUse.CompareAndSwap(false, true) {
		log.Logf("ums: already active")
		return nil
	}
	defer inUse.Store(false)

	if opts.Cache == nil {
		opts.Cache = NopCache{}
	}
	d := &Device{
		registry: opts.Registry,
		cache:    opts.Cache,
		readOnly: opts.ReadOnly,
		online:   make(chan struct{}, 1),
		txnDone:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		cbwBuf:   make([]byte, CBWLen),
		cswBuf:   make([]byte, CSWLen),
	}

	if err := d.init(opts); err != nil {
		log.Logf("ums: init failed: %s", err)
		d.ExitMode()
		return err
	}
	if err := d.mountPartition(partition); err != nil {
		log.Logf("ums: failed to mount partition: %s", err)
		d.ExitMode()
		return err
	}
	if err := d.ctrl.Start(); err != nil {
		log.Logf("ums: failed to start controller: %s", err)
		d.ExitMode()
		return err
	}

	d.active.Store(true)
	go d.mainLoop()

	log.Msgf("USB mass storage active on %q. Press q to exit.", partition)
	waitForQuit(opts.Console)

	d.ExitMode()
	return nil
}

//block until q/Q arrives (or the console dies)
func waitForQuit(console io.Reader) {
	if console == nil {
		return
	}
	var b [1]byte
	for {
		n, err := console.Read(b[:])
		if err != nil {
			return
		}
		if n == 1 && (b[0] == 'q' || b[0] == 'Q') {
			return
		}
	}
}

//bring up the controller and gadget. Endpoint allocation must land between
//controller init and gadget registration.
func (d *Device) init(opts Options) error {
	ctrl, err := NewController(opts.Controller)
	if err != nil {
		return err
	}
	d.ctrl = ctrl

	desc := &DeviceDesc{
		VendorID:     VendorID,
		ProductID:    ProductID,
		VersionID:    VersionID,
		Manufacturer: "lk2nd",
		Product:      "Mass Storage",
	}
	if err := ctrl.Init(desc); err != nil {
		return err
	}

	if d.epIn, err = ctrl.AllocEndpoint(BulkIn, ctrl.MaxPacket()); err != nil {
		return err
	}
	if d.epOut, err = ctrl.AllocEndpoint(BulkOut, ctrl.MaxPacket()); err != nil {
		return err
	}
	if d.reqIn, err = ctrl.AllocRequest(); err != nil {
		return err
	}
	if d.reqOut, err = ctrl.AllocRequest(); err != nil {
		return err
	}

	if d.xfer, err = NewDmaBuffer(opts.Scratch, storageBlockSize, d.cache); err != nil {
		return err
	}

	gadget := &Gadget{
		Notify:      d.notify,
		IfcClass:    ClassMassStorage,
		IfcSubclass: SubclassSCSI,
		IfcProtocol: ProtocolBOT,
		IfcString:   "Mass Storage",
		Endpoints:   []Endpoint{d.epIn, d.epOut},
	}
	return ctrl.RegisterGadget(gadget)
}

//the transfer buffer is aligned to the storage block size
const storageBlockSize = 512

//gadget events arrive from controller context; just signal
func (d *Device) notify(event GadgetEvent) {
	switch event {
	case EventOnline:
		log.Logf("ums: USB connected")
		select {
		case d.online <- struct{}{}:
		default:
		}
	case EventOffline:
		log.Logf("ums: USB disconnected")
	}
}

//open the partition by name, falling back to a GPT label search; the block
//device layer may need time to publish it
func (d *Device) mountPartition(name string) error {
	if name == "" {
		return fmt.Errorf("ums: no partition name")
	}
	var dev block.Device
	var err error
	for try := 0; try < mountRetries; try++ {
		if try > 0 {
			time.Sleep(mountRetryDelay)
		}
		dev, err = d.registry.Open(name)
		if err == nil {
			break
		}
		for _, info := range d.registry.Infos() {
			if info.Label == name {
				dev, err = d.registry.Open(info.Name)
				break
			}
		}
		if err == nil && dev != nil {
			break
		}
	}
	if dev == nil {
		return fmt.Errorf("ums: opening %q: %w", name, err)
	}

	d.dev = dev
	d.blockCount = dev.BlockCount()
	d.blockSize = dev.BlockSize()
	d.partition = name
	d.mounted = true
	log.Logf("ums: mounted partition %q - %d blocks of %d bytes",
		name, d.blockCount, d.blockSize)
	return nil
}

//completion callback: store the observed length and signal. Runs from
//controller context; must not block.
func (d *Device) complete(req *Request, actual, status int) {
	req.Length = actual
	select {
	case d.txnDone <- struct{}{}:
	default:
	}
}

//queue one request and wait for its completion. One request per endpoint is
//ever in flight.
func (d *Device) queueWait(ep Endpoint, req *Request) error {
	req.Complete = d.complete
	if err := d.ctrl.Queue(ep, req); err != nil {
		return err
	}
	<-d.txnDone
	return nil
}

//truncate a response to what the host asked for and send it. Residue on
//truncation is reported as 0.
func (d *Device) sendResponse(data []byte, dtl uint32) error {
	n := len(data)
	if uint32(n) > dtl {
		n = int(dtl)
	}
	if n == 0 {
		return nil
	}
	copy(d.xfer.Bytes()[:n], data[:n])
	return d.sendChunked(n)
}

//send xfer[:n] to the host, subdividing by the controller's transfer limit
func (d *Device) sendChunked(n int) error {
	d.xfer.BeforeSend(n)
	buf := d.xfer.Bytes()[:n]
	for len(buf) > 0 {
		c := len(buf)
		if c > d.ctrl.MaxTransfer() {
			c = d.ctrl.MaxTransfer()
		}
		d.reqIn.Buf = buf[:c]
		d.reqIn.Length = c
		if err := d.queueWait(d.epIn, d.reqIn); err != nil {
			return err
		}
		buf = buf[c:]
	}
	return nil
}

//receive n bytes from the host into xfer, subdividing by the controller's
//transfer limit
func (d *Device) receiveChunked(n int) error {
	buf := d.xfer.Bytes()[:n]
	for len(buf) > 0 {
		c := len(buf)
		if c > d.ctrl.MaxTransfer() {
			c = d.ctrl.MaxTransfer()
		}
		d.reqOut.Buf = buf[:c]
		d.reqOut.Length = c
		if err := d.queueWait(d.epOut, d.reqOut); err != nil {
			return err
		}
		buf = buf[c:]
	}
	d.xfer.AfterReceive(n)
	return nil
}

func (d *Device) sendCSW(tag, residue uint32, status byte) error {
	csw := CSW{Tag: tag, DataResidue: residue, Status: status}
	copy(d.cswBuf, csw.Encode())
	d.cache.CleanInvalidate(d.cswBuf)
	d.reqIn.Buf = d.cswBuf
	d.reqIn.Length = CSWLen
	return d.queueWait(d.epIn, d.reqIn)
}

//mainLoop serves one SCSI command at a time until the session ends: receive
//a CBW, dispatch, answer with a CSW echoing the tag.
func (d *Device) mainLoop() {
	defer close(d.done)
	log.Logf("ums: starting mass storage mode for partition %q", d.partition)

	<-d.online
	time.Sleep(settleDelay)

	for d.active.Load() {
		for i := range d.cbwBuf {
			d.cbwBuf[i] = 0
		}
		d.cache.CleanInvalidate(d.cbwBuf)
		d.reqOut.Buf = d.cbwBuf
		d.reqOut.Length = CBWLen
		if err := d.queueWait(d.epOut, d.reqOut); err != nil {
			if d.active.Load() {
				log.Logf("ums: queue failed: %s", err)
			}
			return
		}
		d.cache.Invalidate(d.cbwBuf)

		if d.reqOut.Length != CBWLen {
			//malformed transfer; drop it and wait for the next wrapper
			continue
		}
		cbw, err := DecodeCBW(d.cbwBuf)
		if err != nil {
			log.Logf("ums: %s", err)
			continue
		}

		status := byte(CSWStatusGood)
		var residue uint32
		if err := d.handleCommand(cbw); err != nil {
			log.Logf("ums: command 0x%02x failed: %s", cbw.CB[0], err)
			status = CSWStatusFailed
			residue = cbw.DataTransferLength
		}
		if err := d.sendCSW(cbw.Tag, residue, status); err != nil {
			if d.active.Load() {
				log.Logf("ums: CSW send failed: %s", err)
			}
			return
		}
	}
	log.Logf("ums: mass storage mode ended")
}

// ExitMode tears the session down: stop serving, stop the controller,
// unmount, and release controller resources. The scratch-backed transfer
// buffer is dropped, not freed - the scratch region is not ours. Safe to
// call on a partially initialized device.
func (d *Device) ExitMode() {
	d.active.Store(false)

	if d.ctrl != nil {
		if err := d.ctrl.Stop(); err != nil {
			log.Logf("ums: stopping controller: %s", err)
		}
	}

	if d.dev != nil {
		d.dev.Close()
		d.dev = nil
	}
	d.mounted = false
	d.partition = ""
	d.blockCount = 0
	d.blockSize = 0

	d.xfer = nil

	if d.ctrl != nil {
		if d.reqIn != nil {
			d.ctrl.FreeRequest(d.reqIn)
			d.reqIn = nil
		}
		if d.reqOut != nil {
			d.ctrl.FreeRequest(d.reqOut)
			d.reqOut = nil
		}
		if freer, ok := d.ctrl.(EndpointFreer); ok {
			if d.epIn != nil {
				freer.FreeEndpoint(d.epIn)
			}
			if d.epOut != nil {
				freer.FreeEndpoint(d.epOut)
			}
		}
		d.epIn = nil
		d.epOut = nil
	}
	d.setSense(SenseNone, 0, 0)
	log.Logf("ums: cleanup complete")
}

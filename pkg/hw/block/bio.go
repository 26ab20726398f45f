// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package block contains functions dealing with block devices and the
//underlying hardware: enumeration, byte-offset I/O, and logical sub-devices
//published at an offset within a parent device.
package block

import (
	"fmt"
	"io"

	"github.com/purecloudlabs/slotboot/pkg/log"
)

// Device is an open handle to a block device. Reads and writes are at byte
// offsets; implementations bounds-check against the device size.
type Device interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Name() string
	//GPT partition label, or empty
	Label() string
	BlockSize() uint32
	BlockCount() uint64
}

// DevSize returns the size of a device in bytes.
func DevSize(d Device) uint64 {
	return d.BlockCount() * uint64(d.BlockSize())
}

// DevInfo describes an enumerated device without holding it open.
type DevInfo struct {
	Name  string
	Size  uint64
	Label string
	//false for devices that contain partitions; sub-devices and partitions are leaves
	Leaf bool
}

// Registry enumerates and opens block devices. There are two implementations:
// the linux one backed by sysfs and /dev, and an in-memory one for tests.
type Registry interface {
	//Idempotent; scans for devices. Subsequent calls are no-ops.
	Enumerate() error
	Infos() []DevInfo
	Open(name string) (Device, error)
	//Publish a logical sub-device spanning [startBlock, startBlock+blocks)
	//of parent. blocks == 0 means "to end of parent".
	PublishSubdevice(parent, name string, startBlock, blocks uint64) error
}

// window is a sub-device: a bounds-checked byte window over a parent device.
type window struct {
	parent Device
	name   string
	off    int64 //byte offset of window start within parent
	size   int64 //window length in bytes
}

// NewWindow wraps parent as a logical sub-device starting at startBlock.
// blocks == 0 spans to the end of the parent.
func NewWindow(parent Device, name string, startBlock, blocks uint64) (Device, error) {
	if startBlock >= parent.BlockCount() {
		return nil, fmt.Errorf("subdevice %s: start block %d beyond end of %s (%d blocks)",
			name, startBlock, parent.Name(), parent.BlockCount())
	}
	if blocks == 0 {
		blocks = parent.BlockCount() - startBlock
	}
	if startBlock+blocks > parent.BlockCount() {
		return nil, fmt.Errorf("subdevice %s: %d blocks at %d exceeds %s",
			name, blocks, startBlock, parent.Name())
	}
	bs := int64(parent.BlockSize())
	w := &window{
		parent: parent,
		name:   name,
		off:    int64(startBlock) * bs,
		size:   int64(blocks) * bs,
	}
	log.Logf("published subdevice %s at block %d of %s (%d blocks)",
		name, startBlock, parent.Name(), blocks)
	return w, nil
}

func (w *window) Name() string       { return w.name }
func (w *window) Label() string      { return "" }
func (w *window) BlockSize() uint32  { return w.parent.BlockSize() }
func (w *window) BlockCount() uint64 { return uint64(w.size) / uint64(w.parent.BlockSize()) }
func (w *window) Close() error       { return w.parent.Close() }

func (w *window) ReadAt(p []byte, off int64) (int, error) {
	if err := w.check(len(p), off); err != nil {
		return 0, err
	}
	return w.parent.ReadAt(p, w.off+off)
}

func (w *window) WriteAt(p []byte, off int64) (int, error) {
	if err := w.check(len(p), off); err != nil {
		return 0, err
	}
	return w.parent.WriteAt(p, w.off+off)
}

//WindowBase reports the parent device name and the window's byte offset
//within it. Used by mounters that need to hand the kernel a real device plus
//offset rather than our in-process handle.
func (w *window) WindowBase() (string, int64) { return w.parent.Name(), w.off }

// WindowBase returns the parent name and byte offset for a sub-device, or
// ok == false for devices that are not windows.
func WindowBase(d Device) (parent string, off int64, ok bool) {
	type baser interface {
		WindowBase() (string, int64)
	}
	if b, isWindow := d.(baser); isWindow {
		parent, off = b.WindowBase()
		return parent, off, true
	}
	return "", 0, false
}

func (w *window) check(l int, off int64) error {
	if off < 0 || off+int64(l) > w.size {
		return fmt.Errorf("%s: access [%d,%d) outside window of %d bytes",
			w.name, off, off+int64(l), w.size)
	}
	return nil
}

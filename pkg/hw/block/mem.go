// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package block

import (
	"fmt"
	"sort"
)

// MemDev is a block device backed by a byte slice. Used in tests and anywhere
// else a ram-backed device is useful.
type MemDev struct {
	name      string
	label     string
	blockSize uint32
	buf       []byte
	//reports !Leaf from Infos() when set, as for devices holding a partition table
	Parent bool
}

func NewMemDev(name, label string, blockSize uint32, size uint64) *MemDev {
	if blockSize == 0 {
		blockSize = 512
	}
	return &MemDev{
		name:      name,
		label:     label,
		blockSize: blockSize,
		buf:       make([]byte, size),
	}
}

func (d *MemDev) Name() string       { return d.name }
func (d *MemDev) Label() string      { return d.label }
func (d *MemDev) BlockSize() uint32  { return d.blockSize }
func (d *MemDev) BlockCount() uint64 { return uint64(len(d.buf)) / uint64(d.blockSize) }
func (d *MemDev) Close() error       { return nil }

//Bytes returns the backing slice, for test assertions.
func (d *MemDev) Bytes() []byte { return d.buf }

func (d *MemDev) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(d.buf)) {
		return 0, fmt.Errorf("%s: read [%d,%d) outside device of %d bytes",
			d.name, off, off+int64(len(p)), len(d.buf))
	}
	return copy(p, d.buf[off:]), nil
}

func (d *MemDev) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(d.buf)) {
		return 0, fmt.Errorf("%s: write [%d,%d) outside device of %d bytes",
			d.name, off, off+int64(len(p)), len(d.buf))
	}
	return copy(d.buf[off:], p), nil
}

type subspec struct {
	parent string
	start  uint64
	blocks uint64
}

// MemRegistry is an in-memory Registry.
type MemRegistry struct {
	devs map[string]*MemDev
	subs map[string]subspec
}

var _ Registry = (*MemRegistry)(nil)

func NewMemRegistry(devs ...*MemDev) *MemRegistry {
	r := &MemRegistry{
		devs: make(map[string]*MemDev),
		subs: make(map[string]subspec),
	}
	for _, d := range devs {
		r.Add(d)
	}
	return r
}

func (r *MemRegistry) Add(d *MemDev) { r.devs[d.name] = d }

func (r *MemRegistry) Enumerate() error { return nil }

func (r *MemRegistry) Infos() (infos []DevInfo) {
	for _, d := range r.devs {
		infos = append(infos, DevInfo{
			Name:  d.name,
			Size:  uint64(len(d.buf)),
			Label: d.label,
			Leaf:  !d.Parent,
		})
	}
	for name, s := range r.subs {
		parent := r.devs[s.parent]
		blocks := s.blocks
		if blocks == 0 {
			blocks = parent.BlockCount() - s.start
		}
		infos = append(infos, DevInfo{
			Name: name,
			Size: blocks * uint64(parent.blockSize),
			Leaf: true,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return
}

func (r *MemRegistry) Open(name string) (Device, error) {
	if d, ok := r.devs[name]; ok {
		return d, nil
	}
	if s, ok := r.subs[name]; ok {
		parent, err := r.Open(s.parent)
		if err != nil {
			return nil, err
		}
		return NewWindow(parent, name, s.start, s.blocks)
	}
	return nil, fmt.Errorf("no such device %q", name)
}

func (r *MemRegistry) PublishSubdevice(parent, name string, startBlock, blocks uint64) error {
	p, ok := r.devs[parent]
	if !ok {
		return fmt.Errorf("no such device %q", parent)
	}
	if startBlock >= p.BlockCount() {
		return fmt.Errorf("subdevice %s: start block %d beyond end of %s", name, startBlock, parent)
	}
	r.subs[name] = subspec{parent: parent, start: startBlock, blocks: blocks}
	return nil
}

// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//go:build linux

package block

import (
	"fmt"
	"os"
	fp "path/filepath"
	"strings"

	"github.com/purecloudlabs/slotboot/pkg/hw/ioctl"
	"github.com/purecloudlabs/slotboot/pkg/log"
)

// LinuxRegistry enumerates block devices from sysfs and opens them via /dev.
type LinuxRegistry struct {
	enumerated bool
	infos      []DevInfo
	subs       map[string]subspec
}

var _ Registry = (*LinuxRegistry)(nil)

func NewLinuxRegistry() *LinuxRegistry {
	return &LinuxRegistry{subs: make(map[string]subspec)}
}

func (r *LinuxRegistry) Enumerate() error {
	if r.enumerated {
		return nil
	}
	names := sysBlockNames()
	if len(names) == 0 {
		return fmt.Errorf("no block devices found")
	}
	for _, name := range names {
		size, err := sysBlockSize(name)
		if err != nil {
			log.Logf("error %s for %s", err, name)
			continue
		}
		r.infos = append(r.infos, DevInfo{
			Name:  name,
			Size:  size,
			Label: GptLabel("/dev/" + name),
			Leaf:  isLeaf(name, names),
		})
	}
	r.enumerated = true
	log.Logf("enumerated %d block devices", len(r.infos))
	return nil
}

func (r *LinuxRegistry) Infos() []DevInfo { return r.infos }

func (r *LinuxRegistry) Open(name string) (Device, error) {
	if s, ok := r.subs[name]; ok {
		parent, err := r.Open(s.parent)
		if err != nil {
			return nil, err
		}
		return NewWindow(parent, name, s.start, s.blocks)
	}
	f, err := os.OpenFile("/dev/"+name, os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	size, err := ioctl.BlkGetSize64(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	bs, err := ioctl.BlkGetSectorSize(f)
	if err != nil || bs == 0 {
		bs = 512
	}
	return &linuxDev{
		f:          f,
		name:       name,
		label:      GptLabel("/dev/" + name),
		blockSize:  uint32(bs),
		blockCount: size / bs,
	}, nil
}

func (r *LinuxRegistry) PublishSubdevice(parent, name string, startBlock, blocks uint64) error {
	d, err := r.Open(parent)
	if err != nil {
		return err
	}
	count := d.BlockCount()
	d.Close()
	if startBlock >= count {
		return fmt.Errorf("subdevice %s: start block %d beyond end of %s", name, startBlock, parent)
	}
	r.subs[name] = subspec{parent: parent, start: startBlock, blocks: blocks}
	return nil
}

type linuxDev struct {
	f          *os.File
	name       string
	label      string
	blockSize  uint32
	blockCount uint64
}

func (d *linuxDev) Name() string       { return d.name }
func (d *linuxDev) Label() string      { return d.label }
func (d *linuxDev) BlockSize() uint32  { return d.blockSize }
func (d *linuxDev) BlockCount() uint64 { return d.blockCount }
func (d *linuxDev) Close() error       { return d.f.Close() }

func (d *linuxDev) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *linuxDev) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }

//names of non-virtual devices and partitions from /sys/class/block
func sysBlockNames() (names []string) {
	dir, err := os.ReadDir("/sys/class/block")
	if err != nil {
		return
	}
	for _, entry := range dir {
		link, err := os.Readlink(fp.Join("/sys/class/block", entry.Name()))
		if err != nil || strings.Contains(link, "devices/virtual/block") {
			continue
		}
		names = append(names, entry.Name())
	}
	return
}

//size in bytes; the sysfs size attribute counts 512-byte sectors regardless
//of the device's logical block size
func sysBlockSize(name string) (uint64, error) {
	data, err := os.ReadFile(fp.Join("/sys/class/block", name, "size"))
	if err != nil {
		return 0, err
	}
	var sectors uint64
	_, err = fmt.Sscan(strings.TrimSpace(string(data)), &sectors)
	return sectors * 512, err
}

//a device is a leaf unless some other device is a partition of it
func isLeaf(name string, all []string) bool {
	for _, other := range all {
		if other == name {
			continue
		}
		if strings.HasPrefix(other, name) {
			return false
		}
	}
	return true
}

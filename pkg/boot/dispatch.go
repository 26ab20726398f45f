// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package boot drives the A/B boot decision end to end: load the persistent
//boot-counting environment, pick a slot and burn an attempt, publish a
//sub-device at the slot's offset, mount it, parse its extlinux descriptor,
//and hand the selected entry to the kernel loader. When A/B is not
//configured, or the A/B attempt dies, it falls back to scanning every
//sufficiently large partition for a bootable filesystem.
package boot

import (
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"

	"github.com/purecloudlabs/slotboot/pkg/boot/extlinux"
	"github.com/purecloudlabs/slotboot/pkg/boot/uenv"
	"github.com/purecloudlabs/slotboot/pkg/config"
	"github.com/purecloudlabs/slotboot/pkg/hw/block"
	"github.com/purecloudlabs/slotboot/pkg/log"
)

// SubdevName is the stable name under which the selected slot's filesystem
// window is published.
const SubdevName = "ab-slot"

// Mounter mounts a block device as a read-only filesystem. The returned
// cleanup unmounts; callers must run it unless the boot handoff succeeded.
type Mounter interface {
	Mount(dev block.Device) (fsys fs.FS, cleanup func() error, err error)
}

// Loader hands a loaded entry to the kernel. Boot only returns on failure.
type Loader interface {
	Boot(e *LoadedEntry) error
}

// Dispatcher owns one boot attempt.
type Dispatcher struct {
	Registry block.Registry
	Mounter  Mounter
	Loader   Loader
	Cfg      config.Config
	//when set, a failed A/B attempt reports instead of scanning partitions
	NoFallback bool

	ab *AB
}

func NewDispatcher(reg block.Registry, m Mounter, l Loader, cfg config.Config) *Dispatcher {
	return &Dispatcher{Registry: reg, Mounter: m, Loader: l, Cfg: cfg}
}

// AB exposes the runtime state, for the menu and for tests.
func (d *Dispatcher) AB() *AB { return d.ab }

// Boot tries the A/B path, then the partition scan. A nil return means the
// loader accepted an entry; with a real kernel loader that never happens, as
// the handoff does not return.
func (d *Dispatcher) Boot() error {
	if err := d.Registry.Enumerate(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	d.ab = InitAB(d.ab, d.Cfg.BaseDevice, int64(d.Cfg.EnvOffset), int(d.Cfg.EnvSize))
	d.ab.SetOffsets(uint64(d.Cfg.SlotA), uint64(d.Cfg.SlotB))

	if d.ab.Initialized() {
		err := d.bootAB()
		if err == nil {
			return nil
		}
		log.Logf("boot: A/B attempt failed: %s", err)
		if d.NoFallback {
			return err
		}
	}

	if err := d.scanDevices(); err != nil {
		log.Logf("boot: bootable file system not found")
		return err
	}
	return nil
}

//the A/B path: steps 3-11 of the pre-boot sequence
func (d *Dispatcher) bootAB() error {
	name, err := d.resolveBase()
	if err != nil {
		return err
	}
	dev, err := d.Registry.Open(name)
	if err != nil {
		return fmt.Errorf("opening base device %s: %w", name, err)
	}
	defer dev.Close()
	d.ab.resolved = name

	env, err := uenv.Load(dev, d.ab.envOffset, d.ab.envSize)
	if err != nil {
		return err
	}
	d.ab.env = env

	d.ab.slot = env.CurrentSlot()
	log.Logf("A/B pre-boot: attempting slot %c", d.ab.slot)

	if err := env.Decrement(d.ab.slot); err != nil {
		if err != uenv.ErrExhausted {
			//env full or invalid: record no attempt rather than loop forever
			return err
		}
		if next, ok := env.NextSlot(d.ab.slot); ok {
			log.Logf("slot %c exhausted, switching to slot %c", d.ab.slot, next)
			d.ab.slot = next
			if err := env.Decrement(d.ab.slot); err != nil && err != uenv.ErrExhausted {
				return err
			}
		} else {
			log.Logf("all boot slots exhausted! attempting slot %c anyway", d.ab.slot)
		}
	}

	//commit point: the attempt is recorded before anything is mounted, so a
	//crash mid-boot cannot inflate the remaining count
	if err := env.Save(dev, d.ab.envOffset); err != nil {
		return err
	}

	offset := d.ab.SlotOffset()
	startBlock := offset / uint64(dev.BlockSize())
	if err := d.Registry.PublishSubdevice(name, SubdevName, startBlock, 0); err != nil {
		return fmt.Errorf("publishing %s: %w", SubdevName, err)
	}
	subdev, err := d.Registry.Open(SubdevName)
	if err != nil {
		return err
	}
	defer subdev.Close()

	return d.tryBoot(subdev, true)
}

//mount, parse, select, load, hand off. abMode selects the slot-suffix label
//rule; otherwise the default label boots.
func (d *Dispatcher) tryBoot(dev block.Device, abMode bool) error {
	fsys, cleanup, err := d.Mounter.Mount(dev)
	if err != nil {
		return fmt.Errorf("mounting %s: %w", dev.Name(), err)
	}
	defer func() {
		if cleanup != nil {
			if err := cleanup(); err != nil {
				log.Logf("unmounting %s: %s", dev.Name(), err)
			}
		}
	}()

	cfg, err := extlinux.ParseFS(fsys)
	if err != nil {
		return err
	}
	var label *extlinux.Label
	if abMode {
		label, err = cfg.SelectSlot(d.ab.Slot())
	} else {
		label, err = cfg.SelectDefault()
	}
	if err != nil {
		return err
	}
	log.Msgf("booting %s from %s", label.Name, dev.Name())

	entry, err := LoadEntry(fsys, label)
	if err != nil {
		return err
	}
	return d.Loader.Boot(entry)
}

var mmcPart = regexp.MustCompile(`^mmcblk(\d+)p(\d+)$`)

//resolveBase maps the configured base device name to an enumerated device,
//trying three policies in order: exact name, mmcblkXpN translated to the
//wrapper naming wrp0p(N-1), and GPT label match.
func (d *Dispatcher) resolveBase() (string, error) {
	want := d.ab.baseDevice
	infos := d.Registry.Infos()

	for _, info := range infos {
		if info.Name == want {
			return want, nil
		}
	}

	if m := mmcPart.FindStringSubmatch(want); m != nil {
		n, _ := strconv.Atoi(m[2])
		if n > 0 {
			translated := fmt.Sprintf("wrp0p%d", n-1)
			for _, info := range infos {
				if info.Name == translated {
					log.Logf("resolved %s as %s", want, translated)
					return translated, nil
				}
			}
		}
	}

	for _, info := range infos {
		if info.Label != "" && info.Label == want {
			log.Logf("resolved %s by GPT label as %s", want, info.Name)
			return info.Name, nil
		}
	}

	return "", fmt.Errorf("base device %q not found", want)
}

//scanDevices is the non-A/B fallback: mount every leaf partition large
//enough to plausibly hold a boot filesystem and boot the first one with a
//usable extlinux descriptor. Small partitions are allowed through when their
//label starts with "boot" (a next-stage bootloader package may live there).
func (d *Dispatcher) scanDevices() error {
	log.Logf("boot: trying to boot from the file system...")
	for _, info := range d.Registry.Infos() {
		if !info.Leaf {
			continue
		}
		if info.Size < uint64(d.Cfg.MinBootSize) && !strings.HasPrefix(info.Label, "boot") {
			continue
		}
		dev, err := d.Registry.Open(info.Name)
		if err != nil {
			log.Logf("opening %s: %s", info.Name, err)
			continue
		}
		err = d.tryBoot(dev, false)
		dev.Close()
		if err != nil {
			log.Logf("scanning %s: %s", info.Name, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("no bootable filesystem")
}

// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package boot

import (
	"github.com/purecloudlabs/slotboot/pkg/boot/uenv"
	"github.com/purecloudlabs/slotboot/pkg/log"
)

// AB is the runtime state of RAUC-style A/B boot: where the U-Boot
// environment lives, the cached environment, the selected slot, and the byte
// offsets of the two slot filesystems within the base device. Constructed by
// InitAB and threaded through the dispatcher - there is no package-level
// instance.
type AB struct {
	initialized bool
	baseDevice  string //as configured; resolution happens in the dispatcher
	resolved    string //device name after resolution
	envOffset   int64
	envSize     int
	env         *uenv.Env
	slot        byte
	offsetA     uint64
	offsetB     uint64
}

// InitAB records the environment location. Size 0 selects the default. A nil
// ab allocates a new handle; a repeated call on an initialized handle is a
// no-op: initializing twice must not disturb state.
func InitAB(ab *AB, baseDevice string, envOffset int64, envSize int) *AB {
	if ab == nil {
		ab = &AB{}
	}
	if ab.initialized {
		log.Logf("A/B boot already initialized")
		return ab
	}
	if baseDevice == "" {
		log.Logf("A/B boot: no base device configured")
		return ab
	}
	if envSize == 0 {
		envSize = uenv.DefaultSize
	}
	ab.baseDevice = baseDevice
	ab.envOffset = envOffset
	ab.envSize = envSize
	ab.initialized = true
	log.Logf("initializing A/B boot from %s at offset 0x%x (size 0x%x)",
		baseDevice, envOffset, envSize)
	return ab
}

// SetOffsets records where each slot's filesystem begins within the base
// device.
func (ab *AB) SetOffsets(a, b uint64) {
	ab.offsetA = a
	ab.offsetB = b
	log.Logf("A/B slot offsets: A=0x%x B=0x%x", a, b)
}

// Initialized reports whether a base device was configured.
func (ab *AB) Initialized() bool { return ab != nil && ab.initialized }

// Slot returns the selected boot slot. Before selection (or without A/B
// configured) it returns 'A', which matches no _B-suffixed label and lets
// plain extlinux setups work unchanged.
func (ab *AB) Slot() byte {
	if ab == nil || ab.slot == 0 {
		return 'A'
	}
	return ab.slot
}

// SlotOffset returns the byte offset of the selected slot's filesystem.
func (ab *AB) SlotOffset() uint64 {
	if ab.Slot() == 'B' {
		return ab.offsetB
	}
	return ab.offsetA
}

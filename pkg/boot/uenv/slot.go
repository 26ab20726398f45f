// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package uenv

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/purecloudlabs/slotboot/pkg/log"
)

var ErrExhausted = errors.New("uenv: slot has no boot attempts left")

// CurrentSlot returns the first slot in BOOT_ORDER with attempts remaining.
// When every slot is exhausted it returns the first slot in BOOT_ORDER anyway
// as a last resort. Letters other than A and B are skipped.
func (e *Env) CurrentSlot() byte {
	for _, s := range strings.Fields(e.order) {
		switch s[0] {
		case 'A':
			if e.aLeft > 0 {
				return 'A'
			}
		case 'B':
			if e.bLeft > 0 {
				return 'B'
			}
		}
	}
	log.Logf("uenv: all boot slots exhausted!")
	return e.order[0]
}

// NextSlot returns the slot after current in BOOT_ORDER that still has
// attempts remaining, or false if no successor qualifies.
func (e *Env) NextSlot(current byte) (byte, bool) {
	foundCurrent := false
	for _, s := range strings.Fields(e.order) {
		if foundCurrent {
			switch s[0] {
			case 'A':
				if e.aLeft > 0 {
					return 'A', true
				}
			case 'B':
				if e.bLeft > 0 {
					return 'B', true
				}
			}
		}
		if s[0] == current {
			foundCurrent = true
		}
	}
	return 0, false
}

// Decrement records a boot attempt against slot: its counter is decremented
// and written through to the payload. Returns ErrExhausted, without mutating,
// when the counter is already zero.
func (e *Env) Decrement(slot byte) error {
	var counter *int
	var key string
	switch slot {
	case 'A':
		counter = &e.aLeft
		key = "BOOT_A_LEFT"
	case 'B':
		counter = &e.bLeft
		key = "BOOT_B_LEFT"
	default:
		return fmt.Errorf("uenv: invalid slot %q", string(slot))
	}

	if *counter == 0 {
		log.Logf("uenv: slot %c has no attempts left", slot)
		return ErrExhausted
	}
	*counter--
	if err := e.Set(key, strconv.Itoa(*counter)); err != nil {
		*counter++
		return err
	}
	log.Logf("uenv: slot %c attempts remaining: %d", slot, *counter)
	return nil
}

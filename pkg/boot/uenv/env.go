// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package uenv reads and writes a U-Boot environment block: a fixed-size
//region on a block device holding NUL-separated KEY=VALUE records behind a
//CRC32 header. It also implements the RAUC-style A/B slot selection over the
//BOOT_ORDER / BOOT_A_LEFT / BOOT_B_LEFT variables stored there.
//
//Image layout: 4-byte little-endian CRC32 of the payload, one flags byte
//(0x01 when written), then payload. The payload ends at an empty record
//(double NUL); unused tail bytes are zero.
package uenv

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/purecloudlabs/slotboot/pkg/hw/block"
	"github.com/purecloudlabs/slotboot/pkg/log"
)

const (
	//CRC32 header plus flags byte
	headerLen = 5

	flagActive = 0x01

	//typical U-Boot env location within the base device
	DefaultOffset = 0x10000
	DefaultSize   = 0x20000

	//default boot attempts per slot
	MaxBootAttempts = 3
)

var (
	ErrNoSpace = errors.New("uenv: not enough space in environment")
	//region size zero or otherwise no larger than the header
	ErrBadSize = errors.New("uenv: bad environment size")
)

// Env is a parsed environment image plus the cached A/B boot state.
type Env struct {
	data  []byte //payload only, len == size-headerLen
	size  int    //full region size including header
	dirty bool

	//cached boot variables, kept in sync with the payload by Set
	order string
	aLeft int
	bLeft int
}

// Load reads size bytes at offset on dev and parses them. A CRC mismatch is
// not an error: the environment is reinitialized empty and marked dirty, and
// the boot counters restart from defaults. Missing boot variables are
// materialized with defaults (also marking dirty).
func Load(dev block.Device, offset int64, size int) (*Env, error) {
	if size <= headerLen {
		return nil, ErrBadSize
	}
	buf := make([]byte, size)
	if _, err := dev.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("uenv: reading %s at 0x%x: %w", dev.Name(), offset, err)
	}

	e := &Env{
		data: buf[headerLen:],
		size: size,
	}
	stored := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	calc := crc32.ChecksumIEEE(e.data)
	if calc != stored {
		log.Logf("uenv: CRC mismatch (calculated 0x%x, stored 0x%x), initializing clean env", calc, stored)
		for i := range e.data {
			e.data[i] = 0
		}
		e.dirty = true
	}

	e.parseBootVars()
	return e, nil
}

//Materialize BOOT_ORDER / BOOT_A_LEFT / BOOT_B_LEFT, caching the values and
//writing defaults back for any that are absent.
func (e *Env) parseBootVars() {
	order, ok := e.Get("BOOT_ORDER")
	if !ok || order == "" {
		order = "A B"
		if err := e.Set("BOOT_ORDER", order); err != nil {
			log.Logf("uenv: %s", err)
		}
	}
	e.order = order

	e.aLeft = e.loadCounter("BOOT_A_LEFT")
	e.bLeft = e.loadCounter("BOOT_B_LEFT")

	log.Logf("uenv: boot config BOOT_ORDER=%q BOOT_A_LEFT=%d BOOT_B_LEFT=%d",
		e.order, e.aLeft, e.bLeft)
}

func (e *Env) loadCounter(key string) int {
	v, ok := e.Get(key)
	if ok {
		n, err := strconv.Atoi(v)
		if err == nil && n >= 0 {
			return n
		}
		log.Logf("uenv: bad %s value %q, using default", key, v)
	}
	if err := e.Set(key, strconv.Itoa(MaxBootAttempts)); err != nil {
		log.Logf("uenv: %s", err)
	}
	return MaxBootAttempts
}

// Get returns the value for key, scanning the payload records in order.
func (e *Env) Get(key string) (string, bool) {
	if e.data == nil {
		return "", false
	}
	for _, rec := range e.records() {
		if k, v, found := strings.Cut(rec, "="); found && k == key {
			return v, true
		}
	}
	return "", false
}

//payload records up to the terminating empty one
func (e *Env) records() (recs []string) {
	rest := e.data
	for len(rest) > 0 && rest[0] != 0 {
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			//unterminated record; treat what's there as the last one
			recs = append(recs, string(rest))
			return
		}
		recs = append(recs, string(rest[:i]))
		rest = rest[i+1:]
	}
	return
}

// Set stores key=value, overwriting in place when the new record fits in the
// old one's space, otherwise compacting the payload and appending. Returns
// ErrNoSpace when the record plus the terminating empty record does not fit.
// Any successful mutation marks the environment dirty.
func (e *Env) Set(key, value string) error {
	if e.data == nil {
		return errors.New("uenv: environment freed")
	}
	entry := key + "=" + value

	recs := e.records()
	for i, rec := range recs {
		k, _, found := strings.Cut(rec, "=")
		if found && k == key {
			if len(entry) <= len(rec) {
				//fits in place
				e.spliceAt(i, recs, entry)
				e.markDirty(key, value)
				return nil
			}
			//remove; append below
			recs = append(recs[:i], recs[i+1:]...)
			break
		}
	}

	recs = append(recs, entry)
	need := 0
	for _, r := range recs {
		need += len(r) + 1
	}
	need++ //terminating empty record
	if need > len(e.data) {
		return fmt.Errorf("%w: %s=%s", ErrNoSpace, key, value)
	}
	e.rewrite(recs)
	e.markDirty(key, value)
	return nil
}

//overwrite record i in place, preserving everything after it
func (e *Env) spliceAt(i int, recs []string, entry string) {
	recs[i] = entry
	e.rewrite(recs)
}

//lay records back down into the payload, zero-filling the tail. A record
//that cannot fit with its terminator (possible only when a corrupt image had
//an unterminated tail) is dropped.
func (e *Env) rewrite(recs []string) {
	pos := 0
	for _, r := range recs {
		if pos+len(r)+1 > len(e.data) {
			break
		}
		pos += copy(e.data[pos:], r)
		e.data[pos] = 0
		pos++
	}
	for ; pos < len(e.data); pos++ {
		e.data[pos] = 0
	}
}

//keep the cached boot state coherent with the payload
func (e *Env) markDirty(key, value string) {
	e.dirty = true
	switch key {
	case "BOOT_ORDER":
		e.order = value
	case "BOOT_A_LEFT":
		if n, err := strconv.Atoi(value); err == nil {
			e.aLeft = n
		}
	case "BOOT_B_LEFT":
		if n, err := strconv.Atoi(value); err == nil {
			e.bLeft = n
		}
	}
}

// Save writes the environment back at offset on dev in a single write:
// recomputed CRC32 header, active flag, payload. No-op unless dirty.
func (e *Env) Save(dev block.Device, offset int64) error {
	if e.data == nil || !e.dirty {
		return nil
	}
	buf := make([]byte, e.size)
	crc := crc32.ChecksumIEEE(e.data)
	buf[0] = byte(crc)
	buf[1] = byte(crc >> 8)
	buf[2] = byte(crc >> 16)
	buf[3] = byte(crc >> 24)
	buf[4] = flagActive
	copy(buf[headerLen:], e.data)

	if _, err := dev.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("uenv: writing %s at 0x%x: %w", dev.Name(), offset, err)
	}
	e.dirty = false
	log.Logf("uenv: saved to %s at offset 0x%x", dev.Name(), offset)
	return nil
}

// Dirty reports whether there are unsaved changes.
func (e *Env) Dirty() bool { return e.dirty }

// Free releases the payload buffer. The Env is unusable afterward.
func (e *Env) Free() { e.data = nil }

// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package ums

import (
	"fmt"
	"unsafe"
)

// CacheLine is the granularity of the cache maintenance operations.
const CacheLine = 64

// CacheOps is the cache discipline around DMA: clean-and-invalidate before a
// buffer is handed to the controller for a device-to-host transfer,
// invalidate after a host-to-device transfer lands in it. The controller
// driver supplies the real operations; hosted builds run coherent and use
// NopCache.
type CacheOps interface {
	CleanInvalidate(b []byte)
	Invalidate(b []byte)
}

// NopCache is for cache-coherent (hosted) environments.
type NopCache struct{}

func (NopCache) CleanInvalidate([]byte) {}
func (NopCache) Invalidate([]byte)      {}

//max transfer buffer size, before scratch and block-size limits
const xferBufLimit = 1024 * 1024

// DmaBuffer owns the bulk transfer buffer and its cache discipline, so the
// SCSI handlers never touch cache maintenance directly. The buffer comes
// from a scratch region, not the heap: it is sized min(1MiB, scratch/2)
// aligned down to the storage block size, and aligned up to a cache line
// boundary within the region.
type DmaBuffer struct {
	buf   []byte
	cache CacheOps
}

func NewDmaBuffer(scratch []byte, blockSize int, cache CacheOps) (*DmaBuffer, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("ums: bad block size %d", blockSize)
	}
	//cache-line align the start within the scratch region
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(scratch)))
	skip := 0
	if rem := int(addr % CacheLine); rem != 0 {
		skip = CacheLine - rem
	}
	if skip >= len(scratch) {
		return nil, fmt.Errorf("ums: scratch region too small (%d bytes)", len(scratch))
	}
	scratch = scratch[skip:]

	size := len(scratch) / 2
	if size > xferBufLimit {
		size = xferBufLimit
	}
	size -= size % blockSize
	if size < blockSize {
		return nil, fmt.Errorf("ums: scratch region too small for one %d byte block", blockSize)
	}
	return &DmaBuffer{buf: scratch[:size], cache: cache}, nil
}

// Bytes returns the whole buffer.
func (d *DmaBuffer) Bytes() []byte { return d.buf }

// Size returns the usable buffer length.
func (d *DmaBuffer) Size() int { return len(d.buf) }

// BeforeSend prepares the first n bytes for a device-to-host transfer,
// extended to the next cache line boundary.
func (d *DmaBuffer) BeforeSend(n int) {
	d.cache.CleanInvalidate(d.buf[:d.clamp(lineAlign(n))])
}

// AfterReceive makes the first n bytes of a completed host-to-device
// transfer visible, extended to the next cache line boundary.
func (d *DmaBuffer) AfterReceive(n int) {
	d.cache.Invalidate(d.buf[:d.clamp(lineAlign(n))])
}

//bound by the buffer length
func (d *DmaBuffer) clamp(n int) int {
	if n > len(d.buf) {
		return len(d.buf)
	}
	return n
}

func lineAlign(n int) int {
	if rem := n % CacheLine; rem != 0 {
		n += CacheLine - rem
	}
	return n
}

// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package ums

import (
	"testing"
)

type recordingCache struct {
	cleaned     []int
	invalidated []int
}

func (c *recordingCache) CleanInvalidate(b []byte) { c.cleaned = append(c.cleaned, len(b)) }
func (c *recordingCache) Invalidate(b []byte)      { c.invalidated = append(c.invalidated, len(b)) }

func TestDmaBufferSizing(t *testing.T) {
	//small region: half, aligned down to the block size
	b, err := NewDmaBuffer(make([]byte, 8192), 512, NopCache{})
	if err != nil {
		t.Fatal(err)
	}
	if b.Size() > 4096 || b.Size() < 4096-CacheLine-512 {
		t.Errorf("size = %d", b.Size())
	}
	if b.Size()%512 != 0 {
		t.Errorf("size %d not block aligned", b.Size())
	}

	//large region: capped at 1MiB
	b, err = NewDmaBuffer(make([]byte, 8*1024*1024), 512, NopCache{})
	if err != nil {
		t.Fatal(err)
	}
	if b.Size() != 1024*1024 {
		t.Errorf("size = %d, want 1MiB", b.Size())
	}

	if _, err = NewDmaBuffer(make([]byte, 256), 512, NopCache{}); err == nil {
		t.Error("undersized scratch accepted")
	}
	if _, err = NewDmaBuffer(make([]byte, 8192), 0, NopCache{}); err == nil {
		t.Error("zero block size accepted")
	}
}

func TestDmaBufferCacheOps(t *testing.T) {
	rec := &recordingCache{}
	b, err := NewDmaBuffer(make([]byte, 8192), 512, rec)
	if err != nil {
		t.Fatal(err)
	}

	b.BeforeSend(100)
	if len(rec.cleaned) != 1 || rec.cleaned[0] != 128 {
		t.Errorf("clean ranges %v, want one line-aligned 128", rec.cleaned)
	}

	b.AfterReceive(CacheLine)
	if len(rec.invalidated) != 1 || rec.invalidated[0] != CacheLine {
		t.Errorf("invalidate ranges %v", rec.invalidated)
	}

	//ranges never exceed the buffer
	b.BeforeSend(b.Size())
	if rec.cleaned[1] != b.Size() {
		t.Errorf("full clean = %d", rec.cleaned[1])
	}
}

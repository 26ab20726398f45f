// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package block

import (
	"bytes"
	"strings"
	"testing"

	"github.com/purecloudlabs/slotboot/pkg/log/testlog"
)

func TestWindow(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	parent := NewMemDev("base", "", 512, 64*1024)
	for i := range parent.Bytes() {
		parent.Bytes()[i] = byte(i)
	}

	//blocks == 0 spans to end of parent
	w, err := NewWindow(parent, "sub", 16, 0)
	if err != nil {
		t.Fatal(err)
	}
	if w.Name() != "sub" || w.BlockSize() != 512 {
		t.Errorf("identity: %s bs=%d", w.Name(), w.BlockSize())
	}
	if want := parent.BlockCount() - 16; w.BlockCount() != want {
		t.Errorf("blocks = %d, want %d", w.BlockCount(), want)
	}

	buf := make([]byte, 512)
	if _, err := w.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, parent.Bytes()[16*512:17*512]) {
		t.Error("window read not offset by start block")
	}

	//writes land at the offset position in the parent
	if _, err := w.WriteAt([]byte("marker"), 1024); err != nil {
		t.Fatal(err)
	}
	if string(parent.Bytes()[16*512+1024:16*512+1030]) != "marker" {
		t.Error("window write not offset")
	}

	//accesses outside the window fail
	if _, err := w.ReadAt(buf, int64(w.BlockCount())*512); err == nil {
		t.Error("read past window end accepted")
	}
	if _, err := w.WriteAt(buf, -1); err == nil {
		t.Error("negative offset accepted")
	}

	//bad geometry
	if _, err := NewWindow(parent, "x", parent.BlockCount(), 0); err == nil {
		t.Error("window starting at end of device accepted")
	}
	if _, err := NewWindow(parent, "x", 0, parent.BlockCount()+1); err == nil {
		t.Error("oversized window accepted")
	}
}

func TestMemRegistry(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	a := NewMemDev("sda", "boot-a", 512, 32*1024)
	b := NewMemDev("sdb", "", 512, 32*1024)
	b.Parent = true
	r := NewMemRegistry(a, b)

	if err := r.Enumerate(); err != nil {
		t.Fatal(err)
	}
	infos := r.Infos()
	if len(infos) != 2 {
		t.Fatalf("%d infos", len(infos))
	}
	if infos[0].Name != "sda" || !infos[0].Leaf || infos[0].Label != "boot-a" {
		t.Errorf("infos[0] = %+v", infos[0])
	}
	if infos[1].Leaf {
		t.Error("parent device reported as leaf")
	}

	if _, err := r.Open("nope"); err == nil {
		t.Error("opened a nonexistent device")
	}

	if err := r.PublishSubdevice("sda", "win", 8, 0); err != nil {
		t.Fatal(err)
	}
	w, err := r.Open("win")
	if err != nil {
		t.Fatal(err)
	}
	if parent, off, ok := WindowBase(w); !ok || parent != "sda" || off != 8*512 {
		t.Errorf("WindowBase = %s 0x%x %t", parent, off, ok)
	}
	//subdevices are enumerated as leaves
	found := false
	for _, info := range r.Infos() {
		if info.Name == "win" && info.Leaf {
			found = true
		}
	}
	if !found {
		t.Error("subdevice missing from Infos")
	}

	if err := r.PublishSubdevice("nope", "w2", 0, 0); err == nil {
		t.Error("published on a nonexistent parent")
	}
	if err := r.PublishSubdevice("sda", "w3", 1<<20, 0); err == nil {
		t.Error("published beyond end of parent")
	}
}

func TestParseBlkidOut(t *testing.T) {
	tlog := testlog.NewTestLog(t, true, false)
	defer tlog.Freeze()
	out := `/dev/sda1: LABEL="rootfs" UUID="6c15-a2f3" TYPE="ext4" PARTLABEL="userdata"`
	bi, err := parseBlkidOut([]byte(out))
	if err != nil {
		t.Fatal(err)
	}
	if bi.Label != "rootfs" || bi.UUID != "6c15-a2f3" || bi.FsType != "ext4" || bi.PartLabel != "userdata" {
		t.Errorf("parsed %+v", bi)
	}

	if _, err := parseBlkidOut([]byte("garbage with no colon")); err == nil {
		t.Error("garbage accepted")
	}
	if !strings.Contains(out, "PARTLABEL") {
		t.Fatal("test input malformed")
	}
}

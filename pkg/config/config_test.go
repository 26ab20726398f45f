// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package config

import (
	"os"
	fp "path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.EnvOffset != 0x10000 || cfg.EnvSize != 0x20000 {
		t.Errorf("env defaults wrong: %+v", cfg)
	}
	if cfg.SlotA != 0x00100000 || cfg.SlotB != 0x04100000 {
		t.Errorf("slot defaults wrong: %+v", cfg)
	}
	if cfg.BaseDevice != "mmcblk0p20" {
		t.Errorf("base device = %q", cfg.BaseDevice)
	}
}

func TestLoad(t *testing.T) {
	path := fp.Join(t.TempDir(), "boot.yaml")
	content := `
base_device: mmcblk0p23
env_offset: "0x20000"
slot_a_offset: 1048576
ums_partition: cache
usb_controller: dwc3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseDevice != "mmcblk0p23" {
		t.Errorf("base device = %q", cfg.BaseDevice)
	}
	if cfg.EnvOffset != 0x20000 {
		t.Errorf("hex offset = 0x%x", uint64(cfg.EnvOffset))
	}
	if cfg.SlotA != 1048576 {
		t.Errorf("decimal offset = %d", uint64(cfg.SlotA))
	}
	//unset fields keep defaults
	if cfg.EnvSize != 0x20000 || cfg.MenuTimeout != 3 {
		t.Errorf("defaults not preserved: %+v", cfg)
	}
	if cfg.UmsPartition != "cache" || cfg.UsbController != "dwc3" {
		t.Errorf("ums fields wrong: %+v", cfg)
	}

	if _, err := Load(fp.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file did not error")
	}
}

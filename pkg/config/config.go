// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package config loads boot configuration from a yaml file. Every field has a
//default, so an absent or partial file still yields a usable configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Bytes is a byte count or offset. Accepts plain integers and 0x-prefixed
// hex strings in yaml.
type Bytes uint64

func (b *Bytes) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n uint64
		if err := value.Decode(&n); err != nil {
			return err
		}
		*b = Bytes(n)
		return nil
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("config: bad byte value %q: %w", s, err)
	}
	*b = Bytes(n)
	return nil
}

type Config struct {
	//device holding the U-Boot env and both slot filesystems
	BaseDevice string `yaml:"base_device"`
	EnvOffset  Bytes  `yaml:"env_offset"`
	EnvSize    Bytes  `yaml:"env_size"`
	SlotA      Bytes  `yaml:"slot_a_offset"`
	SlotB      Bytes  `yaml:"slot_b_offset"`

	//partition exported over USB mass storage
	UmsPartition string `yaml:"ums_partition"`
	//controller family: hsusb or dwc3
	UsbController string `yaml:"usb_controller"`

	//seconds before the countdown gives up and boots
	MenuTimeout int `yaml:"menu_timeout"`

	//partitions below this size are skipped by the non-A/B scan unless
	//their label starts with "boot"
	MinBootSize Bytes `yaml:"min_boot_size"`
}

// Default returns the built-in configuration, chosen for the Fairphone 2
// userdata layout.
func Default() Config {
	return Config{
		BaseDevice:    "mmcblk0p20",
		EnvOffset:     0x10000,
		EnvSize:       0x20000,
		SlotA:         0x00100000,
		SlotB:         0x04100000,
		UmsPartition:  "userdata",
		UsbController: "hsusb",
		MenuTimeout:   3,
		MinBootSize:   16 * 1024 * 1024,
	}
}

// Load reads a yaml file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

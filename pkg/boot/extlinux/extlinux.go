// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package extlinux parses the plain-text boot descriptor found at
///extlinux/extlinux.conf in a boot filesystem, and selects the entry to boot
//for a given A/B slot.
package extlinux

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/purecloudlabs/slotboot/pkg/log"
)

// ConfPath is where the descriptor lives, relative to the filesystem root.
const ConfPath = "extlinux/extlinux.conf"

// Label is one boot entry.
type Label struct {
	Name        string
	Kernel      string
	Initrd      string
	Fdt         string
	FdtDir      string
	FdtOverlays []string
	Append      string
}

// Config is a parsed descriptor: an optional default label name plus entries
// in file order.
type Config struct {
	Default string
	Labels  []Label
}

// ParseFS reads and parses ConfPath from fsys.
func ParseFS(fsys fs.FS) (*Config, error) {
	f, err := fsys.Open(ConfPath)
	if err != nil {
		return nil, fmt.Errorf("extlinux: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a descriptor. Keywords are case-insensitive, tokens are
// whitespace-separated, lines starting with '#' are comments, and unknown
// directives are ignored.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	var cur *Label

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := strings.Fields(line)
		keyword := strings.ToLower(tokens[0])
		args := tokens[1:]

		switch keyword {
		case "default":
			if len(args) > 0 {
				cfg.Default = args[0]
			}
		case "label":
			if len(args) == 0 {
				return nil, fmt.Errorf("extlinux: label without a name")
			}
			cfg.Labels = append(cfg.Labels, Label{Name: args[0]})
			cur = &cfg.Labels[len(cfg.Labels)-1]
		case "linux", "kernel":
			if cur != nil && len(args) > 0 {
				cur.Kernel = args[0]
			}
		case "initrd":
			if cur != nil && len(args) > 0 {
				cur.Initrd = args[0]
			}
		case "fdt", "devicetree":
			if cur != nil && len(args) > 0 {
				cur.Fdt = args[0]
			}
		case "fdtdir", "devicetreedir":
			if cur != nil && len(args) > 0 {
				cur.FdtDir = args[0]
			}
		case "fdtoverlays", "devicetree-overlay":
			if cur != nil {
				cur.FdtOverlays = append(cur.FdtOverlays, args...)
			}
		case "append":
			if cur != nil {
				cur.Append = strings.Join(args, " ")
			}
		default:
			log.Logf("extlinux: ignoring directive %q", keyword)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("extlinux: %w", err)
	}
	return cfg, nil
}

// SelectSlot picks the entry for a boot slot. With a default label defined,
// the selected name is <default>_<slot>; otherwise the first label whose name
// ends in _<slot> wins. A miss is an error - the caller must not fall back to
// an entry for the other slot.
func (c *Config) SelectSlot(slot byte) (*Label, error) {
	if c.Default != "" {
		want := fmt.Sprintf("%s_%c", c.Default, slot)
		if l := c.byName(want); l != nil {
			return l, nil
		}
		return nil, fmt.Errorf("extlinux: no label %q for slot %c", want, slot)
	}
	suffix := fmt.Sprintf("_%c", slot)
	for i := range c.Labels {
		if strings.HasSuffix(c.Labels[i].Name, suffix) {
			return &c.Labels[i], nil
		}
	}
	return nil, fmt.Errorf("extlinux: no label with suffix %q", suffix)
}

// SelectDefault picks the entry for a non-A/B boot: the default label when
// defined and present, else the first entry.
func (c *Config) SelectDefault() (*Label, error) {
	if c.Default != "" {
		if l := c.byName(c.Default); l != nil {
			return l, nil
		}
	}
	if len(c.Labels) > 0 {
		return &c.Labels[0], nil
	}
	return nil, fmt.Errorf("extlinux: no boot entries")
}

func (c *Config) byName(name string) *Label {
	for i := range c.Labels {
		if c.Labels[i].Name == name {
			return &c.Labels[i]
		}
	}
	return nil
}

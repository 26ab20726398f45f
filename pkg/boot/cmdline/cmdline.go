// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package cmdline interprets the bootloader-specific keys that may appear on
//the booted OS's kernel command line. These keys tell the boot flow which
//device-tree fixups the OS wants; they are read from the selected boot
//entry's append line, not from the bootloader's own arguments.
package cmdline

import (
	"strings"

	"github.com/purecloudlabs/slotboot/pkg/log"
)

// SimpleFB configures passing the bootloader framebuffer to the OS.
type SimpleFB struct {
	Enabled     bool
	AutoRefresh bool
	//pixel format override: "", "xrgb8888" or "rgb565"
	Format   string
	Relocate bool
}

// Options are the recognized lk2nd.* keys.
type Options struct {
	SimpleFB       SimpleFB
	PassRamoops    bool
	RamoopsZap     bool
	ForceSpinTable bool
}

// Parse scans a kernel command line for lk2nd.* keys. Other keys, and values
// other than zap/force for the ramoops/spin-table keys, are ignored silently;
// unknown simplefb flags are ignored with a log line.
func Parse(cl string) (o Options) {
	for _, tok := range strings.Fields(cl) {
		key, val, _ := strings.Cut(tok, "=")
		switch key {
		case "lk2nd.pass-simplefb":
			o.SimpleFB.Enabled = true
			for _, f := range strings.Split(val, ",") {
				switch f {
				case "":
				case "autorefresh":
					o.SimpleFB.AutoRefresh = true
				case "xrgb8888", "rgb565":
					o.SimpleFB.Format = f
				case "relocate":
					o.SimpleFB.Relocate = true
				default:
					log.Logf("cmdline: unknown simplefb flag %q", f)
				}
			}
		case "lk2nd.pass-ramoops":
			o.PassRamoops = true
			if val == "zap" {
				o.RamoopsZap = true
			}
		case "lk2nd.spin-table":
			if val == "force" {
				o.ForceSpinTable = true
			}
		}
	}
	return
}

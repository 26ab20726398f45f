// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

/*
Slotboot is the boot-time core of a secondary bootloader. It tracks which of
two redundant root filesystems (slots A and B) to try next in a U-Boot
environment block with per-slot attempt counters, mounts the chosen slot,
interprets its extlinux boot descriptor, and hands the kernel off - or, from
a serial boot menu, exposes a storage partition to a host computer over USB
mass storage.

Layout:

	cmd/slotboot    the boot binary
	pkg/boot        slot selection, dispatch, entry loading
	pkg/boot/uenv   U-Boot environment with A/B counters
	pkg/ums         USB mass storage target (bulk-only transport)
	pkg/menu        serial console menu and countdown
	pkg/hw          block devices, serial console, power, kmsg
	pkg/log         stackable logging
	build           mage build targets
*/
package slotboot

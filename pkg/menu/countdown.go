// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package menu

import (
	"fmt"
	"time"

	"github.com/purecloudlabs/slotboot/pkg/hw/console"
)

//polling granularity of the countdown; 20 polls per second
const countdownPoll = 50 * time.Millisecond

// Countdown shows a boot countdown on the console, overwriting the line in
// place. Returns true as soon as any key arrives - the caller then enters the
// menu - or false on timeout (continue normal boot). Buffered input is
// drained first so a stray earlier keypress doesn't trigger the menu.
func Countdown(c console.Console, seconds int) bool {
	fmt.Fprintf(c, "\n=== Boot Menu ===\n")
	fmt.Fprintf(c, "Press any key within %d seconds to enter the boot menu\n", seconds)

	console.Drain(c)

	for remaining := seconds; remaining > 0; remaining-- {
		fmt.Fprintf(c, "\rBooting in %2d ...  ", remaining)
		for i := 0; i < int(time.Second/countdownPoll); i++ {
			if _, ok := c.ReadByte(countdownPoll); ok {
				fmt.Fprintf(c, "\rKey pressed -- entering boot menu\n")
				return true
			}
		}
	}
	fmt.Fprintf(c, "\rNo key pressed -- continuing normal boot   \n\n")
	return false
}

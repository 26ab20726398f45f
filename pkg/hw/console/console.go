// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package console provides raw byte-at-a-time access to the serial console,
//for the boot menu and for "press any key" style prompts.
package console

import (
	"io"
	"time"
)

// Console is what the menu and countdown need from a terminal: raw writes,
// and polled single-byte reads. Implementations must not echo or buffer by
// line.
type Console interface {
	io.Writer
	//ReadByte returns the next input byte, or ok == false if none arrived
	//within the timeout. A zero timeout just polls.
	ReadByte(timeout time.Duration) (b byte, ok bool)
}

// Drain discards any buffered input.
func Drain(c Console) {
	for {
		if _, ok := c.ReadByte(0); !ok {
			return
		}
	}
}

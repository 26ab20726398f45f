// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package fileutil contains utility functions for dealing with files that
//appear asynchronously, such as device nodes published by the kernel.
package fileutil

import (
	"os"
	"time"
)

// WaitFor waits for a file to appear or times out. Returns true if file appears,
// false otherwise. Sleeps .1s between checks.
func WaitFor(path string, timeout time.Duration) (found bool) {
	stop := make(chan struct{})
	go func() {
		time.Sleep(timeout)
		close(stop)
	}()
	return WaitForChan(path, stop)
}

// WaitForChan is like WaitFor, but returns no later than when stop chan is closed
func WaitForChan(path string, stop chan struct{}) (found bool) {
	for {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			found = true
			break
		}
		select {
		case <-stop:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	return
}

// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package fileutil

import (
	"os"
	fp "path/filepath"
	"testing"
	"time"
)

//func WaitFor(path string, timeout time.Duration) (found bool)
func TestWaitFor(t *testing.T) {
	dir := t.TempDir()
	present := fp.Join(dir, "present")
	if err := os.WriteFile(present, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if !WaitFor(present, time.Second) {
		t.Error("existing file not found")
	}

	if WaitFor(fp.Join(dir, "never"), 200*time.Millisecond) {
		t.Error("found a file that does not exist")
	}

	late := fp.Join(dir, "late")
	go func() {
		time.Sleep(150 * time.Millisecond)
		os.WriteFile(late, []byte("x"), 0644)
	}()
	if !WaitFor(late, 2*time.Second) {
		t.Error("did not find file that appeared during the wait")
	}
}

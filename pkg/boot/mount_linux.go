// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//go:build linux

package boot

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	fp "path/filepath"
	"strconv"
	"strings"
	"time"

	futil "github.com/purecloudlabs/slotboot/pkg/fileutil"
	"github.com/purecloudlabs/slotboot/pkg/hw/block"
	"github.com/purecloudlabs/slotboot/pkg/log"

	"github.com/u-root/u-root/pkg/mount"
	"golang.org/x/sys/unix"
)

// LinuxMounter mounts devices read-only under /mnt. Sub-devices published at
// an offset are attached through a read-only loop device, since the mount
// syscall wants a node, not our in-process window.
type LinuxMounter struct{}

var _ Mounter = LinuxMounter{}

func (LinuxMounter) Mount(dev block.Device) (fs.FS, func() error, error) {
	node := "/dev/" + dev.Name()
	var loopdev string

	if parent, off, ok := block.WindowBase(dev); ok {
		//the node can lag partition publication
		if !futil.WaitFor("/dev/"+parent, 5*time.Second) {
			return nil, nil, fmt.Errorf("device node /dev/%s has not appeared", parent)
		}
		losetup := exec.Command("losetup", "--find", "--show", "-r",
			"-o", strconv.FormatInt(off, 10), "/dev/"+parent)
		out, err := losetup.CombinedOutput()
		if err != nil {
			return nil, nil, fmt.Errorf("%v: %s\nout: %s", losetup.Args, err, out)
		}
		loopdev = strings.TrimSpace(string(out))
		node = loopdev
		log.Logf("attached %s at offset 0x%x as %s", parent, off, loopdev)
	}

	dir := fp.Join("/mnt", dev.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, err
	}

	var err error
	for _, fstype := range []string{"ext4", "ext2"} {
		_, err = mount.Mount(node, dir, fstype, "", unix.MS_RDONLY)
		if err == nil {
			log.Logf("mounted %s on %s (%s, ro)", node, dir, fstype)
			break
		}
	}
	if err != nil {
		if loopdev != "" {
			detach(loopdev)
		}
		return nil, nil, err
	}

	cleanup := func() error {
		err := mount.Unmount(dir, true, false)
		if loopdev != "" {
			detach(loopdev)
		}
		return err
	}
	return os.DirFS(dir), cleanup, nil
}

func detach(loopdev string) {
	out, err := exec.Command("losetup", "-d", loopdev).CombinedOutput()
	if err != nil {
		log.Logf("detaching %s: %s\nout: %s", loopdev, err, out)
	}
}

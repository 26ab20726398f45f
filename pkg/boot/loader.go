// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package boot

import (
	"fmt"
	"io"
	"io/fs"
	fp "path/filepath"
	"strings"

	"github.com/purecloudlabs/slotboot/pkg/boot/cmdline"
	"github.com/purecloudlabs/slotboot/pkg/boot/extlinux"
	"github.com/purecloudlabs/slotboot/pkg/log"

	"github.com/ulikunitz/xz"
)

// LoadedEntry is a boot entry with every referenced image read into memory,
// ready to hand to the kernel loader.
type LoadedEntry struct {
	Label    string
	Kernel   []byte
	Initrd   []byte
	Fdt      []byte
	FdtPath  string
	Overlays [][]byte
	Cmdline  string
	//fixups the OS requests via its own command line
	Options cmdline.Options
}

// LoadEntry reads the images a label references from the mounted slot
// filesystem. Images with an .xz suffix are decompressed transparently. A
// missing kernel is an error; initrd and device tree are optional.
func LoadEntry(fsys fs.FS, l *extlinux.Label) (*LoadedEntry, error) {
	if l.Kernel == "" {
		return nil, fmt.Errorf("boot: label %s has no kernel", l.Name)
	}
	e := &LoadedEntry{
		Label:   l.Name,
		Cmdline: l.Append,
		Options: cmdline.Parse(l.Append),
	}

	var err error
	if e.Kernel, err = readImage(fsys, l.Kernel); err != nil {
		return nil, err
	}
	log.Logf("loaded kernel %s (%d bytes)", l.Kernel, len(e.Kernel))

	if l.Initrd != "" {
		if e.Initrd, err = readImage(fsys, l.Initrd); err != nil {
			return nil, err
		}
		log.Logf("loaded initrd %s (%d bytes)", l.Initrd, len(e.Initrd))
	}

	fdtPath := l.Fdt
	if fdtPath == "" && l.FdtDir != "" {
		fdtPath, err = findDtb(fsys, l.FdtDir)
		if err != nil {
			return nil, err
		}
	}
	if fdtPath != "" {
		if e.Fdt, err = readImage(fsys, fdtPath); err != nil {
			return nil, err
		}
		e.FdtPath = fdtPath
		log.Logf("loaded device tree %s (%d bytes)", fdtPath, len(e.Fdt))
	}

	for _, ov := range l.FdtOverlays {
		data, err := readImage(fsys, ov)
		if err != nil {
			return nil, err
		}
		e.Overlays = append(e.Overlays, data)
	}
	return e, nil
}

//read a file from the mounted filesystem, unxz-ing when the name says so
func readImage(fsys fs.FS, path string) ([]byte, error) {
	f, err := fsys.Open(fsPath(path))
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".xz") {
		r, err = xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("boot: %s: %w", path, err)
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("boot: reading %s: %w", path, err)
	}
	return data, nil
}

//first .dtb in an fdtdir
func findDtb(fsys fs.FS, dir string) (string, error) {
	entries, err := fs.ReadDir(fsys, fsPath(dir))
	if err != nil {
		return "", fmt.Errorf("boot: %w", err)
	}
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".dtb") {
			return fp.Join(dir, ent.Name()), nil
		}
	}
	return "", fmt.Errorf("boot: no .dtb in %s", dir)
}

//extlinux paths are absolute within the mount; io/fs wants them relative
func fsPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

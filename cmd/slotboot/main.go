// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Command slotboot is the boot phase of the secondary bootloader: it picks an
// A/B slot under the boot-counter discipline and hands the slot's kernel off,
// or diverts into a serial boot menu that can expose a partition over USB
// mass storage.
package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	fp "path/filepath"

	"github.com/alecthomas/kingpin"

	"github.com/purecloudlabs/slotboot/pkg/boot"
	"github.com/purecloudlabs/slotboot/pkg/config"
	"github.com/purecloudlabs/slotboot/pkg/hw/block"
	"github.com/purecloudlabs/slotboot/pkg/hw/console"
	"github.com/purecloudlabs/slotboot/pkg/hw/kmsg"
	"github.com/purecloudlabs/slotboot/pkg/hw/power"
	"github.com/purecloudlabs/slotboot/pkg/log"
	"github.com/purecloudlabs/slotboot/pkg/menu"
	"github.com/purecloudlabs/slotboot/pkg/ums"
	//UDC drivers register their controller family on import, e.g.
	//	_ "github.com/purecloudlabs/slotboot-udc/dwc3"
)

var (
	configPath = kingpin.Flag("config", "boot configuration yaml").Default("/etc/slotboot.yaml").String()
	forceMenu  = kingpin.Flag("menu", "skip the countdown and open the boot menu").Bool()
	umsPart    = kingpin.Flag("ums", "skip boot, export a partition over USB mass storage").PlaceHolder("PARTITION").String()
	serialDev  = kingpin.Flag("serial", "serial console device").Default("/dev/console").String()
	verbose    = kingpin.Flag("verbose", "more detail in logs").Bool()
)

//set at compile time by the mage build: $BUILD_INFO, or git describe output when that is unset
var buildId string

//DMA-safe scratch region the UMS transfer buffer is carved from
var scratch = make([]byte, 2*1024*1024)

func main() {
	kingpin.Parse()
	log.AddConsoleLog(0)
	if err := kmsg.AddKmsgLog("slotboot"); err != nil {
		log.Logf("%s", err)
	}
	log.Logf("buildId: %s", buildId)
	block.Verbose = *verbose

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("loading %s: %s", *configPath, err)
		}
		log.Logf("no %s, using built-in defaults", *configPath)
	}

	reg := block.NewLinuxRegistry()
	dispatcher := boot.NewDispatcher(reg, boot.LinuxMounter{}, kexecLoader{}, cfg)

	con, err := console.Open(*serialDev)
	if err != nil {
		log.Logf("opening %s: %s; menu disabled", *serialDev, err)
		con = nil
	}

	if *umsPart != "" {
		if err := reg.Enumerate(); err != nil {
			log.Fatalf("%s", err)
		}
		if err := enterUms(reg, cfg, con, *umsPart); err != nil {
			log.Fatalf("ums: %s", err)
		}
		return
	}

	if *forceMenu || (con != nil && menu.Countdown(con, cfg.MenuTimeout)) {
		runMenu(dispatcher, reg, cfg, con)
		return
	}

	if err := dispatcher.Boot(); err != nil {
		log.Logf("boot: %s", err)
		if con != nil {
			runMenu(dispatcher, reg, cfg, con)
			return
		}
		log.Fatalf("no boot path and no console")
	}
}

func runMenu(d *boot.Dispatcher, reg block.Registry, cfg config.Config, con *console.Serial) {
	if con == nil {
		log.Fatalf("menu requested but console unavailable")
	}
	m := &menu.Menu{
		Console: con,
		Title:   "Boot Menu",
		Info: []string{
			"Build   : " + buildId,
			"Base    : " + cfg.BaseDevice,
		},
		Actions: []menu.Action{
			{Name: "Reboot", Run: func() error {
				power.Reboot(true)
				return nil
			}},
			{Name: "Continue", Run: func() error {
				return d.Boot()
			}},
			{Name: "USB Storage", Run: func() error {
				if err := reg.Enumerate(); err != nil {
					return err
				}
				return enterUms(reg, cfg, con, cfg.UmsPartition)
			}},
			{Name: "Shutdown", Run: func() error {
				power.Off()
				return nil
			}},
		},
	}
	m.Run()
}

func enterUms(reg block.Registry, cfg config.Config, con *console.Serial, partition string) error {
	log.Logf("entering USB mass storage mode (partition=%q)", partition)
	//a nil *Serial must not become a non-nil io.Reader
	var input io.Reader
	if con != nil {
		input = con
	}
	return ums.EnterMode(partition, ums.Options{
		Controller: cfg.UsbController,
		Registry:   reg,
		Scratch:    scratch,
		Console:    input,
	})
}

// kexecLoader stages the selected entry with the kexec tool and jumps into
// it. The actual kernel handoff belongs to the host kernel; on success the
// final exec never returns.
type kexecLoader struct{}

func (kexecLoader) Boot(e *boot.LoadedEntry) error {
	dir, err := os.MkdirTemp("", "slotboot")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	kpath := fp.Join(dir, "kernel")
	if err := os.WriteFile(kpath, e.Kernel, 0600); err != nil {
		return err
	}
	args := []string{"-l", kpath, "--command-line=" + e.Cmdline}
	if len(e.Initrd) > 0 {
		ipath := fp.Join(dir, "initrd")
		if err := os.WriteFile(ipath, e.Initrd, 0600); err != nil {
			return err
		}
		args = append(args, "--initrd="+ipath)
	}
	if len(e.Fdt) > 0 {
		dpath := fp.Join(dir, "fdt")
		if err := os.WriteFile(dpath, e.Fdt, 0600); err != nil {
			return err
		}
		args = append(args, "--dtb="+dpath)
	}

	load := exec.Command("kexec", args...)
	out, err := load.CombinedOutput()
	if err != nil {
		log.Logf("%v: %s\nout: %s", load.Args, err, out)
		return err
	}
	log.Msgf("booting %s", e.Label)
	log.Finalize()

	out, err = exec.Command("kexec", "-e").CombinedOutput()
	//reaching this point means the jump failed
	return fmt.Errorf("kexec -e returned: %s (out: %s)", err, out)
}

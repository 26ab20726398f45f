// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//go:build mage

/*
 build file for mage build system
 list tgts with
go run mage.go -l

 build tgt with
go run mage.go tgt
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const module = "github.com/purecloudlabs/slotboot"

// BuildAll builds the boot binary after vetting and testing.
func BuildAll(ctx context.Context) error {
	mg.CtxDeps(ctx, Test, Vet)
	mg.CtxDeps(ctx, Slotboot)
	return nil
}

//build id baked into main.buildId; derived from git unless BUILD_INFO is set
func buildInfo() string {
	if bi := os.Getenv("BUILD_INFO"); bi != "" {
		return bi
	}
	out, err := exec.Command("git", "describe", "--always", "--dirty").Output()
	if err != nil {
		return "dev-" + time.Now().UTC().Format("20060102_1504")
	}
	return strings.TrimSpace(string(out))
}

// Slotboot builds the static boot binary for the target arch.
func Slotboot(ctx context.Context) error {
	env := map[string]string{
		"CGO_ENABLED": "0",
	}
	if arch := os.Getenv("TARGET_ARCH"); arch != "" {
		env["GOARCH"] = arch
		env["GOOS"] = "linux"
	}
	ldflags := fmt.Sprintf("-X main.buildId=%s", buildInfo())
	return sh.RunWith(env, "go", "build", "-ldflags", ldflags,
		"-o", "bin/slotboot", module+"/cmd/slotboot")
}

// Test runs all package tests.
func Test(ctx context.Context) error {
	return sh.RunV("go", "test", module+"/...")
}

// Vet runs go vet over the module.
func Vet(ctx context.Context) error {
	return sh.RunV("go", "vet", module+"/...")
}

// Clean removes build output.
func Clean() error {
	return sh.Rm("bin")
}

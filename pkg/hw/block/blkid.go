// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package block

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/purecloudlabs/slotboot/pkg/log"

	"github.com/google/shlex"
)

var Verbose bool

// BlkInfo is what blkid reports about one device.
type BlkInfo struct {
	Device    string
	FsType    string
	UUID      string
	Label     string //filesystem label
	PartLabel string //GPT partition name
}

func parseBlkidOut(out []byte) (binfo BlkInfo, err error) {
	split := strings.SplitN(string(out), ":", 2)
	if len(split) != 2 {
		err = fmt.Errorf("can't parse %s", string(out))
		return
	}
	elements, err := shlex.Split(split[1])
	if err != nil {
		return
	}
	for _, e := range elements {
		kv := strings.SplitN(e, "=", 2)
		if len(kv) != 2 {
			log.Logf("blkid %s: can't parse %s, skipping", split[0], e)
			continue
		}
		//shlex removes spaces and quotes - we don't need to
		k, v := kv[0], kv[1]

		switch strings.ToUpper(k) {
		case "UUID":
			binfo.UUID = v
		case "TYPE":
			binfo.FsType = v
		case "LABEL":
			binfo.Label = v
		case "PARTLABEL":
			binfo.PartLabel = v
		default:
			if Verbose {
				log.Logf("blkid %s: ignoring %s", split[0], e)
			}
		}
	}
	return
}

// GetInfo runs blkid on a device node.
func GetInfo(device string) (bi BlkInfo, err error) {
	blkid := exec.Command("/sbin/blkid", device)
	out, err := blkid.CombinedOutput()
	if err != nil {
		log.Logf("error %s executing %v\noutput:%s\n", err, blkid.Args, out)
		return
	}
	bi, err = parseBlkidOut(out)
	bi.Device = device
	return
}

// GptLabel returns the partition label of a device node, preferring the GPT
// partition name over the filesystem label.
func GptLabel(device string) string {
	bi, err := GetInfo(device)
	if err != nil {
		return ""
	}
	if bi.PartLabel != "" {
		return bi.PartLabel
	}
	return bi.Label
}

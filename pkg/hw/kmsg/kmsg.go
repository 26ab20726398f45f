// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package kmsg facilitates processes writing to the kernel ring buffer, and
// provides a log sink so boot decisions survive into the booted OS's dmesg.
// Process must run as root.
package kmsg

import (
	"fmt"
	"os"

	"github.com/purecloudlabs/slotboot/pkg/log"
)

type Priority uint

//Convert facility/severity into priority
func Prio(f Facility, s Severity) Priority {
	return Priority(f*8) + Priority(s)
}

//Facility values a la RFC5424. Incomplete list.
type Facility uint

const (
	FacUser   Facility = 1
	FacSys    Facility = 3
	FacLocal0 Facility = 16
)

//Severity values a la RFC5424. Incomplete list.
type Severity uint

const (
	SevEmerg Severity = iota
	SevAlert
	SevCrit
	SevError
	SevWarn
	SevNotice
)

// kmsgLog writes log entries to /dev/kmsg. The file stays open for the life
// of the stack; each entry is one write with the priority prefix.
type kmsgLog struct {
	f    *os.File
	prio Priority
	pfx  string
	next log.StackableLogger
}

const KmsgLogIdent = "kmsgLog"

// AddKmsgLog adds a /dev/kmsg sink to the log stack, replaying earlier
// events. Returns an error when the ring buffer is unavailable (not root, no
// /dev).
func AddKmsgLog(pfx string) error {
	f, err := os.OpenFile("/dev/kmsg", os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("kmsg: %w", err)
	}
	kl := &kmsgLog{
		f:    f,
		prio: Prio(FacUser, SevNotice),
		pfx:  pfx,
	}
	return log.AddLogger(kl, true)
}

var _ log.StackableLogger = (*kmsgLog)(nil)

func (kl *kmsgLog) AddEntry(e log.LogEntry) {
	if kl.f != nil {
		msg := fmt.Sprintf("<%d>", kl.prio)
		if len(kl.pfx) > 0 {
			msg += kl.pfx + ": "
		}
		msg += fmt.Sprintf(e.Msg, e.Args...)
		fmt.Fprint(kl.f, msg)
	}
	if kl.next != nil {
		kl.next.AddEntry(e)
	}
}

func (kl *kmsgLog) ForwardTo(sl log.StackableLogger) {
	if kl.next == nil || sl == nil {
		kl.next = sl
	} else {
		panic("next already set")
	}
}

func (kl *kmsgLog) Ident() string             { return KmsgLogIdent }
func (kl *kmsgLog) Next() log.StackableLogger { return kl.next }

func (kl *kmsgLog) Finalize() {
	if kl.f != nil {
		kl.f.Close()
		kl.f = nil
	}
	if kl.next != nil {
		kl.next.Finalize()
	}
}

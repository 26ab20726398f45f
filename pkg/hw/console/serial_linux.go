// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//go:build linux

package console

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Serial is a raw serial console on a tty device. Opening it puts the port
// in raw 8N1 mode with a 100ms read granularity; Close restores the previous
// settings.
type Serial struct {
	f     *os.File
	saved *unix.Termios
}

var _ Console = (*Serial)(nil)

func Open(dev string) (*Serial, error) {
	f, err := os.OpenFile(dev, unix.O_RDWR|unix.O_NOCTTY, 0666)
	if err != nil {
		return nil, err
	}
	s := &Serial{f: f}

	opts, err := tcGetAttr(f.Fd())
	if err != nil {
		f.Close()
		return nil, err
	}
	saved := *opts
	s.saved = &saved

	//input modes
	opts.Iflag = opts.Iflag &^ (unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.INPCK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF)
	opts.Iflag |= unix.IGNPAR

	//output modes
	opts.Oflag = opts.Oflag &^ (unix.OPOST | unix.ONLCR | unix.OCRNL | unix.ONOCR | unix.ONLRET)

	//control modes
	opts.Cflag = opts.Cflag &^ (unix.CSIZE | unix.PARENB | unix.PARODD | unix.HUPCL | unix.CSTOPB)
	opts.Cflag |= unix.CREAD | unix.CS8 | unix.CLOCAL

	//local modes
	opts.Lflag = opts.Lflag &^ (unix.ISIG | unix.ICANON | unix.IEXTEN | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHOCTL | unix.ECHOKE)

	//polled reads: VMIN = 0, VTIME = 1 (tenths of a second)
	for i := range opts.Cc {
		opts.Cc[i] = 0
	}
	opts.Cc[unix.VTIME] = 1

	if err = tcSetAttr(f.Fd(), opts); err != nil {
		f.Close()
		return nil, err
	}
	flush(f.Fd())
	return s, nil
}

func (s *Serial) Close() error {
	if s.saved != nil {
		tcSetAttr(s.f.Fd(), s.saved)
	}
	return s.f.Close()
}

func (s *Serial) Write(b []byte) (int, error) { return s.f.Write(b) }

// Read blocks until at least one byte arrives. Satisfies io.Reader for
// callers that want blocking semantics.
func (s *Serial) Read(b []byte) (int, error) {
	for {
		n, err := s.f.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (s *Serial) ReadByte(timeout time.Duration) (byte, bool) {
	deadline := time.Now().Add(timeout)
	var b [1]byte
	for {
		//VTIME bounds each attempt to ~100ms
		n, err := s.f.Read(b[:])
		if n == 1 {
			return b[0], true
		}
		if err != nil || !time.Now().Before(deadline) {
			return 0, false
		}
	}
}

func tcGetAttr(fd uintptr) (*unix.Termios, error) {
	opts := &unix.Termios{}
	_, _, errno := unix.Syscall6(unix.SYS_IOCTL, fd, unix.TCGETS, uintptr(unsafe.Pointer(opts)), 0, 0, 0)
	if errno != 0 {
		return nil, errno
	}
	return opts, nil
}

func tcSetAttr(fd uintptr, opts *unix.Termios) error {
	_, _, errno := unix.Syscall6(unix.SYS_IOCTL, fd, unix.TCSETS, uintptr(unsafe.Pointer(opts)), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func flush(fd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, unix.TCFLSH, unix.TCIOFLUSH)
	if errno != 0 {
		return errno
	}
	return nil
}

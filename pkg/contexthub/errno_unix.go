// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build unix

package contexthub

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	errnoIO      = int32(unix.EIO)
	errnoBusy    = int32(unix.EBUSY)
	errnoInvalid = int32(unix.EINVAL)
)

func errnoName(errno int32) string {
	if name := unix.ErrnoName(syscall.Errno(errno)); name != "" {
		return name
	}
	return "unknown"
}

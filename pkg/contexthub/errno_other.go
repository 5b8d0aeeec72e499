// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !unix

package contexthub

import "strconv"

// Linux values, as reported by the hub driver
const (
	errnoIO      = 5
	errnoBusy    = 16
	errnoInvalid = 22
)

func errnoName(errno int32) string {
	return "errno " + strconv.Itoa(int(errno))
}

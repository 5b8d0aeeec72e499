// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !linux

package contexthub

import "errors"

// DeviceFile is only available on Linux
type DeviceFile struct{}

// OpenDeviceFile always fails off Linux
func OpenDeviceFile(path string) (*DeviceFile, error) {
	return nil, errors.New("hub device files require linux")
}

func (f *DeviceFile) Read(p []byte) (int, error)  { return 0, ErrClosed }
func (f *DeviceFile) Write(p []byte) (int, error) { return 0, ErrClosed }
func (f *DeviceFile) Close() error                { return nil }

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build linux

package contexthub

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// DeviceFile is the hub character device. Reads wait in poll on the device
// and a self-pipe, so Close can wake a blocked reader.
type DeviceFile struct {
	fd   int
	pipe [2]int

	readMu    sync.Mutex
	closeOnce sync.Once
}

// OpenDeviceFile opens the character device at path
func OpenDeviceFile(path string) (*DeviceFile, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	f := &DeviceFile{fd: fd}
	if err := unix.Pipe2(f.pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("self-pipe: %w", err)
	}
	return f, nil
}

// Read returns the next chunk from the device. It returns ErrClosed once
// Close has been called.
func (f *DeviceFile) Read(p []byte) (int, error) {
	f.readMu.Lock()
	defer f.readMu.Unlock()

	fds := []unix.PollFd{
		{Fd: int32(f.fd), Events: unix.POLLIN},
		{Fd: int32(f.pipe[0]), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("poll: %w", err)
		}
		if fds[1].Revents != 0 {
			return 0, ErrClosed
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 && fds[0].Revents&unix.POLLIN == 0 {
			return 0, fmt.Errorf("device hung up (revents 0x%x)", fds[0].Revents)
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			n, err := unix.Read(f.fd, p)
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			if err != nil {
				return 0, err
			}
			return n, nil
		}
	}
}

// Write sends one record to the device
func (f *DeviceFile) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(f.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

// Close wakes a blocked Read through the self-pipe, waits for it to return
// and then closes the device
func (f *DeviceFile) Close() error {
	var err error
	f.closeOnce.Do(func() {
		unix.Write(f.pipe[1], []byte{1})
		f.readMu.Lock()
		defer f.readMu.Unlock()
		err = unix.Close(f.fd)
		unix.Close(f.pipe[0])
		unix.Close(f.pipe[1])
	})
	return err
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package contexthub

import (
	"errors"
	"fmt"
)

// Host errors
var (
	ErrBusy    = errors.New("session busy")
	ErrInvalid = errors.New("invalid request")
	ErrClosed  = errors.New("hub closed")
)

// StatusError is a negative errno status reported by a session
type StatusError struct {
	Status int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d (%s)", e.Status, errnoName(-e.Status))
}

// Is matches the sentinel errors that map onto the same status
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.Status == -errnoBusy
	case ErrInvalid:
		return e.Status == -errnoInvalid
	}
	return false
}

// StatusOf converts err to the status delivered to clients: zero for nil,
// otherwise a negative errno
func StatusOf(err error) int32 {
	var se *StatusError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &se):
		return se.Status
	case errors.Is(err, ErrBusy):
		return -errnoBusy
	case errors.Is(err, ErrInvalid):
		return -errnoInvalid
	default:
		return -errnoIO
	}
}

// statusError is the inverse of StatusOf
func statusError(status int32) error {
	if status >= 0 {
		return nil
	}
	return &StatusError{Status: status}
}

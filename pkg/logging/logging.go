// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging configures structured logging for nanostat components.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Component tags log records with the subsystem that produced them
type Component string

const (
	Link    Component = "link"
	Batch   Component = "batch"
	Device  Component = "device"
	SysApp  Component = "sysapp"
	Session Component = "session"
	Hub     Component = "hub"
	Bridge  Component = "bridge"
	Capture Component = "capture"
)

var level = new(slog.LevelVar)

// With returns l tagged with component c. A nil l means slog.Default().
func With(l *slog.Logger, c Component) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", string(c))
}

// ParseLevel maps a config level name onto a slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SetLevel changes the level of every logger built by New
func SetLevel(l slog.Level) {
	level.Set(l)
}

// New builds a logger writing text or json records to w
func New(w io.Writer, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

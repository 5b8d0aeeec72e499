// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"strings"
	"time"

	"github.com/contexthub/nanostat/pkg/bridge"
	"github.com/contexthub/nanostat/pkg/contexthub"
	"github.com/contexthub/nanostat/pkg/nanohub"
)

// Defaults
const (
	DefaultBaud           = 115200
	DefaultSessionTimeout = 10 * time.Second
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

// Normalize fills unset fields with defaults and canonicalizes names.
// It is allowed to mutate configuration and runs before Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Connection.Baud == 0 {
		cfg.Connection.Baud = DefaultBaud
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	if cfg.Session.Timeout == 0 {
		cfg.Session.Timeout = DefaultSessionTimeout
	}
	if cfg.Session.UploadChunkSize == 0 {
		cfg.Session.UploadChunkSize = contexthub.UploadChunkSizeMax
	}
	cfg.Session.RsaKeyCommand = strings.ToLower(strings.TrimSpace(cfg.Session.RsaKeyCommand))
	if cfg.Session.RsaKeyCommand == "" {
		cfg.Session.RsaKeyCommand = KeyCommandQueryApps
	}

	if cfg.Link.Retries == 0 {
		cfg.Link.Retries = nanohub.DefaultRetries
	}
	if cfg.Link.Timeout == 0 {
		cfg.Link.Timeout = nanohub.DefaultTimeout
	}
	if cfg.Link.BusyBackoff == 0 {
		cfg.Link.BusyBackoff = nanohub.DefaultBusyBackoff
	}
	if cfg.Link.PollInterval == 0 {
		cfg.Link.PollInterval = bridge.DefaultPollInterval
	}
}

// KeyCommand maps session.rsa_key_command onto the system command id
func (c SessionConfig) KeyCommand() uint8 {
	if c.RsaKeyCommand == KeyCommandQueryRsaKeys {
		return contexthub.CmdQueryRsaKeys
	}
	return contexthub.CmdQueryApps
}

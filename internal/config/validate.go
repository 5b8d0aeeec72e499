// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/contexthub/nanostat/pkg/contexthub"
	"github.com/contexthub/nanostat/pkg/logging"
)

// ErrConnectionConflict is returned when more than one connection is set
var ErrConnectionConflict = errors.New("only one of connection.device, connection.port and connection.url may be set")

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}

	c := cfg.Connection
	set := 0
	for _, s := range []string{c.Device, c.Port, c.URL} {
		if s != "" {
			set++
		}
	}
	if set > 1 {
		return ErrConnectionConflict
	}
	if c.Baud < 0 {
		return fmt.Errorf("connection.baud must be positive, got %d", c.Baud)
	}
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("connection.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("connection.url must use ws:// or wss://, got %q", c.URL)
		}
	}

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}

	s := cfg.Session
	if s.Timeout < 0 {
		return fmt.Errorf("session.timeout must not be negative")
	}
	if s.UploadChunkSize < 0 || s.UploadChunkSize > contexthub.UploadChunkSizeLimit {
		return fmt.Errorf("session.upload_chunk_size must be within 1..%d, got %d",
			contexthub.UploadChunkSizeLimit, s.UploadChunkSize)
	}
	switch s.RsaKeyCommand {
	case "", KeyCommandQueryApps, KeyCommandQueryRsaKeys:
	default:
		return fmt.Errorf("session.rsa_key_command must be %s or %s, got %q",
			KeyCommandQueryApps, KeyCommandQueryRsaKeys, s.RsaKeyCommand)
	}

	l := cfg.Link
	if l.Retries < 0 {
		return fmt.Errorf("link.retries must not be negative")
	}
	if l.Timeout < 0 || l.BusyBackoff < 0 || l.PollInterval < 0 {
		return fmt.Errorf("link durations must not be negative")
	}

	in := cfg.Influx
	if (in.URL == "") != (in.Bucket == "") {
		return fmt.Errorf("influx.url and influx.bucket must be set together")
	}
	if in.URL != "" {
		if _, err := url.ParseRequestURI(in.URL); err != nil {
			return fmt.Errorf("influx.url: %w", err)
		}
	}

	return nil
}

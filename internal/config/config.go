// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the nanostat YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given and the file exists
const DefaultPath = "nanostat.yaml"

// Key command names accepted by session.rsa_key_command
const (
	KeyCommandQueryApps    = "query_apps"
	KeyCommandQueryRsaKeys = "query_rsa_keys"
)

type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Log        LogConfig        `yaml:"log"`
	Session    SessionConfig    `yaml:"session"`
	Link       LinkConfig       `yaml:"link"`
	Influx     InfluxConfig     `yaml:"influx"`
	Capture    CaptureConfig    `yaml:"capture"`
}

// ---- CONNECTION ----

// ConnectionConfig selects how the host reaches the hub. Device is a
// nano_message character device; Port and URL carry the packet link.
type ConnectionConfig struct {
	Device      string `yaml:"device"`
	Port        string `yaml:"port"`
	Baud        int    `yaml:"baud"`
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
}

// ---- LOG ----

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---- SESSION ----

type SessionConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	UploadChunkSize int           `yaml:"upload_chunk_size"`
	RsaKeyCommand   string        `yaml:"rsa_key_command"`
}

// ---- LINK ----

type LinkConfig struct {
	Retries      int           `yaml:"retries"`
	Timeout      time.Duration `yaml:"timeout"`
	BusyBackoff  time.Duration `yaml:"busy_backoff"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ---- INFLUX ----

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether enough is set to open a write API
func (c InfluxConfig) Enabled() bool {
	return c.URL != "" && c.Bucket != ""
}

// ---- CAPTURE ----

type CaptureConfig struct {
	Path string `yaml:"path"`
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Load reads, normalizes and validates the file at path. An empty path
// falls back to DefaultPath and a missing default file yields defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			data = nil
		} else {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

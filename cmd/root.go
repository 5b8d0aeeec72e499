// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/contexthub/nanostat/internal/config"
	"github.com/contexthub/nanostat/pkg/logging"
)

var (
	cfgPath string

	// Hub device file flag
	devicePath string

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Logging and capture flags
	logLevel    string
	logFormat   string
	capturePath string

	// Resolved configuration, set before any command runs
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nanostat",
	Short: "Nanohub context hub tool",
	Long: `nanostat - A CLI tool for talking to a Nanohub context hub.

Lists and manages hub apps, reports memory, uploads app images, monitors
the packet link, and can run a simulated hub for testing.

Connection modes:
  Device:    --device /dev/nanohub           (nano_message character device)
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

Settings are read from nanostat.yaml (or --config) and overridden by flags.

For WebSocket authentication, the password is read from the NANOSTAT_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "Config file (default nanostat.yaml if present)")

	pf.StringVarP(&devicePath, "device", "d", "", "Hub character device")

	// Serial connection flags
	pf.StringVarP(&portName, "port", "p", "", "Serial port device")
	pf.IntVarP(&baudRate, "baud", "b", config.DefaultBaud, "Baud rate (serial only)")

	// WebSocket connection flags
	pf.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	pf.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	pf.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	pf.StringVar(&capturePath, "capture", "", "Record link traffic to a CBOR capture file")
}

// loadConfig reads the config file and applies flags on top of it
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("device") || flags.Changed("port") || flags.Changed("url") {
		c.Connection.Device, c.Connection.Port, c.Connection.URL = devicePath, portName, wsURL
	}
	if flags.Changed("baud") {
		c.Connection.Baud = baudRate
	}
	if flags.Changed("username") {
		c.Connection.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		c.Connection.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		c.Log.Format = logFormat
	}
	if flags.Changed("capture") {
		c.Capture.Path = capturePath
	}
	config.Normalize(c)
	if err := config.Validate(c); err != nil {
		return err
	}

	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	l, err := logging.New(os.Stderr, c.Log.Format)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	slog.SetDefault(l)

	cfg, logger = c, l
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

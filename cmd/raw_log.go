// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/contexthub/nanostat/pkg/nanohub"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw packet log in human-readable format",
	Long: `Continuously decode and display Nanohub packets as they arrive.

Each packet is shown with its timestamp, reason, sequence number and a hex
dump of the payload. Bytes between packets (preamble, noise) are skipped.
Useful on a tap of an existing host-hub link.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cmd.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("nanostat - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	return logPackets(conn)
}

// logPackets prints every packet decoded from r until r fails
func logPackets(r io.Reader) error {
	decoder := nanohub.NewDecoder()
	buf := make([]byte, nanohub.PacketSizeMax)

	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			packet, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if packet != nil {
				fmt.Print(nanohub.FormatPacket(packet))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrConnectionClosed) {
				logger.Info("connection closed")
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
	}
}

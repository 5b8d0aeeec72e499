// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/contexthub/nanostat/pkg/hostintf"
	"github.com/contexthub/nanostat/pkg/nanohub"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by requesting the hub versions",
	Long: `Send GET_OS_HW_VERSIONS until the hub answers or the timeout expires.

The request is retried on NAK and on timeout like any other host request.
A reply that passes the CRC check proves both directions of the link work.

Exit codes:
  0 - Valid reply received before timeout
  1 - Timeout reached without a valid reply
  2 - Connection error

Useful for testing connectivity to a hub or a WebSocket bridge.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a reply")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cmd.Context())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	client := newClient(conn)
	defer client.Close()

	fmt.Printf("nanostat - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid Nanohub reply...\n\n")

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(packetTestTimeout)*time.Second)
	defer cancel()

	for {
		packet, err := client.Transact(ctx, nanohub.ReasonGetOsHwVersions, nil)
		if err == nil {
			printVersionsPacket(packet, client.Stats())
			os.Exit(0)
		}
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "TIMEOUT: No valid reply received within %d seconds\n", packetTestTimeout)
			os.Exit(1)
		}
		if clientErr := client.Err(); clientErr != nil {
			fmt.Fprintf(os.Stderr, "Read error: %v\n", clientErr)
			os.Exit(2)
		}
		logger.Debug("request failed, retrying", "error", err)
	}
}

func printVersionsPacket(packet *nanohub.Packet, stats nanohub.Statistics) {
	fmt.Printf("SUCCESS: Received valid reply\n")
	fmt.Printf("  Reason: %s (0x%08X)\n", nanohub.FormatReason(packet.Reason()), packet.Reason())
	fmt.Printf("  Seq: %d\n", packet.Seq())
	fmt.Printf("  Length: %d bytes\n", packet.Length())
	fmt.Printf("  CRC: 0x%08X\n", packet.CRC())
	if stats.Retransmits > 0 || stats.Naks > 0 {
		fmt.Printf("  Retries: %d (NAK %d)\n", stats.Retransmits, stats.Naks)
	}
	if v, err := hostintf.DecodeVersions(packet.Payload()); err == nil {
		fmt.Printf("  Hardware: type 0x%04X rev %d\n", v.HwType, v.HwVer)
		fmt.Printf("  Bootloader: %d  OS: %d  Variant: 0x%08X\n", v.BlVer, v.OsVer, v.VariantVer)
	}
}

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
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure round trips to the hub",
	Long: `Send GET_OS_HW_VERSIONS requests and time each reply.

Each request goes through the normal host retry logic, so a ping that
needed a retransmission shows a longer round trip rather than a loss.

This is useful for verifying:
  - The serial or WebSocket link is established
  - HTTP Basic authentication works
  - The hub answers packets with a valid CRC

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cmd.Context())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	client := newClient(conn)
	defer client.Close()

	fmt.Printf("nanostat - Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0
	var total time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(pingTimeout)*time.Second)
		startTime := time.Now()
		packet, err := client.Transact(ctx, nanohub.ReasonGetOsHwVersions, nil)
		cancel()
		rtt := time.Since(startTime)

		switch {
		case err != nil:
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		default:
			if v, derr := hostintf.DecodeVersions(packet.Payload()); derr == nil {
				fmt.Printf("reply from hub, os=%d variant=0x%08X, rtt=%v\n", v.OsVer, v.VariantVer, rtt.Round(time.Millisecond))
			} else {
				fmt.Printf("reply (%v), rtt=%v\n", derr, rtt.Round(time.Millisecond))
			}
			total += rtt
			successCount++
		}

		if err := client.Err(); err != nil {
			fmt.Printf("link closed: %v\n", err)
			failCount += pingCount - i
			break
		}

		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d replies received, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	if successCount > 0 {
		fmt.Printf("average rtt %v\n", (total / time.Duration(successCount)).Round(time.Microsecond))
	}
	stats := client.Stats()
	fmt.Print(stats.String())

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}

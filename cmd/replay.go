// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/contexthub/nanostat/pkg/capture"
	"github.com/contexthub/nanostat/pkg/nanohub"
)

var (
	replayDirection string
	replayStats     bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture-file>",
	Short: "Decode a recorded capture file",
	Long: `Decode the packets of a capture file written with --capture.

Host-to-hub and hub-to-host bytes are decoded separately and printed in
capture order with their direction. Use --direction to show one side only.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayDirection, "direction", "both", "Direction to decode: rx, tx or both")
	replayCmd.Flags().BoolVar(&replayStats, "stats", true, "Print per-direction statistics at the end")
}

func runReplay(cmd *cobra.Command, args []string) error {
	show := map[capture.Direction]bool{}
	switch replayDirection {
	case "rx":
		show[capture.DirRx] = true
	case "tx":
		show[capture.DirTx] = true
	case "both":
		show[capture.DirRx], show[capture.DirTx] = true, true
	default:
		return fmt.Errorf("unknown direction %q (use rx, tx or both)", replayDirection)
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	decoders := map[capture.Direction]*nanohub.Decoder{
		capture.DirRx: nanohub.NewDecoder(),
		capture.DirTx: nanohub.NewDecoder(),
	}
	stats := map[capture.Direction]*nanohub.Statistics{
		capture.DirRx: nanohub.NewStatistics(),
		capture.DirTx: nanohub.NewStatistics(),
	}

	r := capture.NewReader(f)
	frames := 0
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", frames, err)
		}
		frames++
		if !show[frame.Dir] {
			continue
		}

		packets, errs := decoders[frame.Dir].Decode(frame.Data)
		for _, e := range errs {
			stats[frame.Dir].Update(e)
			fmt.Printf("%s [ERROR] %v\n", frame.Dir, e)
		}
		for _, p := range packets {
			stats[frame.Dir].Update(nil)
			fmt.Printf("[%s] %s %s seq=%d len=%d\n", frame.Timestamp().Format("15:04:05.000"),
				frame.Dir, nanohub.FormatReason(p.Reason()), p.Seq(), p.Length())
			if p.Length() > 0 {
				fmt.Print(nanohub.FormatHex(p.Payload(), "  "))
			}
		}
	}

	fmt.Printf("\n%d frames\n", frames)
	if replayStats {
		for _, dir := range []capture.Direction{capture.DirTx, capture.DirRx} {
			if show[dir] {
				fmt.Printf("\n[%s]\n%s", dir, stats[dir].String())
			}
		}
	}
	return nil
}

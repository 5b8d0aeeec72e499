// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/contexthub/nanostat/pkg/hostintf"
	"github.com/contexthub/nanostat/pkg/nanohub"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
	checkRequests bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Detect and analyze malformed packets on a link",
	Long: `Track packet errors on a Nanohub link with live statistics.

This command decodes every packet on the connection and detects:
  - CRC errors and size mismatches
  - Truncated packets
  - Unknown request reasons and out-of-range payloads (--requests)
  - Statistics and trends (packet rate, error rate, success rate)

Use --requests when tapping the host-to-hub direction: each packet is then
checked against the hub's built-in command table.

By default, only errors are displayed. Use --show-all to display valid packets too.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all packets (not just errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds, text mode)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
	monitorCmd.Flags().BoolVar(&checkRequests, "requests", false, "Validate packets as host requests")
}

// linkEvent is one observation of the link monitor
type linkEvent struct {
	time    time.Time
	packet  *nanohub.Packet
	err     error
	synced  bool
	skipped int
}

// linkMonitor decodes a byte stream and classifies what it sees. Decode
// errors before the first valid packet only count as skipped bytes.
type linkMonitor struct {
	decoder  *nanohub.Decoder
	stats    *nanohub.Statistics
	commands *nanohub.CommandTable
	synced   bool
	skipped  int
	now      func() time.Time
}

func newLinkMonitor(commands *nanohub.CommandTable) *linkMonitor {
	return &linkMonitor{
		decoder:  nanohub.NewDecoder(),
		stats:    nanohub.NewStatistics(),
		commands: commands,
		now:      time.Now,
	}
}

// feed consumes data and returns the events it produced
func (m *linkMonitor) feed(data []byte) []linkEvent {
	var events []linkEvent
	for _, b := range data {
		packet, err := m.decoder.DecodeByte(b)
		switch {
		case err != nil && !m.synced:
			m.skipped++
		case err != nil:
			m.stats.Update(err)
			events = append(events, linkEvent{time: m.now(), err: err})
		case packet != nil:
			if !m.synced {
				m.synced = true
				events = append(events, linkEvent{time: m.now(), synced: true, skipped: m.skipped + m.decoder.Skipped()})
			}
			var verr error
			if m.commands != nil && !packet.IsAck() {
				verr = m.commands.Validate(packet)
			}
			m.stats.Update(verr)
			events = append(events, linkEvent{time: m.now(), packet: packet, err: verr})
		}
	}
	return events
}

func runMonitor(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cmd.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	var commands *nanohub.CommandTable
	if checkRequests {
		commands = hostintf.BuiltinCommands()
	}
	mon := newLinkMonitor(commands)

	if useTUI {
		return runTUIMode(conn, connInfo, mon)
	}
	return runTextMode(conn, connInfo, mon)
}

// readChunks copies reads from r onto a channel until r fails
func readChunks(r io.Reader, out chan<- []byte, errc chan<- error) {
	buf := make([]byte, nanohub.PacketSizeMax)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

// runTUIMode runs the monitor in the terminal UI
func runTUIMode(conn Connection, connInfo string, mon *linkMonitor) error {
	m := initialModel(connInfo, showAll)
	p := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		chunks := make(chan []byte, 16)
		errc := make(chan error, 1)
		go readChunks(conn, chunks, errc)
		for {
			select {
			case data := <-chunks:
				events := mon.feed(data)
				if len(events) > 0 {
					p.Send(linkEventsMsg{events: events, stats: *mon.stats})
				}
			case err := <-errc:
				p.Send(linkClosedMsg{err: err})
				return
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// printLinkEvent prints one event in text mode
func printLinkEvent(ev linkEvent) {
	timestamp := ev.time.Format("15:04:05.000")
	switch {
	case ev.synced:
		if ev.skipped > 0 {
			fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", ev.skipped)
		} else {
			fmt.Printf("[SYNC] Synchronized\n\n")
		}
	case ev.packet == nil:
		fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, ev.err)
		fmt.Printf("  >>> DECODE FAILED <<<\n\n")
	case ev.err != nil:
		fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%08X)\n", timestamp,
			nanohub.FormatReason(ev.packet.Reason()), ev.packet.Reason())
		fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")
		fmt.Printf("  Issue: \033[1;31m%v\033[0m\n", ev.err)
		fmt.Printf("  >>> PACKET REJECTED <<<\n\n")
	case showAll:
		fmt.Print(nanohub.FormatPacket(ev.packet))
	}
}

// runTextMode runs the monitor with plain output
func runTextMode(conn Connection, connInfo string, mon *linkMonitor) error {
	fmt.Printf("nanostat - Link Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All packets\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	chunks := make(chan []byte, 16)
	errc := make(chan error, 1)
	go readChunks(conn, chunks, errc)

	for {
		select {
		case data := <-chunks:
			for _, ev := range mon.feed(data) {
				if ev.synced || ev.packet == nil || ev.err != nil || showAll {
					printLinkEvent(ev)
				}
			}

		case err := <-errc:
			fmt.Println()
			fmt.Print(mon.stats.String())
			if errors.Is(err, io.EOF) || errors.Is(err, ErrConnectionClosed) {
				return nil
			}
			return fmt.Errorf("read error: %w", err)

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(mon.stats.String())
			fmt.Println()
		}
	}
}

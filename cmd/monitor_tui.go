// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/contexthub/nanostat/pkg/nanohub"
)

// Error log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// TUI model
type model struct {
	connInfo      string
	showAll       bool
	stats         nanohub.Statistics
	log           []logEntry
	maxLogEntries int
	synchronized  bool
	invalidBytes  int
	closedErr     error
	width         int
	height        int
	quitting      bool
	viewport      viewport.Model
	ready         bool
}

// Messages
type tickMsg time.Time
type linkEventsMsg struct {
	events []linkEvent
	stats  nanohub.Statistics
}
type linkClosedMsg struct {
	err error
}

// headerLines is the height of everything above the log viewport
const headerLines = 12

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	statsValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	unit := func(n int64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, unit(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, unit(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, unit(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, unit(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialModel(connInfo string, showAll bool) model {
	return model{
		connInfo:      connInfo,
		showAll:       showAll,
		stats:         *nanohub.NewStatistics(),
		maxLogEntries: 500,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		logHeight := max(msg.Height-headerLines, 3)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, logHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = logHeight
		}
		m.refreshLog()

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case linkEventsMsg:
		m.stats = msg.stats
		for _, ev := range msg.events {
			m.handleEvent(ev)
		}
		m.refreshLog()

	case linkClosedMsg:
		m.closedErr = msg.err
		m.addLogEntry(fmt.Sprintf("Connection closed: %v", msg.err), true)
		m.refreshLog()
	}

	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m *model) handleEvent(ev linkEvent) {
	switch {
	case ev.synced:
		m.synchronized = true
		m.invalidBytes = ev.skipped
		if ev.skipped > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", ev.skipped), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}
	case ev.packet == nil:
		m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", ev.err), true)
	case ev.err != nil:
		m.addLogEntry(fmt.Sprintf("%s: %v", nanohub.FormatReason(ev.packet.Reason()), ev.err), true)
	case m.showAll:
		m.addLogEntry(fmt.Sprintf("%s seq=%d len=%d",
			nanohub.FormatReason(ev.packet.Reason()), ev.packet.Seq(), ev.packet.Length()), false)
	}
}

func (m *model) addLogEntry(message string, isError bool) {
	m.log = append(m.log, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

// refreshLog renders the log into the viewport, following the tail
func (m *model) refreshLog() {
	if !m.ready {
		return
	}
	var sb strings.Builder
	for _, e := range m.log {
		ts := headerStyle.Render(e.timestamp.Format("15:04:05.000"))
		if e.isError {
			sb.WriteString(fmt.Sprintf("%s %s\n", ts, errorStyle.Render(e.message)))
		} else {
			sb.WriteString(fmt.Sprintf("%s %s\n", ts, e.message))
		}
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(sb.String())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("NANOSTAT - LINK MONITOR"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All packets"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | Press 'q' to quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	switch {
	case m.closedErr != nil:
		s.WriteString(errorStyle.Render("✗ Connection closed"))
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
	default:
		s.WriteString(statsValueStyle.Render("✓ Synchronized"))
		if m.invalidBytes > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes)))
		}
	}
	s.WriteString("\n")

	st := m.stats
	var validPercent, errorPercent float64
	if st.TotalPackets > 0 {
		validPercent = float64(st.ValidPackets) * 100.0 / float64(st.TotalPackets)
		errorPercent = float64(st.Errors()) * 100.0 / float64(st.TotalPackets)
	}

	var stats strings.Builder
	stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", st.TotalPackets)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.ValidPackets, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.Errors(), errorPercent)),
	))
	stats.WriteString(fmt.Sprintf("%s %d   %s %d   %s %d   %s %d\n",
		statsLabelStyle.Render("CRC:"), st.CRCErrors,
		statsLabelStyle.Render("Size:"), st.SizeErrors,
		statsLabelStyle.Render("Payload:"), st.PayloadErrors,
		statsLabelStyle.Render("Unknown:"), st.UnknownCommands,
	))
	errRate := statsValueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	if st.ErrorRate > 0 {
		errRate = errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	}
	stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Packet Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkts/s", st.PacketRate)),
		statsLabelStyle.Render("Error Rate:"), errRate,
		statsLabelStyle.Render("Running:"), formatUptime(time.Since(st.StartTime)),
	))
	s.WriteString(boxStyle.Render(stats.String()))
	s.WriteString("\n")

	if m.ready {
		s.WriteString(m.viewport.View())
	}
	return s.String()
}

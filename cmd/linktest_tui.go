// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/Thermoquad/xtflash/pkg/flashlink"
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// TUI model
type model struct {
	connInfo      string
	bridge        flashlink.BridgeInfo
	stats         *flashlink.Statistics
	eventLog      []eventLogEntry
	maxLogEntries int
	rounds        int
	failed        int
	mismatches    int
	lastRound     time.Duration
	width         int
	height        int
	quitting      bool
	finished      bool
}

// Messages
type tickMsg time.Time
type roundMsg roundResult
type finishedMsg struct{}

// formatUptime formats uptime in milliseconds to human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	parts := []string{}
	for _, p := range []struct {
		n    uint64
		unit string
	}{{days, "day"}, {hours, "hour"}, {minutes, "minute"}} {
		if p.n > 0 {
			parts = append(parts, plural(p.n, p.unit))
		}
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
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

func plural(n uint64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func initialModel(connInfo string, bridge flashlink.BridgeInfo, stats *flashlink.Statistics) model {
	return model{
		connInfo:      connInfo,
		bridge:        bridge,
		stats:         stats,
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
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

	case tickMsg:
		// Redraw with fresh rates
		return m, tickCmd()

	case finishedMsg:
		m.finished = true
		m.addLogEntry(fmt.Sprintf("Finished after %d rounds", m.rounds), false)

	case roundMsg:
		m.rounds = msg.round
		m.lastRound = msg.duration
		switch {
		case msg.err != nil:
			m.failed++
			m.addLogEntry(fmt.Sprintf("Round %d: %v", msg.round, msg.err), true)
		case msg.mismatch:
			m.mismatches++
			m.addLogEntry(fmt.Sprintf("Round %d: content differs from round 1", msg.round), true)
		case msg.round == 1:
			m.addLogEntry("Reference read complete", false)
		case showAll:
			m.addLogEntry(fmt.Sprintf("Round %d ok (%v)", msg.round, msg.duration.Round(time.Millisecond)), false)
		}
	}

	return m, nil
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("XTFLASH - LINK TEST"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | %s, flash %s, up %s | Press 'q' to quit",
		m.connInfo, m.bridge.Chip, humanize.IBytes(uint64(m.bridge.FlashSize)), formatUptime(m.bridge.UptimeMs))))
	s.WriteString("\n\n")

	if m.finished {
		s.WriteString(statsValueStyle.Render("✓ Finished"))
	} else {
		s.WriteString(warningStyle.Render(fmt.Sprintf("⏳ Round %d running...", m.rounds+1)))
	}
	s.WriteString("\n\n")

	// Statistics
	c := m.stats.Snapshot()
	var validPercent, errorPercent float64
	if c.FramesReceived > 0 {
		validPercent = float64(c.ValidFrames) * 100.0 / float64(c.FramesReceived)
		errorPercent = float64(c.Errors()) * 100.0 / float64(c.FramesReceived)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", c.FramesReceived)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", c.ValidFrames, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", c.Errors(), errorPercent)),
	))

	if c.CRCErrors > 0 || c.DecodeErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("CRC Errors:"), errorStyle.Render(fmt.Sprintf("%d", c.CRCErrors)),
			statsLabelStyle.Render("Decode Errors:"), errorStyle.Render(fmt.Sprintf("%d", c.DecodeErrors)),
		))
	}

	if c.MalformedFrames > 0 || c.RemoteErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", c.MalformedFrames)),
			statsLabelStyle.Render("Bridge Errors:"), warningStyle.Render(fmt.Sprintf("%d", c.RemoteErrors)),
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Rounds:"), statsValueStyle.Render(fmt.Sprintf("%d", m.rounds)),
		statsLabelStyle.Render("Failed:"), errorStyle.Render(fmt.Sprintf("%d", m.failed)),
		statsLabelStyle.Render("Mismatched:"), warningStyle.Render(fmt.Sprintf("%d", m.mismatches)),
	))

	var throughput string
	if secs := m.lastRound.Seconds(); secs > 0 {
		throughput = humanize.IBytes(uint64(float64(linktestSize)/secs)) + "/s"
	} else {
		throughput = "-"
	}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", c.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if c.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", c.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", c.ErrorRate))
		}(),
		statsLabelStyle.Render("Throughput:"), statsValueStyle.Render(throughput),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 15 // Reserve space for header and stats
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}

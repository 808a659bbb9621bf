// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/Thermoquad/xtflash/pkg/flasher"
	"github.com/Thermoquad/xtflash/pkg/otadata"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

// Focus states
const (
	focusActionList = iota
	focusPathInput
)

// Console actions
const (
	actionIdentify = iota
	actionInstall
	actionSwap
	actionBackupFlash
	actionBackupApp0
	actionBackupApp1
	actionBackupOtaData
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// action is an entry of the action list
type action struct {
	kind        int
	title       string
	description string
	path        string // default file, empty when the action takes none
	writes      bool   // asks for confirmation
}

// Implement list.Item interface
func (a action) Title() string       { return a.title }
func (a action) Description() string { return a.description }
func (a action) FilterValue() string { return a.title }

var consoleActions = []action{
	{kind: actionIdentify, title: "Identify firmware", description: "Refresh both app slots"},
	{kind: actionInstall, title: "Install firmware", description: "Write the inactive slot and boot it", path: "firmware.bin", writes: true},
	{kind: actionSwap, title: "Swap boot slot", description: "Boot the other app slot", writes: true},
	{kind: actionBackupFlash, title: "Back up flash", description: "Save all 16 MiB", path: "x4-flash.bin"},
	{kind: actionBackupApp0, title: "Back up app0", description: "Save the first app slot", path: "app0.bin"},
	{kind: actionBackupApp1, title: "Back up app1", description: "Save the second app slot", path: "app1.bin"},
	{kind: actionBackupOtaData, title: "Back up OTA data", description: "Save the boot selection", path: "otadata.bin"},
}

// consoleModel is the Bubble Tea model for the console TUI
type consoleModel struct {
	ctx  context.Context
	sess *session
	ref  *programRef

	// Controls
	actions      list.Model
	pathInput    textinput.Model
	focusedField int
	confirming   *action

	// Running operation
	busy      bool
	busyTitle string
	opCancel  context.CancelFunc
	bar       progress.Model
	done      int
	total     int
	started   time.Time

	// Device state
	report    *flasher.Report
	reportErr error

	eventLog      []eventLogEntry
	maxLogEntries int

	// UI state
	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type reportMsg struct {
	report flasher.Report
	err    error
}

type opProgressMsg struct {
	done  int
	total int
}

type opDoneMsg struct {
	kind    int
	message string
	err     error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(ctx context.Context, s *session, ref *programRef) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "file path"
	ti.CharLimit = 256
	ti.Width = 40

	items := make([]list.Item, len(consoleActions))
	for i, a := range consoleActions {
		items[i] = a
	}
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	actionList := list.New(items, delegate, 36, 16)
	actionList.Title = "Actions"
	actionList.SetShowStatusBar(false)
	actionList.SetShowHelp(false)
	actionList.SetFilteringEnabled(false)

	return consoleModel{
		ctx:           ctx,
		sess:          s,
		ref:           ref,
		actions:       actionList,
		pathInput:     ti,
		focusedField:  focusActionList,
		bar:           progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return m.identifyCmd()
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.actions.SetHeight(max(msg.Height-14, 6))
		m.bar.Width = min(max(msg.Width-50, 10), 60)

	case reportMsg:
		if msg.err != nil {
			m.reportErr = msg.err
			m.addLogEntry(fmt.Sprintf("Identify failed: %v", msg.err), true)
			return m, nil
		}
		m.report = &msg.report
		m.reportErr = nil
		m.addLogEntry(fmt.Sprintf("app0: %s, app1: %s, booting %s", msg.report.App0, msg.report.App1, msg.report.RequestedSlot), false)

	case opProgressMsg:
		m.done = msg.done
		m.total = msg.total

	case opDoneMsg:
		m.busy = false
		m.opCancel = nil
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("%s failed: %v", m.busyTitle, msg.err), true)
			return m, nil
		}
		m.addLogEntry(msg.message, false)
		if msg.kind == actionInstall || msg.kind == actionSwap {
			return m, m.identifyCmd()
		}
	}

	// Update child components
	var cmd tea.Cmd
	if m.focusedField == focusPathInput {
		m.pathInput, cmd = m.pathInput.Update(msg)
	} else {
		m.actions, cmd = m.actions.Update(msg)
	}
	return m, cmd
}

func (m consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		if m.opCancel != nil {
			m.opCancel()
		}
		m.quitting = true
		return m, tea.Quit
	}

	if m.busy {
		if msg.String() == "q" || msg.String() == "esc" {
			m.opCancel()
			m.addLogEntry("Cancelling...", false)
		}
		return m, nil
	}

	if m.confirming != nil {
		a := *m.confirming
		m.confirming = nil
		switch msg.String() {
		case "y", "Y":
			return m.start(a)
		default:
			m.addLogEntry(fmt.Sprintf("%s: %s", a.title, errDeclined), false)
			return m, nil
		}
	}

	switch msg.String() {
	case "q":
		if m.focusedField == focusActionList {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab", "shift+tab", "esc":
		if a, ok := m.selectedAction(); ok && a.path != "" && m.focusedField == focusActionList {
			m.pathInput.SetValue(a.path)
			m.setFocus(focusPathInput)
		} else {
			m.setFocus(focusActionList)
		}
		return m, nil

	case "enter":
		return m.handleEnter()
	}

	// Pass through to focused component
	var cmd tea.Cmd
	if m.focusedField == focusPathInput {
		m.pathInput, cmd = m.pathInput.Update(msg)
	} else {
		m.actions, cmd = m.actions.Update(msg)
	}
	return m, cmd
}

func (m *consoleModel) setFocus(field int) {
	m.focusedField = field
	if field == focusPathInput {
		m.pathInput.Focus()
	} else {
		m.pathInput.Blur()
	}
}

func (m consoleModel) selectedAction() (action, bool) {
	a, ok := m.actions.SelectedItem().(action)
	return a, ok
}

func (m consoleModel) handleEnter() (tea.Model, tea.Cmd) {
	a, ok := m.selectedAction()
	if !ok {
		return m, nil
	}

	// Actions taking a file get the path input first
	if a.path != "" && m.focusedField == focusActionList {
		m.pathInput.SetValue(a.path)
		m.pathInput.CursorEnd()
		m.setFocus(focusPathInput)
		return m, textinput.Blink
	}

	if a.path != "" {
		a.path = strings.TrimSpace(m.pathInput.Value())
		if a.path == "" {
			m.addLogEntry(fmt.Sprintf("%s: no file given", a.title), true)
			return m, nil
		}
	}
	m.setFocus(focusActionList)

	if a.writes && !assumeYes {
		m.confirming = &a
		return m, nil
	}
	return m.start(a)
}

//////////////////////////////////////////////////////////////
// Operations
//////////////////////////////////////////////////////////////

func (m consoleModel) identifyCmd() tea.Cmd {
	ctx, orch := m.ctx, m.sess.orch
	return func() tea.Msg {
		report, err := orch.IdentifyAll(ctx)
		return reportMsg{report: report, err: err}
	}
}

// start runs a in the background and reports through opDoneMsg
func (m consoleModel) start(a action) (tea.Model, tea.Cmd) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.busy = true
	m.busyTitle = a.title
	m.opCancel = cancel
	m.done, m.total = 0, 0
	m.started = time.Now()
	m.addLogEntry(fmt.Sprintf("%s started", a.title), false)

	orch := m.sess.orch
	r := reporter{send: func(done, total int) {
		m.ref.send(opProgressMsg{done: done, total: total})
	}}

	return m, func() tea.Msg {
		defer cancel()
		message, err := runAction(ctx, orch, a, r)
		return opDoneMsg{kind: a.kind, message: message, err: err}
	}
}

// runAction performs a console action and returns a one line result
func runAction(ctx context.Context, orch *flasher.Orchestrator, a action, r reporter) (string, error) {
	save := func(data []byte, err error) (string, error) {
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(a.path, data, 0o644); err != nil {
			return "", errors.Annotatef(err, "writing %s", a.path)
		}
		return fmt.Sprintf("Saved %s to %s", humanize.IBytes(uint64(len(data))), a.path), nil
	}

	switch a.kind {
	case actionInstall:
		data, err := os.ReadFile(a.path)
		if err != nil {
			return "", errors.Annotatef(err, "reading firmware image")
		}
		slot, err := orch.FlashFirmware(ctx, data, r.write())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Installed %s to %s", a.path, slot), nil

	case actionSwap:
		region, err := orch.SwapBootPartition(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Boot slot %s requested, pending confirmation by the firmware", region.RequestedBootSlot()), nil

	case actionBackupFlash:
		return save(orch.ReadFullFlash(ctx, r.read()))

	case actionBackupApp0:
		return save(orch.ReadAppPartition(ctx, otadata.SlotApp0, r.read()))

	case actionBackupApp1:
		return save(orch.ReadAppPartition(ctx, otadata.SlotApp1, r.read()))

	case actionBackupOtaData:
		region, err := orch.ReadOtaData(ctx, r.read())
		if err != nil {
			return "", err
		}
		return save(region.Bytes(), nil)

	default:
		report, err := orch.IdentifyAll(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("app0: %s, app1: %s", report.App0, report.App1), nil
	}
}

func (m *consoleModel) addLogEntry(message string, isError bool) {
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

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

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

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	s.WriteString(titleStyle.Render("XTFLASH CONSOLE"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s layout | q=quit Tab=switch", m.sess.info, m.sess.orch.Layout().Name)))
	s.WriteString("\n\n")

	// Layout: left panel (actions) | right panel (device)
	leftWidth := 36
	rightWidth := max(m.width-leftWidth-6, 30)

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusActionList && !m.busy {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	actionPanel := listStyle.Render(m.actions.View())

	devicePanel := boxStyle.Width(rightWidth).Render(
		m.renderDevicePanel(statsLabelStyle, statsValueStyle, headerStyle, warningStyle))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, actionPanel, " ", devicePanel))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

func (m consoleModel) renderDevicePanel(statsLabelStyle, statsValueStyle, headerStyle, warningStyle lipgloss.Style) string {
	var s strings.Builder

	switch {
	case m.report != nil:
		for _, slot := range []otadata.AppSlot{otadata.SlotApp0, otadata.SlotApp1} {
			line := fmt.Sprintf("%s %s", statsLabelStyle.Render(slot.String()+":"), statsValueStyle.Render(m.report.Slot(slot).String()))
			switch {
			case slot == m.report.BootSlot:
				line += headerStyle.Render("  <- boots")
			case m.report.Pending() && slot == m.report.RequestedSlot:
				line += warningStyle.Render("  <- boots next (unconfirmed)")
			}
			s.WriteString(line + "\n")
		}
		if m.report.RequestedSlot == otadata.SlotUndetermined {
			s.WriteString(warningStyle.Render("No valid OTA record") + "\n")
		}
	case m.reportErr != nil:
		s.WriteString(warningStyle.Render("Firmware unknown (identify failed)") + "\n")
	default:
		s.WriteString(headerStyle.Render("Identifying firmware...") + "\n")
	}
	s.WriteString("\n")

	// Path input for actions that take a file
	if a, ok := m.selectedAction(); ok && a.path != "" {
		s.WriteString(statsLabelStyle.Render("File: "))
		if m.focusedField == focusPathInput {
			s.WriteString(m.pathInput.View())
		} else {
			s.WriteString(fmt.Sprintf("[%s]", a.path))
		}
		s.WriteString("\n\n")
	}

	switch {
	case m.busy:
		var pct float64
		if m.total > 0 {
			pct = float64(m.done) / float64(m.total)
		}
		s.WriteString(statsLabelStyle.Render(m.busyTitle) + "\n")
		s.WriteString(m.bar.ViewAs(pct) + "\n")
		s.WriteString(headerStyle.Render(transferSummary(m.done, m.total, time.Since(m.started)) + "  q=cancel"))
	case m.confirming != nil:
		question := m.confirming.title
		if m.confirming.path != "" {
			question += " from " + m.confirming.path
		}
		s.WriteString(warningStyle.Render(question + "? [y/N]"))
	}

	return s.String()
}

func (m consoleModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	// Calculate available height for log
	logHeight := 8
	if len(m.eventLog) < logHeight {
		logHeight = len(m.eventLog)
	}
	startIdx := len(m.eventLog) - logHeight

	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

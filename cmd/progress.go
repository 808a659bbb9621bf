// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"golang.org/x/term"

	"github.com/Thermoquad/xtflash/pkg/flasher"
)

// reporter forwards transfer progress to a display
type reporter struct {
	send func(done, total int)
}

func (r reporter) read() flasher.ReadProgressFunc {
	return func(_ []byte, readSoFar, total int) {
		r.send(readSoFar, total)
	}
}

func (r reporter) write() flasher.WriteProgressFunc {
	return func(_ int, written, total int) {
		r.send(written, total)
	}
}

// Messages
type progressMsg struct {
	done  int
	total int
}

type transferDoneMsg struct {
	err error
}

// transferModel shows one long transfer as a progress bar
type transferModel struct {
	title    string
	bar      progress.Model
	done     int
	total    int
	started  time.Time
	cancel   context.CancelFunc
	err      error
	finished bool
}

func newTransferModel(title string, cancel context.CancelFunc) transferModel {
	return transferModel{
		title:   title,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		started: time.Now(),
		cancel:  cancel,
	}
}

func (m transferModel) Init() tea.Cmd {
	return nil
}

func (m transferModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			// The transfer reports ErrCancelled through transferDoneMsg
			m.cancel()
		}

	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-30, 10), 80)

	case progressMsg:
		m.done = msg.done
		m.total = msg.total

	case transferDoneMsg:
		m.err = msg.err
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m transferModel) percent() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.done) / float64(m.total)
}

func (m transferModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	var s strings.Builder
	s.WriteString(titleStyle.Render(m.title))
	s.WriteString("\n")
	s.WriteString(m.bar.ViewAs(m.percent()))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(transferSummary(m.done, m.total, time.Since(m.started))))
	s.WriteString("\n")
	if m.finished {
		s.WriteString("\n")
	}
	return s.String()
}

// transferSummary renders "1.2 MiB / 6.3 MiB at 180 KiB/s"
func transferSummary(done, total int, elapsed time.Duration) string {
	summary := fmt.Sprintf("%s / %s", humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
	if secs := elapsed.Seconds(); secs > 0 && done > 0 {
		summary += fmt.Sprintf(" at %s/s", humanize.IBytes(uint64(float64(done)/secs)))
	}
	return summary
}

// runTransfer runs fn with a progress display. A bubbletea progress bar is
// used on terminals, plain percentage lines otherwise.
func runTransfer(ctx context.Context, title string, fn func(ctx context.Context, r reporter) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if traceFrames || !term.IsTerminal(int(os.Stdout.Fd())) {
		return fn(ctx, textReporter(title))
	}

	p := tea.NewProgram(newTransferModel(title, cancel))
	go func() {
		err := fn(ctx, reporter{send: func(done, total int) {
			p.Send(progressMsg{done: done, total: total})
		}})
		p.Send(transferDoneMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil {
		cancel()
		return errors.Annotatef(err, "progress display")
	}
	return final.(transferModel).err
}

// textReporter prints progress in ten percent steps
func textReporter(title string) reporter {
	fmt.Println(title)
	started := time.Now()
	lastStep := -1
	return reporter{send: func(done, total int) {
		if total == 0 {
			return
		}
		step := done * 10 / total
		if step == lastStep {
			return
		}
		lastStep = step
		fmt.Printf("  %3d%%  %s\n", step*10, transferSummary(done, total, time.Since(started)))
	}}
}

// confirm asks a yes/no question on stdin unless --yes was given
func confirm(question string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	fmt.Printf("%s [y/N]: ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, errors.Annotatef(err, "reading answer")
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

// errDeclined is returned when the user answers no to a confirmation
var errDeclined = errors.ConstError("aborted by user")

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive TUI for managing an X4",
	Long: `Manage an X4 from an interactive terminal UI.

The console shows the firmware on both app slots and which one boots, and
offers the common maintenance actions:
  - Identify firmware on both slots
  - Install firmware on the inactive slot
  - Swap the boot slot
  - Back up the full flash, an app slot or the OTA data

Arrow keys select an action, Enter runs it. Actions that write to flash ask
for confirmation first. Tab switches between the action list and the file
path input. q cancels a running transfer, ctrl+c quits.

Supports serial, WebSocket and --image connections.`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	ref := &programRef{}
	p := tea.NewProgram(initialConsoleModel(ctx, s, ref), tea.WithAltScreen())
	ref.p = p

	if _, err := p.Run(); err != nil {
		return errors.Annotatef(err, "console")
	}
	return nil
}

// programRef lets commands started by the model report progress back to
// the running program
type programRef struct {
	p *tea.Program
}

func (r *programRef) send(msg tea.Msg) {
	if r.p != nil {
		r.p.Send(msg)
	}
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/xtflash/pkg/otadata"
)

var appOutput string

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Read or write a single app slot",
	Long: `Read or write one app slot directly.

Writing a slot does not change the boot selection. Use "install" to put new
firmware on the inactive slot and switch to it, or "swap" afterwards.`,
}

var appReadCmd = &cobra.Command{
	Use:   "read <app0|app1>",
	Short: "Save an app slot to a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppRead,
}

var appWriteCmd = &cobra.Command{
	Use:   "write <app0|app1> <file>",
	Short: "Write an image file into an app slot",
	Args:  cobra.ExactArgs(2),
	RunE:  runAppWrite,
}

func init() {
	rootCmd.AddCommand(appCmd)
	appCmd.AddCommand(appReadCmd, appWriteCmd)
	appReadCmd.Flags().StringVarP(&appOutput, "output", "o", "", "Output file (default <slot>.bin)")
}

func runAppRead(cmd *cobra.Command, args []string) error {
	slot, err := otadata.ParseAppSlot(args[0])
	if err != nil {
		return err
	}
	output := appOutput
	if output == "" {
		output = slot.String() + ".bin"
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var data []byte
	err = runTransfer(ctx, fmt.Sprintf("Reading %s (%s layout)", slot, s.orch.Layout().Name), func(ctx context.Context, r reporter) error {
		var err error
		data, err = s.orch.ReadAppPartition(ctx, slot, r.read())
		return err
	})
	if err != nil {
		return err
	}

	if err := os.WriteFile(output, data, 0o644); err != nil {
		return errors.Annotatef(err, "writing %s", output)
	}
	fmt.Printf("Saved %s (%s) to %s\n", slot, humanize.IBytes(uint64(len(data))), output)
	return nil
}

func runAppWrite(cmd *cobra.Command, args []string) error {
	slot, err := otadata.ParseAppSlot(args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return errors.Annotatef(err, "reading firmware image")
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	question := fmt.Sprintf("Write %s (%s) to %s?", args[1], humanize.IBytes(uint64(len(data))), slot)
	if ok, err := confirm(question); err != nil || !ok {
		return errors.Trace(orDeclined(err))
	}

	err = runTransfer(ctx, fmt.Sprintf("Writing %s", slot), func(ctx context.Context, r reporter) error {
		return s.orch.WriteAppPartition(ctx, slot, data, r.write())
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s written; boot selection unchanged\n", slot)
	return nil
}

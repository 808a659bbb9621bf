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
)

var flashOutput string

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Back up or restore the whole 16 MiB flash",
}

var flashReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Save the whole flash to a file",
	Long: `Save all 16 MiB of flash to a file.

The dump can be restored with "flash write" or used in place of a device with
the --image flag.`,
	Args: cobra.NoArgs,
	RunE: runFlashRead,
}

var flashWriteCmd = &cobra.Command{
	Use:   "write <file>",
	Short: "Restore a full flash dump",
	Long: `Restore a full flash dump. The file must be exactly 16 MiB.

The core dump region at the top of flash is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlashWrite,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.AddCommand(flashReadCmd, flashWriteCmd)
	flashReadCmd.Flags().StringVarP(&flashOutput, "output", "o", "x4-flash.bin", "Output file")
}

func runFlashRead(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var data []byte
	err = runTransfer(ctx, "Reading full flash", func(ctx context.Context, r reporter) error {
		var err error
		data, err = s.orch.ReadFullFlash(ctx, r.read())
		return err
	})
	if err != nil {
		return err
	}

	if err := os.WriteFile(flashOutput, data, 0o644); err != nil {
		return errors.Annotatef(err, "writing %s", flashOutput)
	}
	fmt.Printf("Saved %s to %s\n", humanize.IBytes(uint64(len(data))), flashOutput)
	return nil
}

func runFlashWrite(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Annotatef(err, "reading flash image")
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if ok, err := confirm(fmt.Sprintf("Overwrite the whole flash with %s?", args[0])); err != nil || !ok {
		return errors.Trace(orDeclined(err))
	}

	err = runTransfer(ctx, "Writing full flash", func(ctx context.Context, r reporter) error {
		return s.orch.WriteFullFlash(ctx, data, r.write())
	})
	if err != nil {
		return err
	}
	fmt.Println("Flash restored")
	return nil
}

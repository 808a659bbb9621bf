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

	"github.com/Thermoquad/xtflash/pkg/firmware"
	"github.com/Thermoquad/xtflash/pkg/otadata"
)

var installCmd = &cobra.Command{
	Use:   "install <firmware.bin>",
	Short: "Install firmware on the inactive slot and boot it",
	Long: `Install a firmware image on the app slot that is not currently booted and
switch the boot selection to it once the write has completed.

The running firmware stays on the other slot. Use "swap" to go back to it.

Examples:
  xtflash install --port /dev/ttyACM0 crosspoint-0.9.1.bin
  xtflash install --url ws://x4-bridge.local/flash firmware.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Annotatef(err, "reading firmware image")
	}
	incoming := firmware.IdentifyImage(data)

	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	region, err := s.orch.ReadOtaData(ctx, nil)
	if err != nil {
		return err
	}
	if region.PendingVerify() {
		return errors.Annotatef(otadata.ErrPendingVerify,
			"boot %s once so the firmware confirms it", region.RequestedBootSlot())
	}
	current := region.CurrentBootSlot()
	if current == otadata.SlotUndetermined {
		return errors.Annotatef(otadata.ErrNoValidBootSlot, "run \"otadata init\" first")
	}

	question := fmt.Sprintf("Install %s (%s, %s) to %s and boot it?",
		args[0], incoming, humanize.IBytes(uint64(len(data))), current.Other())
	if ok, err := confirm(question); err != nil || !ok {
		return errors.Trace(orDeclined(err))
	}

	var target otadata.AppSlot
	err = runTransfer(ctx, fmt.Sprintf("Installing to %s", current.Other()), func(ctx context.Context, r reporter) error {
		var err error
		target, err = s.orch.FlashFirmware(ctx, data, r.write())
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("Installed to %s; the device boots it on the next reset (%s kept as fallback)\n", target, current)
	return nil
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/xtflash/pkg/otadata"
)

var swapCmd = &cobra.Command{
	Use:   "swap",
	Short: "Boot the other app slot",
	Long: `Switch the OTA boot selection to the other app slot.

Only the OTA data region is rewritten; neither app slot is touched. The new
record is marked NEW so the firmware can still roll back if it fails to start.
Another swap is refused until the firmware has confirmed that record.`,
	Args: cobra.NoArgs,
	RunE: runSwap,
}

func init() {
	rootCmd.AddCommand(swapCmd)
}

func runSwap(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	current, err := s.orch.ReadOtaData(ctx, nil)
	if err != nil {
		return err
	}
	if current.PendingVerify() {
		return errors.Annotatef(otadata.ErrPendingVerify,
			"boot %s once so the firmware confirms it", current.RequestedBootSlot())
	}
	from := current.CurrentBootSlot()
	if from == otadata.SlotUndetermined {
		return errors.Annotatef(otadata.ErrNoValidBootSlot, "run \"otadata init\" first")
	}

	if ok, err := confirm(fmt.Sprintf("Switch boot slot from %s to %s?", from, from.Other())); err != nil || !ok {
		return errors.Trace(orDeclined(err))
	}

	region, err := s.orch.SwapBootPartition(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Boot slot: %s -> %s (pending confirmation by the firmware)\n", from, region.RequestedBootSlot())
	return nil
}

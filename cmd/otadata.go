// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/gosuri/uitable"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/xtflash/pkg/otadata"
)

var otadataOutput string

var otadataCmd = &cobra.Command{
	Use:   "otadata",
	Short: "Inspect and restore the OTA boot selection",
	Long: `Inspect and restore the OTA data region at 0xE000.

The region holds two selector records. The valid record with the highest
sequence number decides which app slot the bootloader starts.`,
}

var otadataShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show both selector records and the boot slot",
	Args:  cobra.NoArgs,
	RunE:  runOtadataShow,
}

var otadataSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the raw region to a file",
	Args:  cobra.NoArgs,
	RunE:  runOtadataSave,
}

var otadataWriteCmd = &cobra.Command{
	Use:   "write <file>",
	Short: "Restore the region from a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runOtadataWrite,
}

var otadataInitCmd = &cobra.Command{
	Use:   "init <app0|app1>",
	Short: "Write a fresh region that boots the given slot",
	Long: `Write a fresh OTA data region whose only record selects the given slot.

Use this to recover a device whose region was erased or corrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runOtadataInit,
}

func init() {
	rootCmd.AddCommand(otadataCmd)
	otadataCmd.AddCommand(otadataShowCmd, otadataSaveCmd, otadataWriteCmd, otadataInitCmd)
	otadataSaveCmd.Flags().StringVarP(&otadataOutput, "output", "o", "otadata.bin", "Output file")
}

func runOtadataShow(cmd *cobra.Command, args []string) error {
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
	printOtaData(region)
	return nil
}

func printOtaData(region *otadata.Region) {
	t := uitable.New()
	t.AddRow("RECORD", "SEQUENCE", "SELECTS", "STATE", "CRC", "")
	for _, d := range region.Slots() {
		crc := "ok"
		if !d.CRCValid {
			crc = "invalid"
		}
		seq := fmt.Sprintf("%d", d.Sequence)
		if d.Sequence == 0xFFFFFFFF {
			seq = "erased"
		}
		t.AddRow(d.Index, seq, d.PartitionLabel, d.State, crc, fmt.Sprintf("% X", d.CRCBytes))
	}
	fmt.Println(t)

	fmt.Printf("\nBoot slot: %s", region.CurrentBootSlot())
	if region.PendingVerify() {
		fmt.Printf(" (%s requested, not yet confirmed by the firmware)", region.RequestedBootSlot())
	}
	fmt.Println()
}

func runOtadataSave(cmd *cobra.Command, args []string) error {
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
	if err := os.WriteFile(otadataOutput, region.Bytes(), 0o644); err != nil {
		return errors.Annotatef(err, "writing %s", otadataOutput)
	}
	fmt.Printf("Saved OTA data (boot slot %s) to %s\n", region.RequestedBootSlot(), otadataOutput)
	return nil
}

func runOtadataWrite(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Annotatef(err, "reading OTA data image")
	}
	region, err := otadata.Decode(data)
	if err != nil {
		return errors.Trace(err)
	}
	printOtaData(region)
	fmt.Println()
	return writeOtaData(region)
}

func runOtadataInit(cmd *cobra.Command, args []string) error {
	slot, err := otadata.ParseAppSlot(args[0])
	if err != nil {
		return err
	}
	region, err := otadata.NewRegion(slot)
	if err != nil {
		return errors.Trace(err)
	}
	return writeOtaData(region)
}

func writeOtaData(region *otadata.Region) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if ok, err := confirm(fmt.Sprintf("Write OTA data selecting %s?", region.RequestedBootSlot())); err != nil || !ok {
		return errors.Trace(orDeclined(err))
	}
	if err := s.orch.WriteOtaData(ctx, region, nil); err != nil {
		return err
	}
	fmt.Printf("OTA data written, device will boot %s\n", region.RequestedBootSlot())
	return nil
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/xtflash/pkg/firmware"
	"github.com/Thermoquad/xtflash/pkg/otadata"
)

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Identify the firmware on both app slots",
	Long: `Identify the firmware build on both app slots and show which one boots.

Official English and Chinese builds as well as CrossPoint community builds are
recognised. For ESP-IDF images the project name and build date from the app
descriptor are shown as well.`,
	Args: cobra.NoArgs,
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.orch.IdentifyAll(ctx)
	if err != nil {
		return err
	}

	t := uitable.New()
	t.AddRow("SLOT", "FIRMWARE", "VERSION", "PROJECT", "BUILT", "")
	for _, slot := range []otadata.AppSlot{otadata.SlotApp0, otadata.SlotApp1} {
		info := report.Slot(slot)
		project, built := "-", "-"
		if desc, ok := readDescriptor(ctx, s, slot); ok {
			project = desc.ProjectName
			built = desc.Date + " " + desc.Time
		}
		marker := ""
		switch {
		case slot == report.BootSlot:
			marker = "<- boots"
		case report.Pending() && slot == report.RequestedSlot:
			marker = "<- boots next (unconfirmed)"
		}
		t.AddRow(slot, info.Type, info.Version, project, built, marker)
	}

	fmt.Printf("Connection: %s\nLayout: %s\n\n", s.info, s.orch.Layout().Name)
	fmt.Println(t)
	if report.RequestedSlot == otadata.SlotUndetermined {
		fmt.Println("\nNo valid OTA record; the bootloader falls back to the first app slot")
	}
	return nil
}

// readDescriptor reads the ESP-IDF app descriptor at the start of slot
func readDescriptor(ctx context.Context, s *session, slot otadata.AppSlot) (firmware.AppDescriptor, bool) {
	offset, _, err := s.orch.Layout().Slot(slot)
	if err != nil {
		return firmware.AppDescriptor{}, false
	}
	head, err := s.transport.ReadFlash(ctx, offset, descriptorReadSize, nil)
	if err != nil {
		logger.Debugf("reading %s descriptor: %v", slot, err)
		return firmware.AppDescriptor{}, false
	}
	return firmware.ParseAppDescriptor(head)
}

const descriptorReadSize = 0x100

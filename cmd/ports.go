// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// espressifVID is the USB vendor ID of the ESP32-C3 USB Serial/JTAG port
const espressifVID = "303A"

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Long: `List the serial ports of this machine.

USB ports report their vendor and product IDs. Ports with the Espressif vendor
ID are marked, as an X4 or an ESP32-C3 bridge shows up with it.`,
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		logger.Debugf("detailed port listing failed: %v", err)
		return listPlainPorts()
	}
	if len(details) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("PORT", "VID:PID", "PRODUCT", "SERIAL", "")
	for _, d := range details {
		ids, note := "", ""
		if d.IsUSB {
			ids = fmt.Sprintf("%s:%s", d.VID, d.PID)
			if strings.EqualFold(d.VID, espressifVID) {
				note = "espressif"
			}
		}
		table.AddRow(d.Name, ids, d.Product, d.SerialNumber, note)
	}
	fmt.Println(table)
	return nil
}

func listPlainPorts() error {
	ports, err := serial.GetPortsList()
	if err != nil {
		return errors.Annotatef(err, "listing serial ports")
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}

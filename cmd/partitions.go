// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/xtflash/pkg/flasher"
	"github.com/Thermoquad/xtflash/pkg/partition"
)

var (
	partitionsBuild  string
	partitionsOutput string
	partitionsWrite  string
)

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Show, build or write the partition table",
	Long: `Show the partition table at 0x8000 and the layout it matches.

With --build the table of a shipped layout is encoded locally and written to
the file given by --output, without touching any device. With --write a table
image is written to the device; the image must not exceed 4 KiB.

Examples:
  xtflash partitions --port /dev/ttyACM0
  xtflash partitions --build cjk --output cjk-table.bin
  xtflash partitions --port /dev/ttyACM0 --write cjk-table.bin`,
	RunE: runPartitions,
}

func init() {
	rootCmd.AddCommand(partitionsCmd)
	partitionsCmd.Flags().StringVar(&partitionsBuild, "build", "", "Encode the table of a shipped layout (standard or cjk)")
	partitionsCmd.Flags().StringVarP(&partitionsOutput, "output", "o", "", "File for the table built with --build")
	partitionsCmd.Flags().StringVar(&partitionsWrite, "write", "", "Write a table image file to the device")
}

func runPartitions(cmd *cobra.Command, args []string) error {
	if partitionsBuild != "" {
		return buildPartitionTable()
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if partitionsWrite != "" {
		data, err := os.ReadFile(partitionsWrite)
		if err != nil {
			return errors.Annotatef(err, "reading partition table image")
		}
		if _, err := partition.Decode(data); err != nil {
			return errors.Annotatef(err, "%s is not a valid partition table", partitionsWrite)
		}
		if ok, err := confirm(fmt.Sprintf("Write %s to the partition table at 0x%X?", partitionsWrite, flasher.PartitionTableOffset)); err != nil || !ok {
			return errors.Trace(orDeclined(err))
		}
		if err := s.orch.WritePartitionTable(ctx, data, nil); err != nil {
			return err
		}
		fmt.Printf("Partition table written (%s)\n", humanize.IBytes(uint64(len(data))))
		return nil
	}

	table, err := s.orch.ReadPartitionTable(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Connection: %s\n\n", s.info)
	fmt.Println(partitionTable(table))

	if l, err := flasher.DetectLayoutFromTable(table); err == nil {
		fmt.Printf("\nLayout: %s\n", l.Name)
	} else {
		fmt.Printf("\nLayout: custom (matches no shipped layout)\n")
	}
	return nil
}

func buildPartitionTable() error {
	l, err := flasher.LayoutByName(partitionsBuild)
	if err != nil {
		return err
	}
	if partitionsOutput == "" {
		return errors.NotValidf("--build without --output")
	}

	data, err := partition.Encode(l.Table())
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.WriteFile(partitionsOutput, data, 0o644); err != nil {
		return errors.Annotatef(err, "writing %s", partitionsOutput)
	}

	fmt.Println(partitionTable(l.Table()))
	fmt.Printf("\nWrote %s table to %s (%s)\n", l.Name, partitionsOutput, humanize.IBytes(uint64(len(data))))
	return nil
}

// partitionTable renders entries as a table
func partitionTable(table partition.Table) *uitable.Table {
	t := uitable.New()
	t.RightAlign(2)
	t.RightAlign(3)
	t.AddRow("LABEL", "KIND", "OFFSET", "SIZE")
	for _, e := range table {
		t.AddRow(e.Label, e.Kind, fmt.Sprintf("0x%06X", e.Offset), humanize.IBytes(uint64(e.Size)))
	}
	return t
}

// orDeclined turns a declined confirmation into errDeclined
func orDeclined(err error) error {
	if err != nil {
		return err
	}
	return errDeclined
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/xtflash/pkg/flashlink"
)

var pingCount int

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the link to a flash bridge",
	Long: `Send PING_REQUEST frames to the flash bridge and wait for PING_RESPONSE.

The bridge answers with its uptime, the chip it is attached to and the flash
size it detected. This is useful for verifying:
  - The serial port or WebSocket connection is established
  - HTTP Basic authentication works
  - The bridge decodes frames and answers with the matching tag

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	opts := []flashlink.ClientOption{flashlink.WithTimeout(frameTimeout)}
	if traceFrames {
		opts = append(opts, flashlink.WithTrace(traceFrame))
	}
	client := flashlink.NewClient(conn, opts...)
	defer client.Close()

	ctx, cancel := commandContext()
	defer cancel()

	fmt.Printf("xtflash - Bridge Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %v per ping\n", frameTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		startTime := time.Now()
		info, err := client.Ping(ctx)
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failCount++
			if ctx.Err() != nil {
				break
			}
			continue
		}

		rtt := time.Since(startTime)
		fmt.Printf("PONG from %s, flash=%s, uptime=%s, rtt=%v\n",
			info.Chip, humanize.IBytes(uint64(info.FlashSize)), formatUptime(info.UptimeMs), rtt.Round(time.Millisecond))
		successCount++

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		client.Close()
		os.Exit(1)
	}
	return nil
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/xtflash/pkg/flasher"
	"github.com/Thermoquad/xtflash/pkg/flashlink"
)

var (
	linktestOffset uint32
	linktestSize   uint32
	linktestRounds int
	showAll        bool
	statsInterval  int
	useTUI         bool
)

var linktestCmd = &cobra.Command{
	Use:   "linktest",
	Short: "Stress the bridge link and report frame errors",
	Long: `Read the same flash region over and over and track link errors.

The first read becomes the reference. Every later round is compared against
it, so a bad cable or a flaky bridge shows up as CRC errors, timeouts or
content mismatches instead of a corrupted firmware install.

This command tracks:
  - CRC errors and decode failures on received frames
  - Malformed frames and ERROR responses from the bridge
  - Reads whose content differs from the first round
  - Frame rate and error rate

By default, only errors are listed. Use --show-all to list every round.`,
	Args: cobra.NoArgs,
	RunE: runLinktest,
}

func init() {
	rootCmd.AddCommand(linktestCmd)
	linktestCmd.Flags().Uint32Var(&linktestOffset, "offset", flasher.PartitionTableOffset, "Flash offset to read")
	linktestCmd.Flags().Uint32Var(&linktestSize, "size", 0x10000, "Bytes read per round")
	linktestCmd.Flags().IntVar(&linktestRounds, "rounds", 0, "Stop after this many rounds (0 runs until interrupted)")
	linktestCmd.Flags().BoolVar(&showAll, "show-all", false, "Show every round (not just errors)")
	linktestCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds, text mode)")
	linktestCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// roundResult is the outcome of one linktest round
type roundResult struct {
	round    int
	duration time.Duration
	err      error
	mismatch bool
}

// linkTester performs the rounds of a linktest
type linkTester struct {
	client    *flashlink.Client
	stats     *flashlink.Statistics
	reference []byte
	round     int
}

func runLinktest(cmd *cobra.Command, args []string) error {
	if linktestSize == 0 || uint64(linktestOffset)+uint64(linktestSize) > flasher.FlashSize {
		return errors.NotValidf("region 0x%X+0x%X", linktestOffset, linktestSize)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	stats := flashlink.NewStatistics()
	client := flashlink.NewClient(conn,
		flashlink.WithTimeout(frameTimeout),
		flashlink.WithChunkSize(uint32(chunkSize)),
		flashlink.WithStatistics(stats),
	)
	defer client.Close()

	ctx, cancel := commandContext()
	defer cancel()

	info, err := client.Ping(ctx)
	if err != nil {
		return errors.Annotatef(err, "bridge did not answer")
	}

	lt := &linkTester{client: client, stats: stats}
	if useTUI {
		return runLinktestTUI(ctx, lt, connInfo, info)
	}
	return runLinktestText(ctx, lt, connInfo, info)
}

// next reads the region once and compares it with the first round
func (lt *linkTester) next(ctx context.Context) roundResult {
	lt.round++
	start := time.Now()
	data, err := lt.client.ReadFlash(ctx, linktestOffset, linktestSize, nil)
	res := roundResult{round: lt.round, duration: time.Since(start), err: err}
	if err != nil {
		return res
	}
	if lt.reference == nil {
		lt.reference = data
		return res
	}
	res.mismatch = !bytes.Equal(data, lt.reference)
	return res
}

func (lt *linkTester) done() bool {
	return linktestRounds > 0 && lt.round >= linktestRounds
}

// runLinktestText prints errors as they happen and a summary every
// --stats-interval seconds
func runLinktestText(ctx context.Context, lt *linkTester, connInfo string, info flashlink.BridgeInfo) error {
	fmt.Printf("xtflash - Link Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Bridge: %s, uptime %s\n", info.Chip, formatUptime(info.UptimeMs))
	fmt.Printf("Region: 0x%X+0x%X\n\n", linktestOffset, linktestSize)

	ticker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer ticker.Stop()

	for !lt.done() {
		res := lt.next(ctx)
		if ctx.Err() != nil {
			break
		}
		printRound(res)

		select {
		case <-ticker.C:
			fmt.Print(lt.stats.String())
		default:
		}
	}

	fmt.Print(lt.stats.String())
	return nil
}

// printRound prints a round in highlighted format
func printRound(res roundResult) {
	timestamp := time.Now().Format("15:04:05.000")
	switch {
	case res.err != nil:
		fmt.Printf("[%s] \033[1;31mROUND %d FAILED:\033[0m %v\n", timestamp, res.round, res.err)
	case res.mismatch:
		fmt.Printf("[%s] \033[1;33mROUND %d MISMATCH:\033[0m content differs from round 1\n", timestamp, res.round)
	case showAll:
		fmt.Printf("[%s] \033[1;32mROUND %d OK\033[0m (%v)\n", timestamp, res.round, res.duration.Round(time.Millisecond))
	}
}

// runLinktestTUI runs the rounds in the background and shows them live
func runLinktestTUI(ctx context.Context, lt *linkTester, connInfo string, info flashlink.BridgeInfo) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(initialModel(connInfo, info, lt.stats))

	go func() {
		for !lt.done() && ctx.Err() == nil {
			res := lt.next(ctx)
			if ctx.Err() != nil {
				return
			}
			p.Send(roundMsg(res))
		}
		p.Send(finishedMsg{})
	}()

	if _, err := p.Run(); err != nil {
		return errors.Annotatef(err, "link test display")
	}
	cancel()
	fmt.Print(lt.stats.String())
	return nil
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/loggo/loggocolor"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Thermoquad/xtflash/pkg/flasher"
	"github.com/Thermoquad/xtflash/pkg/flashlink"
)

var logger = loggo.GetLogger("xtflash.cmd")

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Flash image in place of a device
	imagePath string

	// Transfer flags
	layoutName    string
	chunkSize     int
	identifyChunk uint32
	frameTimeout  time.Duration
	noVerify      bool

	// Output flags
	logLevel    string
	traceFrames bool
	assumeYes   bool
)

var rootCmd = &cobra.Command{
	Use:   "xtflash",
	Short: "Flash tool for the Xteink X4 e-reader",
	Long: `xtflash - read, back up and update the flash of an Xteink X4 e-reader.

Manages the partition table, the OTA boot selection and both firmware slots of
the ESP32-C3 inside the reader. Firmware installs go to the inactive slot and
only switch the boot selection once the image is fully written.

Connection modes:
  Serial:    --port /dev/ttyACM0 [--baud 921600]
  WebSocket: --url ws://host/flash [--username user]
  Image:     --image backup.bin

Serial and WebSocket connections talk to a flash bridge. The --image mode runs
every command against a saved 16 MiB flash dump instead of a device.

For WebSocket authentication, the password is read from the XTFLASH_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port of the flash bridge")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 921600, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL of the flash bridge (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&imagePath, "image", "", "Operate on a flash dump file instead of a device")

	// Transfer flags
	rootCmd.PersistentFlags().StringVar(&layoutName, "layout", "auto", "Partition layout: standard, cjk or auto")
	rootCmd.PersistentFlags().IntVar(&chunkSize, "chunk-size", flashlink.DefaultChunkSize, "Bytes per bridge request")
	rootCmd.PersistentFlags().Uint32Var(&identifyChunk, "identify-chunk", flasher.DefaultIdentifyChunkSize, "Bytes read per firmware identification step")
	rootCmd.PersistentFlags().DurationVar(&frameTimeout, "timeout", flashlink.DefaultTimeout, "Response timeout per bridge request")
	rootCmd.PersistentFlags().BoolVar(&noVerify, "no-verify", false, "Skip MD5 verification after writes")

	// Output flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "<root>=WARNING", "Logging configuration, e.g. xtflash.flashlink=DEBUG")
	rootCmd.PersistentFlags().BoolVar(&traceFrames, "trace", false, "Print every bridge frame on stderr")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask before writing to flash")
}

// setupLogging routes loggo output to stderr, coloured on terminals
func setupLogging(cmd *cobra.Command, args []string) error {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		loggo.ReplaceDefaultWriter(loggocolor.NewWriter(os.Stderr))
	} else {
		loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(os.Stderr, loggo.DefaultFormatter))
	}
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		return errors.Annotatef(err, "invalid --log-level")
	}
	if chunkSize <= 0 || chunkSize > flashlink.MaxChunkSize {
		return errors.NotValidf("--chunk-size %d (valid 1-%d)", chunkSize, flashlink.MaxChunkSize)
	}
	return nil
}

// commandContext returns a context cancelled by Ctrl+C
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		logger.Debugf("%s", errors.ErrorStack(err))
		if errors.Is(err, flasher.ErrCancelled) {
			fmt.Fprintln(os.Stderr, "Cancelled")
		}
	}
	return err
}

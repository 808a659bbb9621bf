// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// xtflash - Xteink X4 flash tool
//
// A CLI tool for backing up, inspecting and updating the flash of an
// Xteink X4 e-reader through a flash bridge or a saved flash image.

package main

import (
	"os"

	"github.com/Thermoquad/xtflash/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

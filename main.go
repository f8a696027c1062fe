// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Emberlink - Lignite Link Protocol Tool
//
// A CLI tool for running, testing and diagnosing Lignite links over
// serial, TCP and WebSocket channels.

package main

import (
	"os"

	"github.com/Thermoquad/emberlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

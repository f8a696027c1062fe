// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/emberlink/pkg/lignite"
	"github.com/spf13/cobra"
)

var sizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Print protocol buffer requirements for embedded peers",
	Long: `Print the working-set size of a Lignite endpoint for the selected
--mtu, --window and --crc values.

Embedded peers typically run the protocol inside one statically allocated
buffer; this command tells firmware engineers how many bytes to reserve.
The table form shows the full window range for comparison.`,
	RunE: runSize,
}

func init() {
	rootCmd.AddCommand(sizeCmd)
}

func runSize(cmd *cobra.Command, args []string) error {
	cfg, err := newLinkConfig()
	if err != nil {
		return err
	}

	fmt.Printf("Lignite buffer requirements (mtu=%d, crc=%s)\n\n", cfg.MTU, cfg.CRC)
	fmt.Printf("  %-8s %s\n", "window", "bytes")
	for w := lignite.MinWindow; w <= lignite.MaxWindow; w++ {
		marker := ""
		if w == cfg.WindowFrames {
			marker = "  <- selected"
		}
		fmt.Printf("  %-8d %d%s\n", w, lignite.BufferSizeByMTUEx(cfg.MTU, w, cfg.CRC), marker)
	}
	return nil
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/Thermoquad/emberlink/pkg/lignite"
	"github.com/spf13/cobra"
)

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Display raw Lignite frames in human-readable format",
	Long: `Continuously decode and display Lignite frames as they arrive.

The sniffer is passive: it never transmits, so it can be attached to one
direction of a live link. Each frame is shown with a timestamp, the decoded
control field (frame type, sequence numbers, P/F bit) and a payload hex dump.
Frames failing CRC are dropped silently, matching receiver behavior.

Supports serial, TCP and WebSocket connections.`,
	RunE: runSniff,
}

func init() {
	rootCmd.AddCommand(sniffCmd)
}

func runSniff(cmd *cobra.Command, args []string) error {
	cfg, err := newLinkConfig()
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Emberlink - Frame Sniffer\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := lignite.NewDecoder(cfg.MTU, cfg.CRC, func(addr, ctl byte, payload []byte) {
		timestamp := time.Now().Format("15:04:05.000")
		fmt.Printf("[%s] %s", timestamp, lignite.FormatFrame(addr, ctl, payload))
	})

	buf := make([]byte, 128)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			// For WebSocket connections, a read error usually means the
			// connection is permanently closed - exit gracefully
			if err == ErrConnectionClosed {
				log.Printf("Connection closed")
				return nil
			}
			log.Printf("Read error: %v", err)
			continue
		}
		decoder.Feed(buf[:n])
	}
}

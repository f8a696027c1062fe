// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// TCP connection flag
	tcpAddr string

	// Config file
	configPath string

	// Link tuning flags
	linkMTU         int
	linkWindow      int
	linkCRC         string
	linkRetries     int
	linkSendMs      int
	linkRetryMs     int
	linkKeepAlive   int
	linkNoReconnect bool
)

var rootCmd = &cobra.Command{
	Use:   "emberlink",
	Short: "Lignite Link Protocol Tool",
	Long: `Emberlink - A CLI tool for running and diagnosing Lignite links.

Lignite is the reliable full-duplex link protocol used between controllers
and appliances in the Thermoquad ecosystem. Emberlink speaks the protocol
over serial, TCP or WebSocket channels and provides commands for testing
connectivity, chatting across a link, bridging links to TCP, and sniffing
raw frames.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  TCP:       --tcp host:4646
  WebSocket: --url ws://host/path [--username user]

Link parameters (--mtu, --window, --crc) must match the peer. They can
also be loaded from a YAML file with --config; explicit flags win over
file values.

For WebSocket authentication, the password is read from the
EMBERLINK_PASSWORD environment variable, or prompted interactively if not
set. The --password flag is intentionally not provided to avoid leaking
credentials in shell history.`,
	Version: "1.3.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return applyConfigFile(cmd)
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// TCP connection flag
	rootCmd.PersistentFlags().StringVarP(&tcpAddr, "tcp", "t", "", "TCP address (host:port)")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file with connection and link settings")

	// Link tuning flags
	rootCmd.PersistentFlags().IntVar(&linkMTU, "mtu", 512, "Maximum payload bytes per I-frame")
	rootCmd.PersistentFlags().IntVar(&linkWindow, "window", 3, "Sliding window size (1-7)")
	rootCmd.PersistentFlags().StringVar(&linkCRC, "crc", "crc16", "Frame check sequence: crc8, crc16 or crc32")
	rootCmd.PersistentFlags().IntVar(&linkRetries, "retries", 2, "Retransmissions before declaring connection loss")
	rootCmd.PersistentFlags().IntVar(&linkSendMs, "send-timeout", 1000, "Blocking send timeout in milliseconds")
	rootCmd.PersistentFlags().IntVar(&linkRetryMs, "retry-timeout", 0, "Retransmission timeout in milliseconds (0 = auto)")
	rootCmd.PersistentFlags().IntVar(&linkKeepAlive, "keep-alive", 3000, "Keep-alive probe interval in milliseconds (0 = off)")
	rootCmd.PersistentFlags().BoolVar(&linkNoReconnect, "no-reconnect", false, "Disable automatic reconnection after connection loss")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the persistent flag set so operators can keep link
// parameters in a file instead of repeating them on every invocation.
type fileConfig struct {
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	TCP      string `yaml:"tcp"`

	MTU          int    `yaml:"mtu"`
	Window       int    `yaml:"window"`
	CRC          string `yaml:"crc"`
	Retries      int    `yaml:"retries"`
	SendTimeout  int    `yaml:"send_timeout_ms"`
	RetryTimeout int    `yaml:"retry_timeout_ms"`
	KeepAlive    int    `yaml:"keep_alive_ms"`
	NoReconnect  bool   `yaml:"no_reconnect"`
}

// applyConfigFile merges --config file values under explicit flags.
// A flag set on the command line always wins over the file.
func applyConfigFile(cmd *cobra.Command) error {
	if configPath == "" {
		return nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	flags := cmd.Flags()
	if !flags.Changed("port") && fc.Port != "" {
		portName = fc.Port
	}
	if !flags.Changed("baud") && fc.Baud != 0 {
		baudRate = fc.Baud
	}
	if !flags.Changed("url") && fc.URL != "" {
		wsURL = fc.URL
	}
	if !flags.Changed("username") && fc.Username != "" {
		wsUsername = fc.Username
	}
	if !flags.Changed("tcp") && fc.TCP != "" {
		tcpAddr = fc.TCP
	}
	if !flags.Changed("mtu") && fc.MTU != 0 {
		linkMTU = fc.MTU
	}
	if !flags.Changed("window") && fc.Window != 0 {
		linkWindow = fc.Window
	}
	if !flags.Changed("crc") && fc.CRC != "" {
		linkCRC = fc.CRC
	}
	if !flags.Changed("retries") && fc.Retries != 0 {
		linkRetries = fc.Retries
	}
	if !flags.Changed("send-timeout") && fc.SendTimeout != 0 {
		linkSendMs = fc.SendTimeout
	}
	if !flags.Changed("retry-timeout") && fc.RetryTimeout != 0 {
		linkRetryMs = fc.RetryTimeout
	}
	if !flags.Changed("keep-alive") && fc.KeepAlive != 0 {
		linkKeepAlive = fc.KeepAlive
	}
	if !flags.Changed("no-reconnect") && fc.NoReconnect {
		linkNoReconnect = true
	}
	return nil
}

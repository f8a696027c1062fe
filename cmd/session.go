// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/emberlink/pkg/lignite"
	"golang.org/x/sync/errgroup"
)

// txPollInterval paces the transmit pump when the link is idle
const txPollInterval = 2 * time.Millisecond

// parseCRCType maps the --crc flag to a lignite CRC type
func parseCRCType(name string) (lignite.CRCType, error) {
	switch strings.ToLower(name) {
	case "", "default", "crc16":
		return lignite.CRC16Type, nil
	case "crc8":
		return lignite.CRC8Type, nil
	case "crc32":
		return lignite.CRC32Type, nil
	default:
		return lignite.CRCDefault, fmt.Errorf("unknown crc type %q (use crc8, crc16 or crc32)", name)
	}
}

// newLinkConfig builds a lignite.Config from the persistent flags.
// Callbacks are filled in by the individual commands.
func newLinkConfig() (lignite.Config, error) {
	crc, err := parseCRCType(linkCRC)
	if err != nil {
		return lignite.Config{}, err
	}
	return lignite.Config{
		MTU:           linkMTU,
		WindowFrames:  linkWindow,
		CRC:           crc,
		SendTimeout:   time.Duration(linkSendMs) * time.Millisecond,
		RetryTimeout:  time.Duration(linkRetryMs) * time.Millisecond,
		Retries:       linkRetries,
		KeepAlive:     time.Duration(linkKeepAlive) * time.Millisecond,
		AutoReconnect: !linkNoReconnect,
	}, nil
}

// runPumps drives the link's rx and tx sides against the connection until
// the context is cancelled or the channel fails. It owns the connection
// and the link: both are closed on return.
func runPumps(ctx context.Context, conn Connection, link *lignite.Link) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		// Closing both unblocks the rx pump's pending Read.
		link.Close()
		conn.Close()
		return nil
	})

	g.Go(func() error {
		_, err := link.RunRx(conn)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("rx pump: %w", err)
		}
		return context.Canceled
	})

	g.Go(func() error {
		ticker := time.NewTicker(txPollInterval)
		defer ticker.Stop()
		for {
			if _, err := link.RunTx(conn); err != nil {
				if ctx.Err() == nil {
					return fmt.Errorf("tx pump: %w", err)
				}
				return context.Canceled
			}
			select {
			case <-ctx.Done():
				return context.Canceled
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// waitConnected polls the link status until it connects, fails, or the
// timeout elapses.
func waitConnected(ctx context.Context, link *lignite.Link, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		switch link.Status() {
		case lignite.StatusConnected:
			return nil
		case lignite.StatusFailed:
			return fmt.Errorf("link failed during handshake")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return fmt.Errorf("handshake timed out after %v", timeout)
}

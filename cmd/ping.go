// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/Thermoquad/emberlink/pkg/lignite"
	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"
)

var (
	pingCount    int
	pingInterval int
	pingSize     int
)

// pingEnvelope is the CBOR payload carried by ping frames. The peer
// (emberlink serve) echoes the frame verbatim, so the sender can match
// the sequence number and recover its own timestamp.
type pingEnvelope struct {
	_        struct{} `cbor:",toarray"`
	Seq      uint64
	SentUnix int64
	Padding  []byte
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure round-trip time over a Lignite link",
	Long: `Establish a Lignite link and measure payload round-trip times.

Each ping is a CBOR-encoded [seq, timestamp, padding] payload sent as one
I-frame. The peer must echo payloads back (emberlink serve does). Round-trip
times include link-layer acknowledgement and any retransmissions.`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingCount, "count", 4, "Number of pings to send (0 = until interrupted)")
	pingCmd.Flags().IntVar(&pingInterval, "interval", 1000, "Interval between pings in milliseconds")
	pingCmd.Flags().IntVar(&pingSize, "size", 0, "Padding bytes added to each ping payload")
}

func runPing(cmd *cobra.Command, args []string) error {
	cfg, err := newLinkConfig()
	if err != nil {
		return err
	}

	type pong struct {
		seq uint64
		rtt time.Duration
	}
	pongs := make(chan pong, 16)

	cfg.OnFrame = func(payload []byte) {
		var env pingEnvelope
		if err := cbor.Unmarshal(payload, &env); err != nil {
			return
		}
		rtt := time.Duration(time.Now().UnixNano() - env.SentUnix)
		select {
		case pongs <- pong{seq: env.Seq, rtt: rtt}:
		default:
		}
	}

	link, err := lignite.New(cfg)
	if err != nil {
		return fmt.Errorf("link init failed: %v", err)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pumpErr := make(chan error, 1)
	go func() { pumpErr <- runPumps(ctx, conn, link) }()

	fmt.Printf("Emberlink - Lignite Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)

	if err := link.Connect(); err != nil {
		return err
	}
	if err := waitConnected(ctx, link, 5*time.Second); err != nil {
		return err
	}
	fmt.Printf("Link established (mtu=%d)\n\n", link.MTU())

	received := 0
	var total time.Duration
	interval := time.Duration(pingInterval) * time.Millisecond

	for seq := uint64(1); pingCount == 0 || seq <= uint64(pingCount); seq++ {
		env := pingEnvelope{
			Seq:      seq,
			SentUnix: time.Now().UnixNano(),
			Padding:  make([]byte, pingSize),
		}
		payload, err := cbor.Marshal(&env)
		if err != nil {
			return fmt.Errorf("encode ping: %v", err)
		}
		if err := link.SendPacket(payload); err != nil {
			fmt.Printf("seq=%d send failed: %v\n", seq, err)
		} else {
			select {
			case p := <-pongs:
				received++
				total += p.rtt
				fmt.Printf("%d bytes from peer: seq=%d time=%.3f ms\n", len(payload), p.seq, float64(p.rtt.Microseconds())/1000.0)
			case <-time.After(interval):
				fmt.Printf("seq=%d timeout\n", seq)
			case <-ctx.Done():
			}
		}

		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
		if ctx.Err() != nil {
			break
		}
	}

	fmt.Printf("\n%d received", received)
	if received > 0 {
		fmt.Printf(", avg rtt %.3f ms", float64(total.Microseconds())/float64(received)/1000.0)
	}
	fmt.Println()

	stop()
	<-pumpErr
	return nil
}

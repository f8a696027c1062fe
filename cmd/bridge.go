// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/Thermoquad/emberlink/pkg/lignite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	bridgeListenAddr  string
	bridgeMetricsAddr string
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge a Lignite link to a TCP socket",
	Long: `Expose a Lignite link as a plain TCP byte stream.

The bridge connects the link side (serial, TCP or WebSocket, selected by the
usual connection flags) and listens for one TCP client at a time on --listen.
Bytes from the client are fragmented to the link MTU and carried as reliable
I-frames; payloads from the link are concatenated back into the client's
stream. This turns a lossy serial channel into a dependable socket, e.g. for
tunneling a console or a legacy TCP protocol over a radio modem.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVarP(&bridgeListenAddr, "listen", "l", ":4646", "TCP listen address for bridge clients")
	bridgeCmd.Flags().StringVar(&bridgeMetricsAddr, "metrics", "", "Expose Prometheus metrics on this address")
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := newLinkConfig()
	if err != nil {
		return err
	}

	// Payloads from the link go to whichever client is attached.
	fromLink := make(chan []byte, 64)
	cfg.OnFrame = func(payload []byte) {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case fromLink <- cp:
		default:
			// No client attached, or a stalled one; drop rather than
			// stall the rx pump.
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

	listener, err := net.Listen("tcp", bridgeListenAddr)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to listen on %s: %v", bridgeListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if bridgeMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		registerLinkMetrics(reg, link)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: bridgeMetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		fmt.Printf("Metrics: http://%s/metrics\n", bridgeMetricsAddr)
	}

	fmt.Printf("Emberlink - TCP Bridge\n")
	fmt.Printf("Link: %s\n", connInfo)
	fmt.Printf("Listening: %s\n", bridgeListenAddr)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runPumps(ctx, conn, link)
	})

	g.Go(func() error {
		<-ctx.Done()
		listener.Close()
		return nil
	})

	g.Go(func() error {
		if err := link.Connect(); err != nil {
			return err
		}
		for {
			client, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Printf("client connected: %s\n", client.RemoteAddr())
			serveBridgeClient(ctx, client, link, fromLink)
			fmt.Printf("client disconnected\n")
		}
	})

	return g.Wait()
}

// serveBridgeClient shuttles bytes between one TCP client and the link
// until either side drops.
func serveBridgeClient(ctx context.Context, client net.Conn, link *lignite.Link, fromLink <-chan []byte) {
	done := make(chan struct{})

	// Link -> client
	go func() {
		for {
			select {
			case payload := <-fromLink:
				if _, err := client.Write(payload); err != nil {
					client.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				client.Close()
				return
			}
		}
	}()

	// Client -> link
	buf := make([]byte, 4096)
	for {
		n, err := client.Read(buf)
		if n > 0 {
			if sent := link.Send(buf[:n]); sent < n {
				break
			}
		}
		if err != nil {
			break
		}
	}
	close(done)
	client.Close()
}

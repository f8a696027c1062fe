// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/Thermoquad/emberlink/pkg/lignite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	serveMetricsAddr string
	serveQuiet       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a Lignite echo responder",
	Long: `Accept a Lignite link and echo every received payload back to the peer.

The responder answers SABM from the remote side, so it does not initiate
the connection itself. Every in-order payload is sent back unchanged, which
makes it the standard peer for 'emberlink ping' and loopback testing.

With --metrics, link counters (frames, retransmissions, CRC errors) are
exposed in Prometheus format over HTTP at /metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics", "", "Expose Prometheus metrics on this address (e.g. :9464)")
	serveCmd.Flags().BoolVar(&serveQuiet, "quiet", false, "Suppress per-payload output")
}

// registerLinkMetrics publishes the link's counters through a registry.
func registerLinkMetrics(reg *prometheus.Registry, link *lignite.Link) {
	counter := func(name, help string, value func(lignite.Stats) uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "emberlink",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(link.Stats()))
		})
	}

	reg.MustRegister(
		counter("frames_sent_total", "Frames emitted to the wire", func(s lignite.Stats) uint64 { return s.FramesSent }),
		counter("frames_received_total", "CRC-valid frames received", func(s lignite.Stats) uint64 { return s.FramesReceived }),
		counter("payloads_delivered_total", "In-order payloads delivered", func(s lignite.Stats) uint64 { return s.PayloadsDelivered }),
		counter("retransmissions_total", "I-frame and U-frame retransmissions", func(s lignite.Stats) uint64 { return s.Retransmissions }),
		counter("rejects_sent_total", "REJ frames sent", func(s lignite.Stats) uint64 { return s.RejectsSent }),
		counter("crc_errors_total", "Frames dropped for bad CRC", func(s lignite.Stats) uint64 { return s.CRCErrors }),
		counter("keep_alives_total", "Keep-alive probes sent", func(s lignite.Stats) uint64 { return s.KeepAlivesSent }),
		counter("connection_losses_total", "Connection losses (retries exhausted, DM or FRMR)", func(s lignite.Stats) uint64 { return s.ConnectionLoss }),
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := newLinkConfig()
	if err != nil {
		return err
	}

	// Echoing from the frame callback would block the rx pump, so the
	// payloads go through a channel drained by a dedicated goroutine.
	echo := make(chan []byte, 64)
	cfg.OnFrame = func(payload []byte) {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case echo <- cp:
		default:
			// Peer outruns us; the link-layer window should prevent this.
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

	if serveMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		registerLinkMetrics(reg, link)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: serveMetricsAddr, Handler: mux}
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
		fmt.Printf("Metrics: http://%s/metrics\n", serveMetricsAddr)
	}

	go func() {
		count := 0
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-echo:
				count++
				if !serveQuiet {
					fmt.Printf("echo %d: %d bytes\n", count, len(payload))
				}
				if err := link.SendPacket(payload); err != nil {
					fmt.Fprintf(os.Stderr, "echo %d dropped: %v\n", count, err)
				}
			}
		}
	}()

	fmt.Printf("Emberlink - Echo Responder\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Waiting for peer SABM; press Ctrl+C to exit\n\n")

	return runPumps(ctx, conn, link)
}

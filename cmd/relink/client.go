package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/1ureka/relink/internal/clock"
	"github.com/1ureka/relink/internal/config"
	"github.com/1ureka/relink/internal/load"
	"github.com/1ureka/relink/internal/metrics"
	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/session"
	"github.com/1ureka/relink/internal/signaling"
	"github.com/1ureka/relink/internal/socket"
	"github.com/1ureka/relink/internal/tunnel"
	"github.com/1ureka/relink/internal/util"
)

func clientCmd(cfg *config.Config) *cobra.Command {
	var rawURL string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Forward a local port to a host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Role = config.RoleClient
			wsURL, err := normalizeWSURL(rawURL)
			if err != nil {
				return err
			}
			cfg.WSURL = wsURL
			return runValidated(cmd.Context(), *cfg, runClient)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&cfg.LocalPort, "port", "p", 0, "Local port for the virtual service (1~65535)")
	f.StringVar(&rawURL, "url", "", "Host WebSocket URL")
	f.StringVar(&cfg.PIN, "pin", "", "PIN printed by the host")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Serve /metrics on this address")
	return cmd
}

// runClient dials the host and tunnels the local port until the session
// ends.
func runClient(ctx context.Context, cfg config.Config) error {
	stats := util.NewStats()
	rec := metrics.New(stats)
	est := load.NewEstimator(clock.Real())
	defer est.Stop()

	popts := cfg.ProtocolOptions()
	popts.Load = est
	popts.Recorder = rec
	sopts := cfg.SessionOptions(popts)
	sopts.Stats = stats

	wsURL, err := signaling.URL(cfg.WSURL, cfg.PIN, cfg.Transport)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.MetricsAddr, rec)
		defer stopMetrics()
	}

	util.LogInfo("connecting to %s...", cfg.WSURL)
	c, err := session.Dial(ctx, newDialer(wsURL, cfg, stats), sopts)
	if err != nil {
		return fmt.Errorf("failed to establish session: %w", err)
	}
	defer c.Close()

	c.OnDisconnect(func(err error) {
		util.LogError("session lost: %v", err)
	})

	util.StartStatsReporter(ctx, stats)
	util.LogSuccess("session established, forwarding 127.0.0.1:%d to the host", cfg.LocalPort)

	return tunnel.RunAsClient(ctx, c, cfg.LocalPort)
}

// newDialer opens a socket to the host over the configured transport. Each
// call runs a fresh /ws request, and a WebRTC signaling exchange when asked.
func newDialer(wsURL string, cfg config.Config, stats *util.Stats) session.Dialer {
	return session.DialerFunc(func(ctx context.Context) (protocol.Socket, error) {
		conn, err := signaling.Connect(ctx, wsURL)
		if err != nil {
			return nil, err
		}
		if cfg.Transport != signaling.TransportWebRTC {
			return socket.NewWebSocket(conn, stats), nil
		}

		peer, err := signaling.EstablishAsClient(ctx, conn, cfg.WebRTC(), stats)
		conn.Close()
		if err != nil {
			return nil, err
		}
		return peer.Socket(), nil
	})
}

func serveMetrics(addr string, rec *metrics.Recorder) (stop func()) {
	r := chi.NewRouter()
	r.Handle("/metrics", rec.Handler())
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("metrics server: %v", err)
		}
	}()
	util.LogInfo("serving metrics on http://%s/metrics", addr)
	return func() { srv.Close() }
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"
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

func hostCmd(cfg *config.Config) *cobra.Command {
	var lan bool

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Expose a local TCP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Role = config.RoleHost
			if lan && cfg.Listen == config.Default().Listen {
				cfg.Listen = ":0"
			}
			return runValidated(cmd.Context(), *cfg, runHost)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&cfg.TargetPort, "port", "p", 0, "Target port to forward (1~65535)")
	f.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address for /ws and /metrics")
	f.BoolVar(&lan, "lan", false, "Listen on all network interfaces")
	return cmd
}

// runHost serves /ws and /metrics and runs a tunnel for every session.
func runHost(ctx context.Context, cfg config.Config) error {
	stats := util.NewStats()
	rec := metrics.New(stats)
	est := load.NewEstimator(clock.Real())
	defer est.Stop()

	popts := cfg.ProtocolOptions()
	popts.Load = est
	popts.Recorder = rec
	sopts := cfg.SessionOptions(popts)
	sopts.Stats = stats

	srv := session.NewServer(sopts)
	defer srv.Close()
	rec.RegisterSessions(srv.Len)

	pin := signaling.GeneratePIN(4)
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/ws", signaling.NewHandler(pin, func(conn *websocket.Conn, tr signaling.Transport) {
		acceptConn(ctx, srv, conn, tr, cfg, stats)
	}))
	r.Handle("/metrics", rec.Handler())

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	httpSrv := &http.Server{Handler: r}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("HTTP server: %v", err)
		}
	}()
	defer httpSrv.Close()

	printHostBanner(ln.Addr().(*net.TCPAddr).Port, pin)
	util.StartStatsReporter(ctx, stats)

	target := fmt.Sprintf("127.0.0.1:%d", cfg.TargetPort)
	for {
		select {
		case sess := <-srv.Sessions():
			util.LogSuccess("session %s ready, forwarding traffic to %s", sess, target)
			go func() {
				if err := tunnel.RunAsHost(ctx, sess, target); err != nil {
					util.LogError("tunnel for session %s: %v", sess, err)
				}
				sess.Close()
			}()
		case <-ctx.Done():
			return nil
		}
	}
}

// acceptConn turns an upgraded /ws connection into a protocol socket and
// attaches it to a session. It runs on the request goroutine.
func acceptConn(ctx context.Context, srv *session.Server, conn *websocket.Conn, tr signaling.Transport, cfg config.Config, stats *util.Stats) {
	var sock protocol.Socket
	switch tr {
	case signaling.TransportWebRTC:
		peer, err := signaling.EstablishAsHost(ctx, conn, cfg.WebRTC(), stats)
		conn.Close()
		if err != nil {
			util.LogWarning("WebRTC signaling with %s failed: %v", conn.RemoteAddr(), err)
			return
		}
		sock = peer.Socket()
	default:
		sock = socket.NewWebSocket(conn, stats)
	}

	if err := srv.Accept(ctx, sock); err != nil {
		util.LogWarning("%v", err)
	}
}

func printHostBanner(port int, pin string) {
	pterm.DefaultBox.WithTitle("Signaling Server").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\n\nTip: forward this port (e.g. VS Code Port Forwarding)\nand give the URL and PIN to the client.", port, pin),
	)
	pterm.Println()
	util.LogInfo("waiting for clients...")
}

// Relink CLI entry point.
//
// The host exposes a local TCP service; the client forwards a local port to
// it. Traffic rides a persistent session that survives losing its WebSocket
// or WebRTC DataChannel: the client redials and nothing is lost or
// duplicated.
//
// Running without a subcommand starts the interactive prompts.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/relink/internal/config"
	"github.com/1ureka/relink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	rootCmd := &cobra.Command{
		Use:   "relink",
		Short: "Forward a TCP service over a reconnecting session",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cfg.Debug {
				util.EnableDebug()
			}
			pterm.Info.Printfln("Relink — v%s", version)
			pterm.Println()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindCommonFlags(rootCmd, &cfg)

	rootCmd.AddCommand(
		hostCmd(&cfg),
		clientCmd(&cfg),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully closed tunnel connection")
}

// bindCommonFlags registers the flags shared by every role.
func bindCommonFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.PersistentFlags()
	f.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	f.StringVar((*string)(&cfg.Transport), "transport", string(cfg.Transport), "Session transport: ws or webrtc")
	f.StringSliceVar(&cfg.STUNServers, "stun", cfg.STUNServers, "STUN servers for the webrtc transport")
	f.DurationVar(&cfg.AcknowledgeTime, "ack-time", cfg.AcknowledgeTime, "Delay before a standalone acknowledgement")
	f.DurationVar(&cfg.AcknowledgeTimeoutTime, "ack-timeout", cfg.AcknowledgeTimeoutTime, "Unacknowledged time before the socket is considered dead")
	f.DurationVar(&cfg.KeepAliveTime, "keepalive", cfg.KeepAliveTime, "Write idle time before a keep-alive")
	f.DurationVar(&cfg.KeepAliveTimeoutTime, "keepalive-timeout", cfg.KeepAliveTimeoutTime, "Read idle time before the socket is considered dead")
	f.DurationVar(&cfg.ReplayRequestThrottle, "replay-throttle", cfg.ReplayRequestThrottle, "Minimum interval between replay requests")
	f.DurationVar(&cfg.GraceTime, "grace", cfg.GraceTime, "How long a lost session waits for a reconnection")
	f.DurationVar(&cfg.ShortGraceTime, "dial-grace", cfg.ShortGraceTime, "How long a client keeps dialling an unreachable host at startup")
	f.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Session handshake timeout")
	f.IntVar(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "Largest accepted message body in bytes, -1 for no bound")
}

// runValidated validates cfg and runs fn with it.
func runValidated(ctx context.Context, cfg config.Config, fn func(context.Context, config.Config) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return fn(ctx, cfg)
}

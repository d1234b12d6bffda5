package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/relink/internal/config"
	"github.com/1ureka/relink/internal/signaling"
	"github.com/1ureka/relink/internal/util"
)

// runInteractive asks for the role and its parameters when no subcommand
// was given.
func runInteractive(ctx context.Context, cfg config.Config) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Expose a local service", "Client — Connect to a remote host"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		cfg.Role = config.RoleHost
		cfg.TargetPort = askPort("Target port to forward (1 ~ 65535)")
		return runValidated(ctx, cfg, runHost)
	}

	cfg.Role = config.RoleClient
	cfg.WSURL = askURL()
	cfg.PIN = askPIN()
	cfg.Transport = askTransport()
	cfg.LocalPort = askPort("Local port for virtual service (1 ~ 65535)")
	return runValidated(ctx, cfg, runClient)
}

// normalizeWSURL validates a raw host or URL and returns the /ws endpoint.
// Schemes other than ws and wss become wss.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %q", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

func askPIN() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("PIN shown by the host").
			Show()

		if pin := strings.TrimSpace(raw); pin != "" {
			pterm.Println()
			return pin
		}
		util.LogWarning("the PIN cannot be empty")
	}
}

func askTransport() signaling.Transport {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"WebSocket — through the host's URL", "WebRTC — direct peer-to-peer"}).
		WithDefaultText("Select the transport").
		Show()
	pterm.Println()

	if strings.HasPrefix(choice, "WebRTC") {
		return signaling.TransportWebRTC
	}
	return signaling.TransportWebSocket
}

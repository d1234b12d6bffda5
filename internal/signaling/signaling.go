// Package signaling runs the WebSocket-based signaling phase: PIN-checked
// access to the host's /ws endpoint and, for the WebRTC transport, the
// SDP/ICE exchange. Callers receive a Peer whose DataChannel is open.
package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/relink/internal/util"
	rtc "github.com/1ureka/relink/internal/webrtc"
)

// EstablishAsHost executes the host-side exchange over an accepted wsConn:
//  1. Create a Peer
//  2. Send the Offer and trickle ICE candidates
//  3. Apply the Answer and the client's candidates
//  4. Return the Peer once its DataChannel is open
//
// The caller closes wsConn afterwards.
func EstablishAsHost(ctx context.Context, wsConn *websocket.Conn, cfg rtc.Config, stats *util.Stats) (*rtc.Peer, error) {
	return establish(ctx, wsConn, cfg, stats, true)
}

// EstablishAsClient executes the client-side exchange over wsConn: it waits
// for the Offer, answers it and returns the Peer once its DataChannel is
// open. The caller closes wsConn afterwards.
func EstablishAsClient(ctx context.Context, wsConn *websocket.Conn, cfg rtc.Config, stats *util.Stats) (*rtc.Peer, error) {
	return establish(ctx, wsConn, cfg, stats, false)
}

// settleTimeout is how long a peer may still open after the WS ended.
const settleTimeout = 5 * time.Second

func establish(ctx context.Context, wsConn *websocket.Conn, cfg rtc.Config, stats *util.Stats, offerer bool) (*rtc.Peer, error) {
	peer, err := rtc.NewPeer(ctx, cfg, stats)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer: %w", err)
	}

	out := newOutbox(wsConn)
	r := &receiver{peer: peer, conn: wsConn, out: out}

	peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			out.candidate(c.ToJSON())
		}
	})

	// Receiver loop; exits when wsConn is closed by the caller.
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	// The host sends the Offer first.
	if offerer {
		if err := offer(peer, out); err != nil {
			peer.Close()
			return nil, fmt.Errorf("failed to send Offer: %w", err)
		}
	}

	select {
	case <-peer.Ready():
		util.Logf("WebRTC DataChannel established")
		return peer, nil

	case err := <-errCh:
		// The other side closes the WS once its channel is open; ours may
		// open a moment later.
		select {
		case <-peer.Ready():
			return peer, nil
		case <-time.After(settleTimeout):
		case <-ctx.Done():
		}
		peer.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		peer.Close()
		return nil, ctx.Err()
	}
}

func offer(peer *rtc.Peer, out *outbox) error {
	o, err := peer.CreateOffer()
	if err != nil {
		return err
	}
	if err := peer.SetLocalDescription(o); err != nil {
		return err
	}
	return out.describe(o)
}

// Package session turns Persistent protocols into long-lived sessions that
// outlive their sockets.
//
// A client opens a socket and sends a hello control message; the server
// answers with a session token. When the socket is lost the client dials a
// new one and presents the token, and the server moves the existing session
// onto it. Sessions whose socket stays gone past the grace time are closed.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/relink/internal/clock"
	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/util"
)

var (
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrUnknownSession   = errors.New("unknown session")
	ErrRejected         = errors.New("handshake rejected")
	ErrSocketClosed     = errors.New("socket closed during handshake")
	ErrGraceExpired     = errors.New("reconnection grace time elapsed")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrServerClosed     = errors.New("server closed")
)

type handshakeType string

const (
	handshakeHello handshakeType = "hello"
	handshakeOK    handshakeType = "ok"
	handshakeError handshakeType = "error"
)

// handshake is the JSON body of the control messages exchanged when a socket
// is attached to a session.
type handshake struct {
	Type      handshakeType `json:"type"`
	Token     string        `json:"token,omitempty"`
	Reconnect bool          `json:"reconnect,omitempty"`
	Message   string        `json:"message,omitempty"`
}

func (h handshake) encode() []byte {
	b, _ := json.Marshal(h)
	return b
}

func decodeHandshake(b []byte) (handshake, error) {
	var h handshake
	if err := json.Unmarshal(b, &h); err != nil {
		return h, fmt.Errorf("invalid handshake: %w", err)
	}
	switch h.Type {
	case handshakeHello, handshakeOK, handshakeError:
		return h, nil
	default:
		return h, fmt.Errorf("invalid handshake type %q", h.Type)
	}
}

// handshakeWaiter collects handshake control messages and the socket close
// of one protocol instance.
type handshakeWaiter struct {
	msgs   chan handshake
	closed chan struct{}
	unsubs []func()
}

func newHandshakeWaiter(p *protocol.Persistent) *handshakeWaiter {
	w := &handshakeWaiter{
		msgs:   make(chan handshake, 4),
		closed: make(chan struct{}, 1),
	}
	w.unsubs = append(w.unsubs,
		p.OnControlMessage(func(b []byte) {
			h, err := decodeHandshake(b)
			if err != nil {
				util.Logf("dropping control message: %v", err)
				return
			}
			select {
			case w.msgs <- h:
			default:
			}
		}),
		p.OnSocketClose(func(protocol.CloseEvent) {
			select {
			case w.closed <- struct{}{}:
			default:
			}
		}),
	)
	return w
}

// drain drops messages left over from an earlier attempt.
func (w *handshakeWaiter) drain() {
	for {
		select {
		case <-w.msgs:
		case <-w.closed:
		default:
			return
		}
	}
}

// wait returns the next handshake message. It fails when timeout passes on
// clk, the socket closes or ctx is done.
func (w *handshakeWaiter) wait(ctx context.Context, clk clock.Clock, timeout time.Duration) (handshake, error) {
	expired := make(chan struct{})
	t := clk.AfterFunc(timeout, func() { close(expired) })
	defer t.Stop()

	select {
	case h := <-w.msgs:
		return h, nil
	case <-w.closed:
		return handshake{}, ErrSocketClosed
	case <-expired:
		return handshake{}, ErrHandshakeTimeout
	case <-ctx.Done():
		return handshake{}, ctx.Err()
	}
}

func (w *handshakeWaiter) stop() {
	for _, u := range w.unsubs {
		u()
	}
}

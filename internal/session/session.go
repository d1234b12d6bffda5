package session

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/relink/internal/clock"
	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/util"
)

// Session is the server side of one client's Persistent protocol. It lives
// across reconnections and ends on a peer Disconnect, on Close or when the
// grace time passes without a reconnection.
type Session struct {
	token string
	proto *protocol.Persistent
	srv   *Server
	clk   clock.Clock
	grace time.Duration

	mu         sync.Mutex
	graceTimer clock.Timer
	err        error
	closed     bool
	done       chan struct{}
}

func newSession(srv *Server, token string, p *protocol.Persistent) *Session {
	s := &Session{
		token: token,
		proto: p,
		srv:   srv,
		clk:   srv.clk,
		grace: srv.opts.GraceTime,
		done:  make(chan struct{}),
	}
	p.OnSocketClose(func(e protocol.CloseEvent) { s.socketLost(e.String()) })
	p.OnSocketTimeout(func() {
		s.socketLost("timed out")
		p.Socket().Close()
	})
	p.OnDidDispose(func() { s.terminate(ErrPeerDisconnected) })
	p.OnControlMessage(func(b []byte) {
		util.Logf("session %s: ignoring control message %q", s, b)
	})
	return s
}

func (s *Session) String() string {
	if len(s.token) > 8 {
		return s.token[:8]
	}
	return s.token
}

// Token identifies the session across reconnections.
func (s *Session) Token() string { return s.token }

// Protocol exposes the underlying protocol, mostly for diagnostics.
func (s *Session) Protocol() *protocol.Persistent { return s.proto }

// Send queues data for the peer. It is delivered exactly once and in order
// as long as the session lives.
func (s *Session) Send(data []byte) { s.proto.Send(data) }

// OnMessage subscribes to data from the peer.
func (s *Session) OnMessage(fn func([]byte)) (unsubscribe func()) {
	return s.proto.OnMessage(fn)
}

// Drain waits until queued data was handed to the network.
func (s *Session) Drain(ctx context.Context) error { return s.proto.Drain(ctx) }

// Done is closed when the session ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, nil if it is live or was closed
// locally.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tells the peer the session is over and releases it.
func (s *Session) Close() {
	s.proto.SendDisconnect()
	s.terminate(nil)
}

func (s *Session) socketLost(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.graceTimer != nil {
		return
	}
	util.LogWarning("session %s: socket %s, waiting up to %v for the peer", s, reason, s.grace)
	s.graceTimer = s.clk.AfterFunc(s.grace, func() { s.terminate(ErrGraceExpired) })
}

func (s *Session) reconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

func (s *Session) terminate(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.mu.Unlock()

	// closed first: a socket whose peer stopped reading would block the
	// final flush
	if sock := s.proto.Socket(); sock != nil {
		sock.Close()
	}
	s.proto.Dispose()
	s.srv.remove(s.token)
	close(s.done)

	if err != nil {
		util.LogWarning("session %s ended: %v", s, err)
	} else {
		util.LogInfo("session %s closed", s)
	}
}

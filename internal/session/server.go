package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/relink/internal/clock"
	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/util"
)

// Server attaches accepted sockets to sessions: a fresh hello opens a new
// session, a hello carrying a known token moves that session onto the
// socket.
type Server struct {
	opts Options
	clk  clock.Clock

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	incoming chan *Session
	done     chan struct{}
}

func NewServer(opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:     opts,
		clk:      opts.Protocol.Clock,
		sessions: make(map[string]*Session),
		incoming: make(chan *Session, 16),
		done:     make(chan struct{}),
	}
}

// Sessions yields every newly established session. Reconnections are not
// reported here.
func (s *Server) Sessions() <-chan *Session { return s.incoming }

// Len returns the number of live sessions.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Accept runs the handshake on sock. It returns once the socket is attached
// to a session or the handshake failed, in which case sock is closed.
func (s *Server) Accept(ctx context.Context, sock protocol.Socket) error {
	tmp := protocol.NewPersistent(sock, nil, s.opts.protocolOptions("handshake "+sock.String()))
	w := newHandshakeWaiter(tmp)
	h, err := w.wait(ctx, s.clk, s.opts.HandshakeTimeout)
	w.stop()

	if err == nil && h.Type != handshakeHello {
		err = fmt.Errorf("%w: expected hello, got %s", ErrRejected, h.Type)
	}
	if err != nil {
		tmp.Dispose()
		sock.Close()
		return fmt.Errorf("accept %s: %w", sock, err)
	}

	if !h.Reconnect {
		return s.open(ctx, tmp)
	}

	existing := s.lookup(h.Token)
	if existing == nil {
		util.LogWarning("rejecting reconnection from %s: unknown session %q", sock, h.Token)
		tmp.SendControl(handshake{Type: handshakeError, Message: ErrUnknownSession.Error()}.encode())
		tmp.Dispose()
		sock.Close()
		return fmt.Errorf("accept %s: %w", sock, ErrUnknownSession)
	}

	// The temporary protocol must stop reading before its leftovers are
	// taken, or chunks arriving in between are lost.
	tmp.Dispose()
	return s.resume(existing, sock, tmp.ReadEntireBuffer())
}

// resume moves existing onto sock. The session may have ended since it was
// looked up; sock is closed then.
func (s *Server) resume(existing *Session, sock protocol.Socket, rest []byte) error {
	if !existing.proto.BeginAcceptReconnection(sock, rest) {
		util.LogWarning("rejecting reconnection from %s: session %s already ended", sock, existing)
		sock.Close()
		return fmt.Errorf("accept %s: %w", sock, ErrUnknownSession)
	}
	existing.proto.SendControl(handshake{Type: handshakeOK, Token: existing.token}.encode())
	existing.proto.EndAcceptReconnection()
	existing.reconnected()
	util.LogSuccess("session %s resumed on %s", existing, sock)
	return nil
}

func (s *Server) open(ctx context.Context, p *protocol.Persistent) error {
	token := uuid.NewString()
	sess := newSession(s, token, p)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.terminate(ErrServerClosed)
		return ErrServerClosed
	}
	s.sessions[token] = sess
	s.mu.Unlock()

	p.SendControl(handshake{Type: handshakeOK, Token: token}.encode())
	if s.opts.Stats != nil {
		s.opts.Stats.AddSession()
	}
	util.LogSuccess("session %s established on %s", sess, p.Socket())

	select {
	case s.incoming <- sess:
		return nil
	case <-ctx.Done():
		sess.Close()
		return ctx.Err()
	case <-s.done:
		return ErrServerClosed
	}
}

func (s *Server) lookup(token string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[token]
}

func (s *Server) remove(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Close ends every session with a Disconnect and stops accepting new ones.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	for _, sess := range all {
		sess.Close()
	}
}

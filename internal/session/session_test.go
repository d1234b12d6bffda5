package session

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/socket"
	"github.com/1ureka/relink/internal/util"
)

const waitTimeout = 3 * time.Second

func testOptions() Options {
	return Options{
		HandshakeTimeout: time.Second,
		Backoff:          []time.Duration{0, 20 * time.Millisecond},
	}
}

// pipeDialer connects every Dial to srv through a new net.Pipe and keeps the
// server ends so tests can cut them.
type pipeDialer struct {
	srv *Server

	mu      sync.Mutex
	remotes []net.Conn
	errs    chan error
}

func newPipeDialer(srv *Server) *pipeDialer {
	return &pipeDialer{srv: srv, errs: make(chan error, 16)}
}

func (d *pipeDialer) Dial(ctx context.Context) (protocol.Socket, error) {
	a, b := net.Pipe()
	d.mu.Lock()
	d.remotes = append(d.remotes, b)
	d.mu.Unlock()
	go func() { d.errs <- d.srv.Accept(context.Background(), socket.NewConn(b, nil)) }()
	return socket.NewConn(a, nil), nil
}

func (d *pipeDialer) cut(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remotes[i].Close()
}

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (in *inbox) add(b []byte) {
	in.mu.Lock()
	in.msgs = append(in.msgs, string(b))
	in.mu.Unlock()
}

func (in *inbox) get() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.msgs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, what string, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func nextSession(t *testing.T, srv *Server) *Session {
	t.Helper()
	select {
	case s := <-srv.Sessions():
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a session")
		return nil
	}
}

// rawHello runs a handshake by hand over one pipe and returns the reply.
func rawHello(t *testing.T, srv *Server, h handshake) (handshake, net.Conn, <-chan error) {
	t.Helper()
	a, b := net.Pipe()
	accepted := make(chan error, 1)
	go func() { accepted <- srv.Accept(context.Background(), socket.NewConn(b, nil)) }()

	p := protocol.NewPersistent(socket.NewConn(a, nil), nil, protocol.Options{Name: "raw"})
	t.Cleanup(p.Dispose)
	w := newHandshakeWaiter(p)
	p.SendControl(h.encode())

	reply, err := w.wait(context.Background(), srv.clk, waitTimeout)
	if err != nil {
		t.Fatalf("waiting for the handshake reply: %v", err)
	}
	return reply, a, accepted
}

func TestHandshakeDecode(t *testing.T) {
	h, err := decodeHandshake(handshake{Type: handshakeHello, Token: "t", Reconnect: true}.encode())
	if err != nil || h.Token != "t" || !h.Reconnect {
		t.Fatalf("decode = %+v, %v", h, err)
	}
	if _, err := decodeHandshake([]byte(`{"type":"bogus"}`)); err == nil {
		t.Error("accepted an unknown type")
	}
	if _, err := decodeHandshake([]byte("not json")); err == nil {
		t.Error("accepted garbage")
	}
}

func TestSessionExchange(t *testing.T) {
	stats := util.NewStats()
	opts := testOptions()
	opts.Stats = stats
	srv := NewServer(opts)
	defer srv.Close()

	c, err := Dial(context.Background(), newPipeDialer(srv), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	sess := nextSession(t, srv)

	if c.Token() == "" || c.Token() != sess.Token() {
		t.Fatalf("tokens differ: client %q, server %q", c.Token(), sess.Token())
	}

	var atServer, atClient inbox
	sess.OnMessage(atServer.add)
	c.OnMessage(atClient.add)

	c.Send([]byte("ping"))
	sess.Send([]byte("pong"))

	waitFor(t, "ping", func() bool { return len(atServer.get()) == 1 })
	waitFor(t, "pong", func() bool { return len(atClient.get()) == 1 })
	if atServer.get()[0] != "ping" || atClient.get()[0] != "pong" {
		t.Errorf("server got %v, client got %v", atServer.get(), atClient.get())
	}
	if srv.Len() != 1 || stats.Sessions.Load() != 1 {
		t.Errorf("Len = %d, sessions = %d, want 1 and 1", srv.Len(), stats.Sessions.Load())
	}
}

// TestSessionSurvivesReconnection cuts the socket under a live session and
// expects every message exactly once, in order, on the redialled socket.
func TestSessionSurvivesReconnection(t *testing.T) {
	srv := NewServer(testOptions())
	defer srv.Close()
	d := newPipeDialer(srv)

	c, err := Dial(context.Background(), d, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	sess := nextSession(t, srv)

	var atServer, atClient inbox
	sess.OnMessage(atServer.add)
	c.OnMessage(atClient.add)

	c.Send([]byte("1"))
	c.Send([]byte("2"))
	waitFor(t, "first messages", func() bool { return len(atServer.get()) == 2 })

	d.cut(0)
	c.Send([]byte("3"))
	sess.Send([]byte("back"))

	waitFor(t, "message after reconnection", func() bool { return len(atServer.get()) == 3 })
	waitFor(t, "reply after reconnection", func() bool { return len(atClient.get()) == 1 })

	if want := []string{"1", "2", "3"}; !reflect.DeepEqual(atServer.get(), want) {
		t.Errorf("server received %v, want %v", atServer.get(), want)
	}
	if atClient.get()[0] != "back" {
		t.Errorf("client received %v", atClient.get())
	}
	select {
	case <-sess.Done():
		t.Fatalf("session ended: %v", sess.Err())
	default:
	}
	if err := <-d.errs; err != nil {
		t.Errorf("first Accept = %v", err)
	}
	if err := <-d.errs; err != nil {
		t.Errorf("reconnection Accept = %v", err)
	}
}

func TestUnknownTokenRejected(t *testing.T) {
	srv := NewServer(testOptions())
	defer srv.Close()

	reply, _, accepted := rawHello(t, srv, handshake{Type: handshakeHello, Token: "nope", Reconnect: true})
	if reply.Type != handshakeError {
		t.Errorf("reply = %+v, want an error", reply)
	}
	if err := <-accepted; !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Accept = %v, want %v", err, ErrUnknownSession)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	opts := testOptions()
	opts.HandshakeTimeout = 50 * time.Millisecond
	srv := NewServer(opts)
	defer srv.Close()

	a, b := net.Pipe()
	defer a.Close()
	err := srv.Accept(context.Background(), socket.NewConn(b, nil))
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("Accept = %v, want %v", err, ErrHandshakeTimeout)
	}
}

// TestGraceTimeExpires ends a session whose peer never comes back.
func TestGraceTimeExpires(t *testing.T) {
	opts := testOptions()
	opts.GraceTime = 50 * time.Millisecond
	srv := NewServer(opts)
	defer srv.Close()

	reply, conn, _ := rawHello(t, srv, handshake{Type: handshakeHello})
	if reply.Type != handshakeOK || reply.Token == "" {
		t.Fatalf("reply = %+v, want ok with a token", reply)
	}
	sess := nextSession(t, srv)

	conn.Close()
	waitDone(t, "grace expiry", sess.Done())
	if !errors.Is(sess.Err(), ErrGraceExpired) {
		t.Errorf("Err = %v, want %v", sess.Err(), ErrGraceExpired)
	}
	if srv.Len() != 0 {
		t.Errorf("Len = %d after expiry", srv.Len())
	}
}

func TestClientCloseEndsSession(t *testing.T) {
	srv := NewServer(testOptions())
	defer srv.Close()

	c, err := Dial(context.Background(), newPipeDialer(srv), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	sess := nextSession(t, srv)

	c.Close()
	waitDone(t, "server session end", sess.Done())
	if !errors.Is(sess.Err(), ErrPeerDisconnected) {
		t.Errorf("session Err = %v, want %v", sess.Err(), ErrPeerDisconnected)
	}
	if c.Err() != nil {
		t.Errorf("client Err = %v after Close", c.Err())
	}
}

func TestServerCloseDisconnectsClients(t *testing.T) {
	srv := NewServer(testOptions())
	c, err := Dial(context.Background(), newPipeDialer(srv), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	nextSession(t, srv)

	reasons := make(chan error, 1)
	c.OnDisconnect(func(err error) { reasons <- err })

	srv.Close()
	waitDone(t, "client end", c.Done())
	if err := <-reasons; !errors.Is(err, ErrPeerDisconnected) {
		t.Errorf("OnDisconnect = %v, want %v", err, ErrPeerDisconnected)
	}
}

func TestDialGivesUp(t *testing.T) {
	refused := errors.New("connection refused")
	var attempts int
	d := DialerFunc(func(context.Context) (protocol.Socket, error) {
		attempts++
		return nil, refused
	})

	opts := testOptions()
	opts.ShortGraceTime = 60 * time.Millisecond
	_, err := Dial(context.Background(), d, opts)
	if !errors.Is(err, refused) {
		t.Fatalf("Dial = %v, want %v", err, refused)
	}
	if attempts < 2 {
		t.Errorf("dialled %d times, want retries", attempts)
	}
}

// TestResumeEndedSession rejects a reconnection racing the end of its
// session and closes the new socket.
func TestResumeEndedSession(t *testing.T) {
	srv := NewServer(testOptions())
	defer srv.Close()

	reply, _, _ := rawHello(t, srv, handshake{Type: handshakeHello})
	if reply.Type != handshakeOK {
		t.Fatalf("reply = %+v, want ok", reply)
	}
	sess := nextSession(t, srv)
	sess.Close()
	waitDone(t, "session end", sess.Done())

	a, b := net.Pipe()
	defer a.Close()
	err := srv.resume(sess, socket.NewConn(b, nil), nil)
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("resume = %v, want %v", err, ErrUnknownSession)
	}

	a.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := a.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("read on the rejected socket = %v, want EOF", err)
	}
}

package protocol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/relink/internal/clock"
	"github.com/1ureka/relink/internal/event"
)

var errMockClosed = errors.New("mock socket closed")

// Compile-time interface check.
var _ Socket = (*mockSocket)(nil)

// mockSocket is an in-memory Socket. Writes are recorded and, unless the
// socket drops them, delivered synchronously to the linked peer's OnData.
// Data fired before a subscriber exists is buffered like a real adapter does.
type mockSocket struct {
	name string

	mu      sync.Mutex
	peer    *mockSocket
	drop    bool
	closed  bool
	ended   bool
	written [][]byte

	data  event.Buffered[[]byte]
	close event.Buffered[CloseEvent]
}

// mockSocketPair returns two linked sockets.
func mockSocketPair(a, b string) (*mockSocket, *mockSocket) {
	sa := &mockSocket{name: a}
	sb := &mockSocket{name: b}
	sa.peer = sb
	sb.peer = sa
	return sa, sb
}

func (s *mockSocket) OnData(fn func([]byte)) func()      { return s.data.Subscribe(fn) }
func (s *mockSocket) OnClose(fn func(CloseEvent)) func() { return s.close.Subscribe(fn) }

func (s *mockSocket) Write(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errMockClosed
	}
	cp := append([]byte(nil), p...)
	s.written = append(s.written, cp)
	peer, drop := s.peer, s.drop
	s.mu.Unlock()

	if peer != nil && !drop {
		peer.data.Fire(cp)
	}
	return nil
}

func (s *mockSocket) End() error {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	return nil
}

func (s *mockSocket) Drain(ctx context.Context) error { return ctx.Err() }

func (s *mockSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.close.Fire(CloseEvent{})
	return nil
}

func (s *mockSocket) String() string { return s.name }

func (s *mockSocket) setDrop(drop bool) {
	s.mu.Lock()
	s.drop = drop
	s.mu.Unlock()
}

func (s *mockSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// inject delivers msg to whoever reads s, as if the peer had written it.
func (s *mockSocket) inject(msg *Message) {
	s.data.Fire(Encode(msg))
}

// sent decodes everything written to s so far.
func (s *mockSocket) sent(t *testing.T) []*Message {
	t.Helper()
	s.mu.Lock()
	chunks := append([][]byte(nil), s.written...)
	s.mu.Unlock()

	dec := NewDecoder(0)
	for _, c := range chunks {
		dec.Write(c)
	}
	var out []*Message
	for {
		msg, err := dec.Next()
		if err != nil {
			t.Fatalf("decoding written bytes: %v", err)
		}
		if msg == nil {
			return out
		}
		out = append(out, msg)
	}
}

// sentOfType filters sent by message type.
func (s *mockSocket) sentOfType(t *testing.T, typ MessageType) []*Message {
	t.Helper()
	var out []*Message
	for _, m := range s.sent(t) {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// manualScheduler queues scheduled flushes until run is called.
type manualScheduler struct {
	mu    sync.Mutex
	queue []func()
}

func (m *manualScheduler) Schedule(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

// run executes scheduled work, including work scheduled meanwhile, until
// nothing is left.
func (m *manualScheduler) run() {
	for {
		m.mu.Lock()
		q := m.queue
		m.queue = nil
		m.mu.Unlock()
		if len(q) == 0 {
			return
		}
		for _, fn := range q {
			fn()
		}
	}
}

// mockLoad is a LoadMonitor switched by the test.
type mockLoad struct{ high atomic.Bool }

func (l *mockLoad) HasHighLoad() bool { return l.high.Load() }

// mockRecorder counts what the protocol reports.
type mockRecorder struct {
	mu          sync.Mutex
	written     map[MessageType]int
	read        map[MessageType]int
	retransmits int
	replays     int
	timeouts    []string
	reconnects  int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{written: map[MessageType]int{}, read: map[MessageType]int{}}
}

func (r *mockRecorder) MessageWritten(t MessageType, _ int) {
	r.mu.Lock()
	r.written[t]++
	r.mu.Unlock()
}

func (r *mockRecorder) MessageRead(t MessageType, _ int) {
	r.mu.Lock()
	r.read[t]++
	r.mu.Unlock()
}

func (r *mockRecorder) Retransmitted(n int) {
	r.mu.Lock()
	r.retransmits += n
	r.mu.Unlock()
}

func (r *mockRecorder) ReplayRequested() {
	r.mu.Lock()
	r.replays++
	r.mu.Unlock()
}

func (r *mockRecorder) SocketTimeout(kind string) {
	r.mu.Lock()
	r.timeouts = append(r.timeouts, kind)
	r.mu.Unlock()
}

func (r *mockRecorder) Reconnected() {
	r.mu.Lock()
	r.reconnects++
	r.mu.Unlock()
}

type recorderSnapshot struct {
	retransmits int
	replays     int
	timeouts    []string
	reconnects  int
}

func (r *mockRecorder) snapshot() recorderSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorderSnapshot{
		retransmits: r.retransmits,
		replays:     r.replays,
		timeouts:    append([]string(nil), r.timeouts...),
		reconnects:  r.reconnects,
	}
}

// testEnv bundles the deterministic collaborators of a protocol under test.
type testEnv struct {
	clk   *clock.Fake
	sched *manualScheduler
	load  *mockLoad
	rec   *mockRecorder
}

func newTestEnv() *testEnv {
	return &testEnv{
		clk:   clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		sched: &manualScheduler{},
		load:  &mockLoad{},
		rec:   newMockRecorder(),
	}
}

func (e *testEnv) options(name string) Options {
	return Options{
		Clock:     e.clk,
		Load:      e.load,
		Scheduler: e.sched,
		Recorder:  e.rec,
		Name:      name,
	}
}

// collector gathers payloads delivered to a listener.
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) add(b []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(b))
	c.mu.Unlock()
}

func (c *collector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

// stalledSocket never completes a write until it is closed, like a
// connection whose peer stopped reading. writing is signalled when a Write
// starts blocking.
type stalledSocket struct {
	mockSocket
	writing chan struct{}
	unblock chan struct{}
	once    sync.Once
}

func newStalledSocket(name string) *stalledSocket {
	return &stalledSocket{
		mockSocket: mockSocket{name: name},
		writing:    make(chan struct{}, 1),
		unblock:    make(chan struct{}),
	}
}

func (s *stalledSocket) Write(p []byte) error {
	select {
	case s.writing <- struct{}{}:
	default:
	}
	<-s.unblock
	return errMockClosed
}

func (s *stalledSocket) Close() error {
	s.once.Do(func() { close(s.unblock) })
	return s.mockSocket.Close()
}

// returnsWithin fails the test when fn does not return within d.
func returnsWithin(t *testing.T, what string, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s did not return within %v", what, d)
	}
}

package protocol

import (
	"context"
	"sync"

	"github.com/1ureka/relink/internal/event"
	"github.com/1ureka/relink/internal/util"
)

// Simple pairs one Reader and one Writer over a socket and adds nothing
// else: no ids, no acknowledgements, no retransmission. Use it where the
// transport underneath is already lossless and only framing is needed.
type Simple struct {
	opts   Options
	sock   Socket
	writer *Writer
	reader *Reader

	mu     sync.Mutex
	unsubs []func()

	onMessage    event.Buffered[[]byte]
	onDidDispose event.Buffered[struct{}]

	disposeOnce sync.Once
}

// NewSimple starts reading from sock immediately.
func NewSimple(sock Socket, opts Options) *Simple {
	opts = opts.withDefaults()
	s := &Simple{opts: opts, sock: sock}
	s.writer = NewWriter(sock, opts.Clock, opts.Scheduler, opts.Recorder)
	s.reader = NewReader(opts.Clock, opts.Recorder, opts.MaxMessageSize, s.receive, s.readFailed)

	unsubClose := sock.OnClose(func(CloseEvent) { s.onDidDispose.Fire(struct{}{}) })
	unsubData := sock.OnData(s.reader.AcceptChunk)

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubData, unsubClose)
	s.mu.Unlock()
	return s
}

func (s *Simple) receive(msg *Message) {
	if msg.Type == TypeRegular {
		s.onMessage.Fire(msg.Data)
	}
}

func (s *Simple) readFailed(err error) {
	util.LogWarning("%s: %s: %v", s.opts.Name, s.sock, err)
	s.onDidDispose.Fire(struct{}{})
}

// OnMessage subscribes to incoming Regular payloads.
func (s *Simple) OnMessage(fn func([]byte)) (unsubscribe func()) {
	return s.onMessage.Subscribe(fn)
}

// OnDidDispose fires when the socket closes or the stream is corrupt.
func (s *Simple) OnDidDispose(fn func()) (unsubscribe func()) {
	return s.onDidDispose.Subscribe(func(struct{}) { fn() })
}

// Send writes data as an untracked Regular message.
func (s *Simple) Send(data []byte) {
	s.writer.Write(&Message{Type: TypeRegular, Data: data})
}

// SendDisconnect is a no-op; Simple has no session to terminate.
func (s *Simple) SendDisconnect() {}

// Drain flushes and waits for the socket to drain.
func (s *Simple) Drain(ctx context.Context) error {
	return s.writer.Drain(ctx)
}

// Socket returns the underlying socket.
func (s *Simple) Socket() Socket { return s.sock }

// Dispose stops reading and flushes pending writes. The socket stays open.
func (s *Simple) Dispose() {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		unsubs := s.unsubs
		s.unsubs = nil
		s.mu.Unlock()

		for _, u := range unsubs {
			u()
		}
		s.reader.Dispose()
		s.writer.Dispose()
	})
}

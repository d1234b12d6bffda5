package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/relink/internal/event"
	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/util"
)

// closeWriteWait bounds how long End waits to send the close frame.
const closeWriteWait = time.Second

// Compile-time interface check.
var _ protocol.Socket = (*WebSocket)(nil)

// WebSocket is a protocol.Socket over a gorilla connection. Every Write is
// one binary frame. Pings are not used: liveness is the protocol's job.
type WebSocket struct {
	conn *websocket.Conn
	id   uint32

	readOnce  sync.Once
	closeOnce sync.Once
	writeMu   sync.Mutex

	data  event.Buffered[[]byte]
	close event.Buffered[protocol.CloseEvent]

	stats *util.Stats
}

// NewWebSocket wraps conn. stats may be nil.
func NewWebSocket(conn *websocket.Conn, stats *util.Stats) *WebSocket {
	return &WebSocket{
		conn:  conn,
		id:    util.SocketIDFromAddrs(conn.LocalAddr(), conn.RemoteAddr()),
		stats: stats,
	}
}

// OnData subscribes to incoming frames and starts the read loop.
func (s *WebSocket) OnData(fn func([]byte)) func() {
	unsub := s.data.Subscribe(fn)
	s.readOnce.Do(func() { go s.readLoop() })
	return unsub
}

// OnClose subscribes to the close notification.
func (s *WebSocket) OnClose(fn func(protocol.CloseEvent)) func() {
	return s.close.Subscribe(fn)
}

func (s *WebSocket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fireClose(closeEventFromError(err))
			return
		}
		if len(data) == 0 {
			continue
		}
		if s.stats != nil {
			s.stats.AddRecv(len(data))
		}
		s.data.Fire(data)
	}
}

// closeEventFromError maps a read error to a CloseEvent. A normal close
// frame, and our own Close, are clean.
func closeEventFromError(err error) protocol.CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		e := protocol.CloseEvent{Code: ce.Code, Reason: ce.Text}
		if ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.CloseGoingAway {
			e.Err = err
		}
		return e
	}
	if errors.Is(err, net.ErrClosed) {
		return protocol.CloseEvent{}
	}
	return protocol.CloseEvent{Err: err}
}

func (s *WebSocket) fireClose(e protocol.CloseEvent) {
	s.closeOnce.Do(func() {
		util.Logf("%s %s", s, e)
		s.close.Fire(e)
	})
}

// Write sends p as one binary frame.
func (s *WebSocket) Write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	if s.stats != nil {
		s.stats.AddSent(len(p))
	}
	return nil
}

// End sends a normal close frame; the peer answers by closing.
func (s *WebSocket) End() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
}

// Drain returns at once: gorilla writes are synchronous.
func (s *WebSocket) Drain(ctx context.Context) error {
	return ctx.Err()
}

// Close closes the underlying connection without a close frame.
func (s *WebSocket) Close() error {
	err := s.conn.Close()
	started := true
	s.readOnce.Do(func() { started = false })
	if !started {
		s.fireClose(protocol.CloseEvent{})
	}
	return err
}

func (s *WebSocket) String() string {
	return fmt.Sprintf("%s ws %s", util.ShortTag(s.id), s.conn.RemoteAddr())
}

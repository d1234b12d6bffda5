// Package socket adapts byte transports to protocol.Socket.
//
// Every adapter starts reading lazily, on the first OnData subscription, and
// keeps what it reads in an event.Buffered until somebody listens, so a
// socket can change hands between protocol instances without losing bytes.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/1ureka/relink/internal/event"
	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/util"
)

// readBufferSize is the size of a single read from the underlying conn.
const readBufferSize = 32 * 1024

// Compile-time interface check.
var _ protocol.Socket = (*Conn)(nil)

// Conn is a protocol.Socket over a net.Conn (TCP, net.Pipe, ...).
type Conn struct {
	conn net.Conn
	id   uint32

	readOnce  sync.Once
	closeOnce sync.Once
	writeMu   sync.Mutex

	data  event.Buffered[[]byte]
	close event.Buffered[protocol.CloseEvent]

	stats *util.Stats
}

// NewConn wraps conn. stats may be nil.
func NewConn(conn net.Conn, stats *util.Stats) *Conn {
	return &Conn{
		conn:  conn,
		id:    util.SocketIDFromConn(conn),
		stats: stats,
	}
}

// OnData subscribes to incoming chunks and starts the read loop.
func (c *Conn) OnData(fn func([]byte)) func() {
	unsub := c.data.Subscribe(fn)
	c.readOnce.Do(func() { go c.readLoop() })
	return unsub
}

// OnClose subscribes to the close notification.
func (c *Conn) OnClose(fn func(protocol.CloseEvent)) func() {
	return c.close.Subscribe(fn)
}

// readLoop uses a blocking Read; Close unblocks it.
func (c *Conn) readLoop() {
	for {
		buf := make([]byte, readBufferSize)
		n, err := c.conn.Read(buf)
		if n > 0 {
			if c.stats != nil {
				c.stats.AddRecv(n)
			}
			c.data.Fire(buf[:n:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				c.fireClose(protocol.CloseEvent{})
			} else {
				c.fireClose(protocol.CloseEvent{Err: err})
			}
			return
		}
	}
}

func (c *Conn) fireClose(e protocol.CloseEvent) {
	c.closeOnce.Do(func() {
		util.Logf("%s %s", c, e)
		c.close.Fire(e)
	})
}

// Write writes p fully.
func (c *Conn) Write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := c.conn.Write(p)
	if c.stats != nil && n > 0 {
		c.stats.AddSent(n)
	}
	if err != nil {
		return fmt.Errorf("socket write: %w", err)
	}
	return nil
}

// End half-closes the write side when the conn supports it, otherwise it
// closes the conn.
func (c *Conn) End() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// Drain returns at once: net.Conn writes are synchronous.
func (c *Conn) Drain(ctx context.Context) error {
	return ctx.Err()
}

// Close closes the conn. If the read loop never ran the close event is
// fired here.
func (c *Conn) Close() error {
	err := c.conn.Close()
	started := true
	c.readOnce.Do(func() { started = false })
	if !started {
		c.fireClose(protocol.CloseEvent{})
	}
	return err
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s tcp %s", util.ShortTag(c.id), c.conn.RemoteAddr())
}

package tunnel

import (
	"context"
	"net"
	"sync"

	"github.com/1ureka/relink/internal/util"
)

// Tuning constants.
const (
	maxPayloadSize  = 16 * 1024 // per Data packet
	inboxBufferSize = 256       // per-socketID inbox capacity
)

// Socket holds the lifecycle state of one tunnelled TCP connection.
type Socket struct {
	id uint32

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	inbox chan *Packet // fed by tunnel.deliver
	t     *tunnel

	connMu sync.Mutex
	conn   net.Conn
}

// newSocket creates a Socket without a TCP connection (host side).
func newSocket(parentCtx context.Context, id uint32, t *tunnel) *Socket {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Socket{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan *Packet, inboxBufferSize),
		t:      t,
	}
}

// newSocketWithConn creates a Socket for an accepted local connection
// (client side).
func newSocketWithConn(parentCtx context.Context, id uint32, t *tunnel, conn net.Conn) *Socket {
	s := newSocket(parentCtx, id, t)
	s.conn = conn
	return s
}

func (s *Socket) setConn(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conn = conn
	return true
}

// ---------------------------------------------------------------------------
// Host side
// ---------------------------------------------------------------------------

// runAsHost dials targetAddr on Connect, then writes Data packets to the
// connection until Close.
func (s *Socket) runAsHost(targetAddr string) {
	defer s.cleanup()

	var conn net.Conn
	for {
		select {
		case pkt := <-s.inbox:
			switch pkt.Type {
			case TypeConnect:
				if conn != nil {
					continue
				}
				var d net.Dialer
				c, err := d.DialContext(s.ctx, "tcp", targetAddr)
				if err != nil {
					util.LogWarning("%s dial %s failed: %v", util.ShortTag(s.id), targetAddr, err)
					return
				}
				if !s.setConn(c) {
					c.Close()
					return
				}
				conn = c
				util.Logf("%s connected to %s", util.ShortTag(s.id), targetAddr)
				go s.pumpToLink()

			case TypeData:
				if conn == nil {
					continue
				}
				if _, err := conn.Write(pkt.Payload); err != nil {
					util.Logf("%s write error: %v", util.ShortTag(s.id), err)
					return
				}

			case TypeClose:
				util.Logf("%s closed by peer", util.ShortTag(s.id))
				s.closeQuietly()
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Client side
// ---------------------------------------------------------------------------

// runAsClient announces the accepted connection and writes Data packets to
// it until Close.
func (s *Socket) runAsClient() {
	defer s.cleanup()

	s.t.send(&Packet{Type: TypeConnect, SocketID: s.id})
	go s.pumpToLink()

	for {
		select {
		case pkt := <-s.inbox:
			switch pkt.Type {
			case TypeData:
				if _, err := s.conn.Write(pkt.Payload); err != nil {
					util.Logf("%s write error: %v", util.ShortTag(s.id), err)
					return
				}
			case TypeClose:
				util.Logf("%s closed by peer", util.ShortTag(s.id))
				s.closeQuietly()
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// TCP → link
// ---------------------------------------------------------------------------

// pumpToLink reads the connection and sends Data packets. cleanup closes the
// connection to unblock the Read.
func (s *Socket) pumpToLink() {
	defer s.cleanup()

	buf := make([]byte, maxPayloadSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.t.send(&Packet{Type: TypeData, SocketID: s.id, Payload: buf[:n]})
		}
		if err != nil {
			if s.ctx.Err() == nil {
				util.Logf("%s read: %v", util.ShortTag(s.id), err)
			}
			return
		}
	}
}

// closeQuietly ends the socket without echoing a Close to the peer.
func (s *Socket) closeQuietly() {
	s.closeOnce.Do(s.release)
}

// cleanup releases the socket exactly once and tells the peer.
func (s *Socket) cleanup() {
	s.closeOnce.Do(func() {
		s.release()
		s.t.send(&Packet{Type: TypeClose, SocketID: s.id})
	})
}

func (s *Socket) release() {
	s.connMu.Lock()
	s.cancel()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	util.Logf("%s released", util.ShortTag(s.id))
}

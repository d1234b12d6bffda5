// Package tunnel forwards TCP connections over a session.
//
// The client accepts local connections and announces each with a Connect
// packet; the host dials its target service for every new SocketID and both
// sides copy bytes until either end closes.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/1ureka/relink/internal/util"
)

// Link is the session a tunnel runs over: session.Session on the host,
// session.Client on the client.
type Link interface {
	Send(data []byte)
	OnMessage(fn func([]byte)) (unsubscribe func())
	Done() <-chan struct{}
}

// tunnel manages the socketID route table.
type tunnel struct {
	ctx  context.Context
	link Link

	mu     sync.Mutex
	routes map[uint32]*Socket
}

func newTunnel(ctx context.Context, link Link) *tunnel {
	return &tunnel{
		ctx:    ctx,
		link:   link,
		routes: make(map[uint32]*Socket),
	}
}

func (t *tunnel) send(pkt *Packet) {
	t.link.Send(Encode(pkt))
}

// register adds s and removes it again once s is done.
func (t *tunnel) register(s *Socket) {
	t.mu.Lock()
	t.routes[s.id] = s
	t.mu.Unlock()

	go func() {
		<-s.ctx.Done()
		t.mu.Lock()
		if t.routes[s.id] == s {
			delete(t.routes, s.id)
		}
		t.mu.Unlock()
	}()
}

// deliver routes pkt to its socket. It reports whether a route exists.
func (t *tunnel) deliver(pkt *Packet) bool {
	t.mu.Lock()
	s, ok := t.routes[pkt.SocketID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case s.inbox <- pkt:
	case <-s.ctx.Done():
	default:
		// The session must not stall on one slow connection, and dropping
		// bytes would corrupt the stream: give up on this one.
		util.LogWarning("%s inbox full, closing", util.ShortTag(s.id))
		s.cleanup()
	}
	return true
}

// run feeds decoded packets to dispatch until ctx or the link is done.
func (t *tunnel) run(dispatch func(*Packet)) {
	unsub := t.link.OnMessage(func(b []byte) {
		pkt, err := Decode(b)
		if err != nil {
			util.LogWarning("dropping tunnel packet: %v", err)
			return
		}
		dispatch(pkt)
	})
	defer unsub()

	select {
	case <-t.link.Done():
	case <-t.ctx.Done():
	}
}

// RunAsHost serves the host side: every Connect for an unknown SocketID dials
// targetAddr. Blocks until ctx or the link is done.
func RunAsHost(ctx context.Context, link Link, targetAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := newTunnel(ctx, link)

	t.run(func(pkt *Packet) {
		if t.deliver(pkt) {
			return
		}
		if pkt.Type != TypeConnect {
			// late packet of a connection already gone
			return
		}
		s := newSocket(ctx, pkt.SocketID, t)
		t.register(s)
		go s.runAsHost(targetAddr)
	})
	return nil
}

// RunAsClient listens on 127.0.0.1:localPort and tunnels every accepted
// connection. Blocks until ctx or the link is done.
func RunAsClient(ctx context.Context, link Link, localPort int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", localPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	util.LogSuccess("virtual service listening on %s", addr)
	return Serve(ctx, link, ln)
}

// Serve tunnels every connection accepted on ln and closes ln when ctx or
// the link is done.
func Serve(ctx context.Context, link Link, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := newTunnel(ctx, link)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					util.LogError("accept error: %v", err)
					cancel()
				}
				return
			}

			id := util.SocketIDFromConn(conn)
			util.Logf("%s new connection from %s", util.ShortTag(id), conn.RemoteAddr())

			s := newSocketWithConn(ctx, id, t, conn)
			t.register(s)
			go s.runAsClient()
		}
	}()

	t.run(func(pkt *Packet) {
		if !t.deliver(pkt) && pkt.Type != TypeClose {
			util.Logf("%s unknown socket, dropping packet", util.ShortTag(pkt.SocketID))
		}
	})
	return nil
}

package tunnel

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/1ureka/relink/internal/event"
)

// memLink is an in-memory Link; Send hands a copy to the peer's listeners.
type memLink struct {
	peer *memLink
	in   event.Buffered[[]byte]
	done chan struct{}
}

func memLinkPair() (*memLink, *memLink) {
	a := &memLink{done: make(chan struct{})}
	b := &memLink{done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (l *memLink) Send(data []byte) {
	l.peer.in.Fire(append([]byte(nil), data...))
}

func (l *memLink) OnMessage(fn func([]byte)) func() { return l.in.Subscribe(fn) }
func (l *memLink) Done() <-chan struct{}            { return l.done }

func startEcho(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

// startTunnel runs both ends and returns the client's local listener address.
func startTunnel(t *testing.T, target string) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hostLink, clientLink := memLinkPair()
	go RunAsHost(ctx, hostLink, target)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go Serve(ctx, clientLink, ln)
	return ln.Addr().String()
}

func TestPacketRoundTrip(t *testing.T) {
	pkt := &Packet{Type: TypeData, SocketID: 0xdeadbeef, Payload: []byte("abc")}
	b := Encode(pkt)
	if len(b) != HeaderSize+3 || b[0] != TypeData {
		t.Fatalf("Encode = % x", b)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.SocketID != pkt.SocketID || !bytes.Equal(got.Payload, pkt.Payload) {
		t.Errorf("Decode = %+v, want %+v", got, pkt)
	}
}

func TestDecodeRejects(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"short", []byte{TypeData, 0, 0}},
		{"unknown type", []byte{0x7f, 0, 0, 0, 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); err == nil {
				t.Error("Decode accepted bad input")
			}
		})
	}
}

func TestTunnelEcho(t *testing.T) {
	echo := startEcho(t)
	addr := startTunnel(t, echo.Addr().String())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	payload := bytes.Repeat([]byte("relink"), 10000)
	go conn.Write(payload)

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("echoed bytes differ")
	}
}

// TestTunnelTargetDown closes the local connection when the host cannot
// reach its target.
func TestTunnelTargetDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target := ln.Addr().String()
	ln.Close()

	addr := startTunnel(t, target)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Read = %v, want EOF", err)
	}
}

func TestTunnelStopsWithLink(t *testing.T) {
	hostLink, _ := memLinkPair()
	finished := make(chan struct{})
	go func() {
		RunAsHost(context.Background(), hostLink, "127.0.0.1:1")
		close(finished)
	}()

	close(hostLink.done)
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("RunAsHost did not return after the link ended")
	}
}

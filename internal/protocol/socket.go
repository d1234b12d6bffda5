package protocol

import (
	"context"
	"fmt"
)

// CloseEvent describes why a socket closed. Err is nil for a clean close.
type CloseEvent struct {
	Err error

	// Code and Reason are set by transports that carry them (WebSocket).
	Code   int
	Reason string
}

func (e CloseEvent) String() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("closed with error: %v", e.Err)
	case e.Code != 0:
		return fmt.Sprintf("closed (code=%d, reason=%q)", e.Code, e.Reason)
	default:
		return "closed"
	}
}

// Socket is a duplex byte stream as seen by the protocol layer.
//
// Data read before anyone subscribes to OnData must be retained and handed to
// the next subscriber in order; the protocol relies on this when a socket
// changes hands during a reconnection handshake.
type Socket interface {
	// OnData subscribes to incoming chunks. The returned func unsubscribes.
	OnData(fn func([]byte)) (unsubscribe func())
	// OnClose subscribes to the close notification, fired at most once.
	OnClose(fn func(CloseEvent)) (unsubscribe func())
	// Write sends p. Implementations must not retain p after returning.
	Write(p []byte) error
	// End half-closes or gracefully closes the write side.
	End() error
	// Drain blocks until buffered outgoing data was handed to the network.
	Drain(ctx context.Context) error
	// Close releases the socket.
	Close() error

	fmt.Stringer
}

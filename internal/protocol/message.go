// Package protocol implements the relink wire protocol: a 13-byte framed
// message format, a framing-only Simple protocol and the Persistent protocol
// that adds message ids, acknowledgements, retransmission, keep-alive,
// replay requests and socket hot-swap on reconnection.
package protocol

import (
	"fmt"
	"time"
)

// MessageType identifies the kind of a framed message.
type MessageType uint8

const (
	TypeNone          MessageType = 0
	TypeRegular       MessageType = 1 // ordered, acknowledged application payload
	TypeControl       MessageType = 2 // untracked payload, e.g. handshakes
	TypeAck           MessageType = 3 // standalone acknowledgement
	TypeKeepAlive     MessageType = 4 // liveness check
	TypeDisconnect    MessageType = 5 // graceful session termination
	TypeReplayRequest MessageType = 6 // "resend everything unacknowledged"
)

var typeNames = [...]string{"None", "Regular", "Control", "Ack", "KeepAlive", "Disconnect", "ReplayRequest"}

func (t MessageType) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t <= TypeReplayRequest
}

// HeaderSize is the fixed header size:
// Type(1) + ID(4) + Ack(4) + DataLength(4), integers big-endian.
const HeaderSize = 13

// Protocol timing. Their relative order matters: acks must go out well before
// the peer's ack timeout, keep-alives well before the keep-alive timeout.
const (
	AcknowledgeTime        = 2 * time.Second
	AcknowledgeTimeoutTime = 20 * time.Second
	KeepAliveTime          = 5 * time.Second
	KeepAliveTimeoutTime   = 20 * time.Second
	ReplayRequestThrottle  = 10 * time.Second

	// ReconnectionGraceTime is how long a session with a lost socket may wait
	// for a reconnection before it is considered permanently closed.
	ReconnectionGraceTime = 3 * time.Hour

	// ReconnectionShortGraceTime bounds how long a client keeps redialling a
	// host it has never reached.
	ReconnectionShortGraceTime = 5 * time.Minute

	// timerSlack is added to every re-check so it lands after the deadline.
	timerSlack = 5 * time.Millisecond
)

// DefaultMaxMessageSize bounds the body length accepted from a header.
const DefaultMaxMessageSize = 256 << 20

// Message is one framed message. Only Regular messages carry a non-zero ID;
// every type carries an Ack that the receiver honours.
type Message struct {
	Type MessageType
	ID   uint32
	Ack  uint32
	Data []byte

	// WrittenTime is stamped by the Writer each time the message is written.
	WrittenTime time.Time
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(id=%d, ack=%d, len=%d)", m.Type, m.ID, m.Ack, len(m.Data))
}

package protocol

import "github.com/1ureka/relink/internal/chunk"

type decodePhase uint8

const (
	awaitingHeader decodePhase = iota
	awaitingBody
)

// DecodeState is the framing state between two Feed calls: either waiting
// for a header, or waiting for the body announced by the last header.
// The zero value waits for a header.
type DecodeState struct {
	phase  decodePhase
	typ    MessageType
	id     uint32
	ack    uint32
	length uint32
}

// AwaitingBody reports whether a header has been read and its body is due.
func (s DecodeState) AwaitingBody() bool { return s.phase == awaitingBody }

// Need returns how many buffered bytes the next Feed step consumes.
func (s DecodeState) Need() int {
	if s.phase == awaitingBody {
		return int(s.length)
	}
	return HeaderSize
}

// Feed performs at most one decoding step against in: it consumes a header
// or a body if enough bytes are buffered. After a body it returns the
// completed message. When in holds too few bytes the state is returned
// unchanged with a nil message. A header failing validation returns an
// *Error and must be treated as fatal for the stream.
func Feed(st DecodeState, in *chunk.Stream, maxSize int) (DecodeState, *Message, error) {
	need := st.Need()
	if in.Len() < need {
		return st, nil, nil
	}

	buf, err := in.Read(need)
	if err != nil {
		return st, nil, err
	}

	if st.phase == awaitingHeader {
		h, err := parseHeader(buf, maxSize)
		if err != nil {
			return st, nil, err
		}
		return DecodeState{
			phase:  awaitingBody,
			typ:    h.typ,
			id:     h.id,
			ack:    h.ack,
			length: h.length,
		}, nil, nil
	}

	msg := &Message{Type: st.typ, ID: st.id, Ack: st.ack, Data: buf}
	return DecodeState{}, msg, nil
}

// Decoder couples a DecodeState with its byte accumulator.
// It is not safe for concurrent use.
type Decoder struct {
	state   DecodeState
	in      chunk.Stream
	maxSize int
	err     error
}

// NewDecoder returns a Decoder that rejects bodies above maxSize bytes
// (maxSize <= 0 disables the bound).
func NewDecoder(maxSize int) *Decoder {
	return &Decoder{maxSize: maxSize}
}

// Write buffers a chunk. The Decoder takes ownership of p.
func (d *Decoder) Write(p []byte) {
	d.in.AcceptChunk(p)
}

// Next returns the next complete message, or nil when more bytes are needed.
// After the first error every call returns that error.
func (d *Decoder) Next() (*Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	for {
		next, msg, err := Feed(d.state, &d.in, d.maxSize)
		if err != nil {
			d.err = err
			return nil, err
		}
		progressed := next != d.state || msg != nil
		d.state = next
		if msg != nil {
			return msg, nil
		}
		if !progressed {
			return nil, nil
		}
	}
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int { return d.in.Len() }

// ReadAll drains the undecoded bytes, including a partially read message's
// body. A header already consumed is lost; callers use it between messages.
func (d *Decoder) ReadAll() []byte {
	return d.in.ReadAll()
}

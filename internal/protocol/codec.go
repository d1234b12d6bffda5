package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Message into its wire form: header followed by data.
func Encode(msg *Message) []byte {
	return AppendEncode(make([]byte, 0, HeaderSize+len(msg.Data)), msg)
}

// AppendEncode appends the wire form of msg to dst.
func AppendEncode(dst []byte, msg *Message) []byte {
	var hdr [HeaderSize]byte
	putHeader(hdr[:], msg.Type, msg.ID, msg.Ack, uint32(len(msg.Data)))
	dst = append(dst, hdr[:]...)
	return append(dst, msg.Data...)
}

func putHeader(b []byte, typ MessageType, id, ack, length uint32) {
	b[0] = uint8(typ)
	binary.BigEndian.PutUint32(b[1:5], id)
	binary.BigEndian.PutUint32(b[5:9], ack)
	binary.BigEndian.PutUint32(b[9:13], length)
}

type header struct {
	typ    MessageType
	id     uint32
	ack    uint32
	length uint32
}

// parseHeader decodes and validates a 13-byte header. maxSize <= 0 disables
// the body length bound.
func parseHeader(b []byte, maxSize int) (header, error) {
	h := header{
		typ:    MessageType(b[0]),
		id:     binary.BigEndian.Uint32(b[1:5]),
		ack:    binary.BigEndian.Uint32(b[5:9]),
		length: binary.BigEndian.Uint32(b[9:13]),
	}
	if !h.typ.Valid() {
		return h, NewError(ErrCodeBadType, fmt.Sprintf("unknown message type %d", b[0]))
	}
	if maxSize > 0 && uint64(h.length) > uint64(maxSize) {
		return h, NewError(ErrCodeFrameTooLarge, fmt.Sprintf("body of %d bytes exceeds limit %d", h.length, maxSize))
	}
	return h, nil
}

package tunnel

import (
	"encoding/binary"
	"fmt"
)

// Packet type constants.
const (
	TypeConnect uint8 = 0x01 // new TCP connection
	TypeData    uint8 = 0x02 // TCP payload
	TypeClose   uint8 = 0x03 // connection closed
)

// HeaderSize is Type(1) + SocketID(4).
const HeaderSize = 5

// Packet is one tunnel frame, carried as the body of a session message.
// Sessions already order and deduplicate, so there is no sequence number.
type Packet struct {
	Type     uint8
	SocketID uint32
	Payload  []byte // only for TypeData
}

// Encode serializes pkt.
func Encode(pkt *Packet) []byte {
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	buf[0] = pkt.Type
	binary.BigEndian.PutUint32(buf[1:5], pkt.SocketID)
	copy(buf[HeaderSize:], pkt.Payload)
	return buf
}

// Decode parses data. The payload aliases data.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	pkt := &Packet{
		Type:     data[0],
		SocketID: binary.BigEndian.Uint32(data[1:5]),
	}
	switch pkt.Type {
	case TypeConnect, TypeData, TypeClose:
	default:
		return nil, fmt.Errorf("unknown packet type 0x%02x", pkt.Type)
	}
	if len(data) > HeaderSize {
		pkt.Payload = data[HeaderSize:]
	}
	return pkt, nil
}

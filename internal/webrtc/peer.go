// Package webrtc sets up a PeerConnection with a single DataChannel and
// exposes the channel as a protocol.Socket.
package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering. No TURN: after
// signaling the link is direct.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config selects the ICE setup of a Peer.
type Config struct {
	// STUNServers are used for candidate gathering; none restricts the peer
	// to host candidates.
	STUNServers []string

	// Loopback also gathers 127.0.0.1 candidates, for peers on one machine.
	Loopback bool
}

// newPeerConnection creates a PeerConnection per cfg.
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	var config webrtc.Configuration
	if len(cfg.STUNServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}
	if !cfg.Loopback {
		return webrtc.NewPeerConnection(config)
	}

	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)).NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated DataChannel (ID 0) so both sides
// create it independently without OnDataChannel. The channel is ordered and
// reliable: the relink framing reads it as one byte stream.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("relink", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}

package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/relink/internal/util"
)

// signal is one JSON frame of the SDP/ICE exchange on /ws. Type is
// "offer", "answer" or "candidate".
type signal struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

const candidateSignal = "candidate"

// description returns the SDP carried by an offer or answer.
func (s signal) description() (webrtc.SessionDescription, bool) {
	switch s.Type {
	case webrtc.SDPTypeOffer.String(), webrtc.SDPTypeAnswer.String():
		return webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}, true
	}
	return webrtc.SessionDescription{}, false
}

func (s signal) candidate() (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(s.Candidate), &init); err != nil {
		return init, fmt.Errorf("parse ICE candidate: %w", err)
	}
	return init, nil
}

// outbox writes signals to the WebSocket. Local candidates gathered before
// our description went out are held so the remote side never sees a
// candidate ahead of the SDP it belongs to. After the first failed write the
// outbox drops everything: the WS is closed once the channel opens, and
// late candidates are expected then.
type outbox struct {
	conn *websocket.Conn

	mu        sync.Mutex
	described bool
	held      []webrtc.ICECandidateInit
	err       error
}

func newOutbox(conn *websocket.Conn) *outbox {
	return &outbox{conn: conn}
}

// describe sends our offer or answer, then whatever candidates were held.
func (o *outbox) describe(desc webrtc.SessionDescription) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.err != nil {
		return fmt.Errorf("send %s: %w", desc.Type, o.err)
	}
	if err := o.writeLocked(signal{Type: desc.Type.String(), SDP: desc.SDP}); err != nil {
		return fmt.Errorf("send %s: %w", desc.Type, err)
	}
	o.described = true
	held := o.held
	o.held = nil
	for _, c := range held {
		o.candidateLocked(c)
	}
	return nil
}

// candidate trickles c, or holds it until describe.
func (o *outbox) candidate(c webrtc.ICECandidateInit) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.described {
		o.held = append(o.held, c)
		return
	}
	o.candidateLocked(c)
}

func (o *outbox) candidateLocked(c webrtc.ICECandidateInit) {
	data, err := json.Marshal(c)
	if err != nil {
		util.Logf("encode ICE candidate: %v", err)
		return
	}
	if err := o.writeLocked(signal{Type: candidateSignal, Candidate: string(data)}); err != nil {
		util.Logf("send ICE candidate: %v", err)
	}
}

// writeLocked reports the first failure once; later writes are dropped.
func (o *outbox) writeLocked(s signal) error {
	if o.err != nil {
		return nil
	}
	if err := o.conn.WriteJSON(s); err != nil {
		o.err = err
		return err
	}
	return nil
}

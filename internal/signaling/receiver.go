package signaling

import (
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/relink/internal/util"
	rtc "github.com/1ureka/relink/internal/webrtc"
)

// receiver applies incoming signaling messages to the peer (private).
type receiver struct {
	peer *rtc.Peer
	conn *websocket.Conn
	out  *outbox

	// candidates trickled in before the remote description
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// watch reads signaling messages until the WebSocket fails or closes. The
// offerer never receives an offer; the answerer replies to one.
func (r *receiver) watch() error {
	for {
		var sig signal
		if err := r.conn.ReadJSON(&sig); err != nil {
			return fmt.Errorf("read signal: %w", err)
		}

		if desc, ok := sig.description(); ok {
			if err := r.setRemote(desc); err != nil {
				return err
			}
			if desc.Type == webrtc.SDPTypeOffer {
				if err := r.answer(); err != nil {
					return err
				}
			}
			continue
		}

		if sig.Type != candidateSignal {
			util.Logf("ignoring signal of type %q", sig.Type)
			continue
		}
		init, err := sig.candidate()
		if err != nil {
			return err
		}
		if !r.remoteSet {
			r.pending = append(r.pending, init)
			continue
		}
		r.addCandidate(init)
	}
}

func (r *receiver) setRemote(desc webrtc.SessionDescription) error {
	if err := r.peer.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	r.remoteSet = true
	for _, c := range r.pending {
		r.addCandidate(c)
	}
	r.pending = nil
	return nil
}

// addCandidate is best effort: one unusable candidate does not fail ICE.
func (r *receiver) addCandidate(init webrtc.ICECandidateInit) {
	if err := r.peer.AddICECandidate(init); err != nil {
		util.Logf("AddICECandidate failed: %v", err)
	}
}

func (r *receiver) answer() error {
	answer, err := r.peer.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := r.peer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return r.out.describe(answer)
}

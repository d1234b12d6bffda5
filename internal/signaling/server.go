package signaling

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/1ureka/relink/internal/util"
)

// Transport names what a client wants to run over its /ws connection.
type Transport string

const (
	// TransportWebSocket carries the session over the WebSocket itself.
	TransportWebSocket Transport = "ws"
	// TransportWebRTC uses the WebSocket for SDP/ICE exchange only and
	// carries the session over a DataChannel.
	TransportWebRTC Transport = "webrtc"
)

const (
	queryPIN       = "pin"
	queryTransport = "transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler is the host's /ws endpoint: it checks the PIN, upgrades the
// request and hands the connection to onConn on the request goroutine.
type Handler struct {
	pin    string
	onConn func(conn *websocket.Conn, transport Transport)
}

// NewHandler returns a Handler accepting clients that present pin.
func NewHandler(pin string, onConn func(conn *websocket.Conn, transport Transport)) *Handler {
	return &Handler{pin: pin, onConn: onConn}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if subtle.ConstantTimeCompare([]byte(q.Get(queryPIN)), []byte(h.pin)) != 1 {
		util.LogWarning("rejected WS client %s: invalid PIN", r.RemoteAddr)
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	transport := Transport(q.Get(queryTransport))
	switch transport {
	case "":
		transport = TransportWebSocket
	case TransportWebSocket, TransportWebRTC:
	default:
		http.Error(w, "Unknown transport", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Logf("WS upgrade failed: %v", err)
		return
	}
	h.onConn(conn, transport)
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}

package signaling

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// Connect dials the given WebSocket URL and returns the connection.
// The URL carries the PIN and the transport as query parameters, see URL.
func Connect(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}

// URL adds the PIN and transport query parameters to a normalized
// WebSocket endpoint, e.g.:
//
//	wss://example.devtunnels.ms/ws?pin=1234&transport=webrtc
func URL(endpoint, pin string, transport Transport) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid WebSocket URL %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set(queryPIN, pin)
	q.Set(queryTransport, string(transport))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

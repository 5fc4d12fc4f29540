// internal/peer/websocket.go
package peer

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Subprotocol identifies game data channels during the websocket upgrade.
const Subprotocol = "cki"

// wsConn adapts a coder/websocket connection to the Conn interface. Frames
// travel as text messages carrying JSON envelopes.
type wsConn struct {
	c *websocket.Conn
}

// NewWebsocketConn wraps an accepted or dialed websocket connection.
func NewWebsocketConn(c *websocket.Conn) Conn {
	return &wsConn{c: c}
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageText {
			// Binary frames are not part of the protocol.
			continue
		}
		return data, nil
	}
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// WebsocketDialer dials peers over websockets. The target is the ws:// or
// wss:// URL published through signaling.
type WebsocketDialer struct {
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

func (d *WebsocketDialer) Dial(ctx context.Context, target string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("peer: websocket dial %s: %w", target, err)
	}
	return &wsConn{c: c}, nil
}

// AcceptHandler upgrades inbound HTTP requests and hands each resulting
// connection to the host's runtime.
func AcceptHandler(rt *Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{Subprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		if err := rt.Attach(&wsConn{c: c}); err != nil {
			_ = c.Close(websocket.StatusGoingAway, "runtime unavailable")
		}
	}
}

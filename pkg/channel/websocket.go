package channel

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/net/websocket"
)

// WebsocketDialer opens websocket connections.
type WebsocketDialer struct {
	// Origin sent in the handshake; defaults to http://localhost/.
	Origin string
	Header http.Header
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config %s: %w", url, err)
	}
	for k, v := range d.Header {
		cfg.Header[k] = v
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

// Receive reads one text frame. ctx is not observed once the read has
// started; Close unblocks it.
func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msg []byte
	if err := websocket.Message.Receive(c.ws, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

// ServeHub returns a websocket handler forwarding the messages of a hub
// topic to the client until it disconnects.
func ServeHub(h *Hub, topic string) http.Handler {
	return websocket.Handler(func(ws *websocket.Conn) {
		conn, _ := h.Dial(ws.Request().Context(), topic)
		defer conn.Close()

		go func() {
			// Client frames are ignored; a read error means the peer left.
			var discard []byte
			for websocket.Message.Receive(ws, &discard) == nil {
			}
			conn.Close()
		}()

		for {
			data, err := conn.Receive(ws.Request().Context())
			if err != nil {
				return
			}
			if err := websocket.Message.Send(ws, string(data)); err != nil {
				return
			}
		}
	})
}

package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocketRelayDialer dials the upstream relay over WebSocket, the
// concrete RelayDialer used outside tests.
type WebSocketRelayDialer struct {
	URL string
}

func (d WebSocketRelayDialer) Dial(ctx context.Context, authorization string) (RelayConn, error) {
	header := http.Header{}
	if authorization != "" {
		header.Set("Authorization", authorization)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, err
	}
	return wsRelayConn{conn}, nil
}

type wsRelayConn struct {
	conn *websocket.Conn
}

func (c wsRelayConn) ReadMessage() ([]byte, error) {
	_, b, err := c.conn.ReadMessage()
	return b, err
}

func (c wsRelayConn) WriteMessage(b []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c wsRelayConn) Close() error {
	return c.conn.Close()
}

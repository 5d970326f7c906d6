package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	syncErrors "github.com/aklyachkin/syncwire/errors"
)

// Conn is the transport the agent speaks over. Production connections wrap a
// websocket; tests substitute in-process pipes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes a fresh connection for each (re)connect attempt.
type Dialer func(ctx context.Context) (Conn, error)

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, syncErrors.NewTransportError("client.ReadMessage", err)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return syncErrors.NewTransportError("client.WriteMessage", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// NewWebSocketDialer builds a Dialer for the server's /ws endpoint. baseURL
// is the ws:// or wss:// address without path; payload is the opaque
// credential blob, nil for a read-only session.
func NewWebSocketDialer(baseURL, storeID string, payload json.RawMessage) Dialer {
	return func(ctx context.Context) (Conn, error) {
		u := baseURL + "/ws?storeId=" + url.QueryEscape(storeID)
		if len(payload) > 0 {
			u += "&payload=" + url.QueryEscape(string(payload))
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, syncErrors.NewAuthError("client.Dial", err)
			}
			return nil, syncErrors.NewTransportError("client.Dial", err)
		}
		return &wsConn{conn: conn}, nil
	}
}

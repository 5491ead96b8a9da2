package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-groupchat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Conn is a single established transport session.
type Conn interface {
	// Read blocks until the next server envelope arrives or the session ends.
	Read() (*protocol.ServerMessage, error)
	Write(msg *protocol.ClientMessage) error
	Close() error
}

// Transport establishes transport sessions. Connection dials it again on
// every reconnect attempt.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketTransport dials the chat server's /ws endpoint, authenticating
// with a bearer token.
type WebsocketTransport struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", t.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Read() (*protocol.ServerMessage, error) {
	var msg protocol.ServerMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *wsConn) Write(msg *protocol.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return c.conn.Close()
}

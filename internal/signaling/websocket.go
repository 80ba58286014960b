package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/parley/internal/proto"
)

const wsWriteWait = 10 * time.Second

// WebSocketDialer dials the websocket transport.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, server *url.URL, path, credential string) (Conn, error) {
	scheme := "ws"
	if server.Scheme == "https" {
		scheme = "wss"
	}
	u := endpoint(server, path, scheme)

	dialer := websocket.Dialer{
		HandshakeTimeout:  d.HandshakeTimeout,
		EnableCompression: true,
		Proxy:             http.ProxyFromEnvironment,
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+credential)

	ws, resp, err := dialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket handshake: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

func (c *wsConn) Kind() TransportKind { return TransportWebSocket }

func (c *wsConn) Send(env proto.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Recv() (proto.Envelope, error) {
	var env proto.Envelope
	err := c.ws.ReadJSON(&env)
	return env, err
}

// Ping writes a control ping. A dead peer shows up as a failed write here or
// as a read error on the receive side.
func (c *wsConn) Ping(ctx context.Context) error {
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// badHandshake reports a server that answered but refused the upgrade, which
// switches to the reliable transport without waiting for more failures.
func badHandshake(err error) bool {
	return errors.Is(err, websocket.ErrBadHandshake)
}

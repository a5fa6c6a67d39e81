// Package transport implements the framed request/response wire protocol
// between the dispatcher and analyzer workers (spec.md §6.2): one UTF-8
// JSON object per message, over a persistent bidirectional channel. The
// gorilla/websocket-backed implementation is the literal transport; Conn is
// the seam that lets analyzerclient be tested without a real socket.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one dedicated connection to an analyzer worker. Per spec.md
// §4.3, each request uses a dedicated connection (or logically dedicated
// stream): within one Conn, request/response is strictly sequential.
type Conn interface {
	// Send writes a single JSON message frame.
	Send(ctx context.Context, v any) error
	// Receive blocks for exactly one JSON message frame.
	Receive(ctx context.Context, v any) error
	// Close closes the underlying channel. The transport contract
	// requires that only the client ever initiates this, and only after
	// it has fully received and parsed the response — never the worker.
	Close() error
}

// WSConn adapts a *websocket.Conn to the Conn interface.
type WSConn struct {
	ws *websocket.Conn
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Dial opens a new websocket connection to an analyzer worker endpoint.
// The dial itself carries a deadline via ctx; handshake failures are
// reported to the caller for classification as ErrHandshakeFailed.
func Dial(ctx context.Context, url string, header http.Header) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &WSConn{ws: ws}, nil
}

func (c *WSConn) Send(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *WSConn) Receive(ctx context.Context, v any) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	}
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// Close closes the underlying websocket connection. Only the client side
// calls this, and only once Receive has returned — the worker never
// initiates the close (spec.md §6.2's happens-before guarantee).
func (c *WSConn) Close() error {
	return c.ws.Close()
}

// Dialer opens connections to one analyzer service endpoint. It exists so
// the pool can redial without depending on net/url parsing details.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials a fixed websocket URL.
type WSDialer struct {
	URL string
}

func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	return Dial(ctx, d.URL, nil)
}

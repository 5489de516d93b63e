// Package ws carries rpc frames over a single WebSocket, which preserves message order
// and so satisfies the per-type ordering contract of connection.Transport.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nodepool/pkg/connection"
	"nodepool/pkg/models"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 3 * time.Second
	defaultReadLimit        = 4 << 20
	closeWriteTimeout       = time.Second
)

// Dialer opens WebSocket transports to "scheme://host:port/path".
type Dialer struct {
	Scheme           string
	Path             string
	HandshakeTimeout time.Duration
	ReadLimit        int64
	Header           http.Header
}

var _ connection.Dialer = (*Dialer)(nil)

// NewDialer returns a plain ws:// dialer with default limits.
func NewDialer() *Dialer {
	return &Dialer{
		Scheme:           "ws",
		HandshakeTimeout: defaultHandshakeTimeout,
		ReadLimit:        defaultReadLimit,
	}
}

// URL returns the address dialled for endpoint.
func (d *Dialer) URL(endpoint models.Endpoint) string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, endpoint.Key(), d.Path)
}

// Dial implements connection.Dialer.
func (d *Dialer) Dial(ctx context.Context, endpoint models.Endpoint) (connection.Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL(endpoint), d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return NewTransport(conn), nil
}

// Transport adapts a gorilla connection. Writes are serialised; reads must come from
// one goroutine, which connection.Connection guarantees.
type Transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	err     error
}

// NewTransport wraps an established WebSocket.
func NewTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

// Send implements connection.Transport.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Receive implements connection.Transport. Cancelling ctx does not interrupt a blocked
// read; Close does.
func (t *Transport) Receive(_ context.Context) ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

// Close sends a close frame best-effort and closes the socket.
func (t *Transport) Close() error {
	t.once.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout))
		t.writeMu.Unlock()
		t.err = t.conn.Close()
	})
	return t.err
}

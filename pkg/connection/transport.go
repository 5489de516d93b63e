package connection

import (
	"context"

	"nodepool/pkg/models"
)

// Transport is one framed, bidirectional stream to a node.
//
// Contract: frames of the same response type are delivered in the order the node sent
// them. Request matching is FIFO per type and relies on it. Receive is only ever called
// from a single goroutine; Send may be called concurrently and must serialise itself.
// Close must unblock a pending Receive.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, endpoint models.Endpoint) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint models.Endpoint) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, endpoint models.Endpoint) (Transport, error) {
	return f(ctx, endpoint)
}

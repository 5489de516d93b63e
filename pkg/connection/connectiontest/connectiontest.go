// Package connectiontest provides in-memory transports that behave like scripted nodes.
package connectiontest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"nodepool/pkg/connection"
	"nodepool/pkg/models"
	"nodepool/pkg/rpc"
)

// ErrRefused is returned by Dialer for endpoints marked unreachable.
var ErrRefused = errors.New("connection refused")

// Reply is a scripted answer to one request. A nil Message sends nothing.
type Reply struct {
	Message rpc.Message
	Delay   time.Duration
}

// Handler scripts a node: it sees every decoded request.
type Handler func(req rpc.Message) Reply

// Transport is an in-memory connection.Transport driven by a Handler.
type Transport struct {
	codec   rpc.Codec
	handler Handler

	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	failErr error

	sent atomic.Int64
}

// NewTransport returns an open transport.
func NewTransport(codec rpc.Codec, handler Handler) *Transport {
	return &Transport{
		codec:   codec,
		handler: handler,
		inbox:   make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// Send implements connection.Transport.
func (t *Transport) Send(_ context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}
	t.sent.Add(1)

	msg, err := t.codec.Decode(frame)
	if err != nil {
		return err
	}
	if t.handler == nil {
		return nil
	}
	reply := t.handler(msg)
	if reply.Message == nil {
		return nil
	}
	if reply.Delay <= 0 {
		t.Push(reply.Message)
		return nil
	}
	time.AfterFunc(reply.Delay, func() {
		t.Push(reply.Message)
	})
	return nil
}

// Receive implements connection.Transport.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.inbox:
		return frame, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.failErr != nil {
			return nil, t.failErr
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements connection.Transport.
func (t *Transport) Close() error {
	t.once.Do(func() {
		close(t.closed)
	})
	return nil
}

// Push delivers msg to the reader as if the node sent it.
func (t *Transport) Push(msg rpc.Message) {
	frame, err := t.codec.Encode(msg)
	if err != nil {
		return
	}
	select {
	case t.inbox <- frame:
	case <-t.closed:
	}
}

// Fail closes the transport so the reader observes err.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	t.failErr = err
	t.mu.Unlock()
	_ = t.Close()
}

// Sent returns the number of frames sent to the node.
func (t *Transport) Sent() int {
	return int(t.sent.Load())
}

// IsClosed reports whether Close or Fail was called.
func (t *Transport) IsClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Dialer hands out scripted transports per endpoint.
type Dialer struct {
	codec rpc.Codec

	mu          sync.Mutex
	handlers    map[string]Handler
	refused     map[string]bool
	dialDelay   map[string]time.Duration
	transports  map[string]*Transport
	dials       map[string]int
	defaultNode Handler
}

var _ connection.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer whose unknown endpoints use defaultNode (nil refuses them).
func NewDialer(codec rpc.Codec, defaultNode Handler) *Dialer {
	return &Dialer{
		codec:       codec,
		handlers:    make(map[string]Handler),
		refused:     make(map[string]bool),
		dialDelay:   make(map[string]time.Duration),
		transports:  make(map[string]*Transport),
		dials:       make(map[string]int),
		defaultNode: defaultNode,
	}
}

// Handle scripts endpoint with handler.
func (d *Dialer) Handle(endpoint models.Endpoint, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[endpoint.Key()] = handler
	delete(d.refused, endpoint.Key())
}

// Refuse makes dials to endpoint fail.
func (d *Dialer) Refuse(endpoint models.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refused[endpoint.Key()] = true
}

// DelayDial makes dials to endpoint take delay before completing.
func (d *Dialer) DelayDial(endpoint models.Endpoint, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialDelay[endpoint.Key()] = delay
}

// Dial implements connection.Dialer.
func (d *Dialer) Dial(ctx context.Context, endpoint models.Endpoint) (connection.Transport, error) {
	key := endpoint.Key()

	d.mu.Lock()
	d.dials[key]++
	delay := d.dialDelay[key]
	refused := d.refused[key]
	handler, ok := d.handlers[key]
	if !ok {
		handler = d.defaultNode
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if refused || handler == nil {
		return nil, ErrRefused
	}

	transport := NewTransport(d.codec, handler)
	d.mu.Lock()
	d.transports[key] = transport
	d.mu.Unlock()
	return transport, nil
}

// Transport returns the most recent transport dialled to endpoint.
func (d *Dialer) Transport(endpoint models.Endpoint) *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[endpoint.Key()]
}

// Dials returns how many times endpoint was dialled.
func (d *Dialer) Dials(endpoint models.Endpoint) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[endpoint.Key()]
}

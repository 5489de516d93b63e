// Package connection multiplexes typed requests over one transport per endpoint and
// keeps a bounded pool of such connections.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nodepool/pkg/breaker"
	"nodepool/pkg/log"
	"nodepool/pkg/models"
	"nodepool/pkg/rpc"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	defaultTimeoutGrace   = 10 * time.Second
)

// State is the lifecycle position of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// NotificationHandler receives inbound messages that match no pending request.
type NotificationHandler func(endpoint models.Endpoint, msg rpc.Message)

var connectionIDs atomic.Uint64

type result struct {
	msg rpc.Message
	err error
}

type pendingRequest struct {
	id           uint64
	responseType string
	done         chan result
	timer        *time.Timer
}

// Connection owns one transport to one endpoint. Same-type requests complete in FIFO
// order. It never retries; that is the router's job.
type Connection struct {
	id             uint64
	endpoint       models.Endpoint
	dialer         Dialer
	codec          rpc.Codec
	breaker        *breaker.Breaker
	connectTimeout time.Duration
	requestTimeout time.Duration
	timeoutGrace   time.Duration
	onNotification NotificationHandler
	clock          func() time.Time

	connectMu sync.Mutex
	sendMu    sync.Mutex

	mu             sync.Mutex
	state          State
	transport      Transport
	generation     uint64
	cancelRead     context.CancelFunc
	pending        map[string][]*pendingRequest
	recentTimeouts map[string]time.Time
	lastActive     time.Time
	pinned         bool
	nextRequestID  uint64
}

// Option configures a Connection.
type Option func(*Connection)

// WithConnectTimeout bounds each connect attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Connection) { c.connectTimeout = d }
}

// WithRequestTimeout bounds each request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Connection) { c.requestTimeout = d }
}

// WithTimeoutGrace sets how long a timed-out response type tolerates late responses silently.
func WithTimeoutGrace(d time.Duration) Option {
	return func(c *Connection) { c.timeoutGrace = d }
}

// WithBreaker replaces the default breaker.
func WithBreaker(b *breaker.Breaker) Option {
	return func(c *Connection) { c.breaker = b }
}

// WithNotificationHandler receives unmatched inbound messages.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Connection) { c.onNotification = h }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *Connection) { c.clock = clock }
}

// New creates a disconnected connection.
func New(endpoint models.Endpoint, dialer Dialer, codec rpc.Codec, opts ...Option) *Connection {
	c := &Connection{
		id:             connectionIDs.Add(1),
		endpoint:       endpoint,
		dialer:         dialer,
		codec:          codec,
		connectTimeout: DefaultConnectTimeout,
		requestTimeout: DefaultRequestTimeout,
		timeoutGrace:   defaultTimeoutGrace,
		clock:          time.Now,
		pending:        make(map[string][]*pendingRequest),
		recentTimeouts: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = breaker.New(breaker.DefaultThreshold, breaker.DefaultCooldown)
	}
	c.lastActive = c.clock()
	return c
}

// ID is unique per process.
func (c *Connection) ID() uint64 { return c.id }

// Endpoint returns the remote endpoint.
func (c *Connection) Endpoint() models.Endpoint { return c.endpoint }

// Breaker exposes the connection's circuit breaker.
func (c *Connection) Breaker() *breaker.Breaker { return c.breaker }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether requests can be sent.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// LastActive is the last connect, response or successful request time.
func (c *Connection) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Pinned reports whether the pool must keep this connection through idle pruning.
func (c *Connection) Pinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned
}

// SetPinned marks or unmarks the connection as pinned.
func (c *Connection) SetPinned(pinned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = pinned
}

// PendingCount returns the number of outstanding requests.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, queue := range c.pending {
		total += len(queue)
	}
	return total
}

// Connect dials the endpoint unless already connected. The attempt is bounded by the
// connect timeout; a transport that shows up after the deadline is closed.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.IsConnected() {
		return nil
	}
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, c.endpoint)
	}

	c.setState(StateConnecting)
	transport, err := c.dial(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.breaker.Release()
		} else {
			c.breaker.Failure()
		}
		c.setState(StateDisconnected)
		log.Debug().
			Str("endpoint", c.endpoint.Key()).
			Err(err).
			Msg("Connect failed")
		return err
	}

	// A live transport is positive evidence even for an open breaker.
	c.breaker.Reset()

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.generation++
	generation := c.generation
	c.transport = transport
	c.cancelRead = cancel
	c.state = StateConnected
	c.lastActive = c.clock()
	c.mu.Unlock()

	go c.readLoop(readCtx, transport, generation)

	log.Debug().
		Str("endpoint", c.endpoint.Key()).
		Uint64("connection_id", c.id).
		Msg("Connected")
	return nil
}

type dialResult struct {
	transport Transport
	err       error
}

func (c *Connection) dial(ctx context.Context) (Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		transport, err := c.dialer.Dial(dialCtx, c.endpoint)
		results <- dialResult{transport: transport, err: err}
	}()

	select {
	case res := <-results:
		if res.err == nil {
			return res.transport, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrConnectTimeout, c.endpoint, c.connectTimeout)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, c.endpoint, res.err)
	case <-dialCtx.Done():
		go func() {
			if res := <-results; res.transport != nil {
				_ = res.transport.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrConnectTimeout, c.endpoint, c.connectTimeout)
	}
}

func (c *Connection) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// Request sends req and waits for the oldest unmatched response of req.ResponseType().
// Caller cancellation abandons the request without counting against the breaker.
func (c *Connection) Request(ctx context.Context, req rpc.Request) (rpc.Message, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.endpoint)
	}

	frame, err := c.codec.Encode(req)
	if err != nil {
		c.breaker.Release()
		return nil, err
	}

	pending, err := c.enqueueAndSend(ctx, req.ResponseType(), frame)
	if err != nil {
		if errors.Is(err, ErrTransport) {
			c.breaker.Failure()
		} else {
			c.breaker.Release()
		}
		return nil, err
	}

	select {
	case res := <-pending.done:
		c.recordOutcome(res.err)
		return res.msg, res.err
	case <-ctx.Done():
		c.mu.Lock()
		c.removeLocked(pending)
		c.mu.Unlock()
		c.breaker.Release()
		return nil, ctx.Err()
	}
}

func (c *Connection) enqueueAndSend(ctx context.Context, responseType string, frame []byte) (*pendingRequest, error) {
	// Holding sendMu across enqueue and Send keeps queue order equal to wire order.
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.state != StateConnected || c.transport == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, c.endpoint)
	}
	c.nextRequestID++
	pending := &pendingRequest{
		id:           c.nextRequestID,
		responseType: responseType,
		done:         make(chan result, 1),
	}
	c.pending[responseType] = append(c.pending[responseType], pending)
	pending.timer = time.AfterFunc(c.requestTimeout, func() {
		c.expire(pending)
	})
	transport := c.transport
	generation := c.generation
	c.mu.Unlock()

	if err := transport.Send(ctx, frame); err != nil {
		c.mu.Lock()
		c.removeLocked(pending)
		c.mu.Unlock()
		sendErr := fmt.Errorf("%w: send to %s: %w", ErrTransport, c.endpoint, err)
		c.disconnect(generation, sendErr)
		return nil, sendErr
	}
	return pending, nil
}

func (c *Connection) recordOutcome(err error) {
	switch {
	case err == nil:
		c.breaker.Success()
		c.mu.Lock()
		c.lastActive = c.clock()
		c.mu.Unlock()
	case errors.Is(err, ErrTransport), errors.Is(err, ErrTimeout):
		c.breaker.Failure()
	default:
		// Closed locally; not the node's fault.
		c.breaker.Release()
	}
}

// expire runs on the request's timer goroutine.
func (c *Connection) expire(pending *pendingRequest) {
	c.mu.Lock()
	removed := c.removeLocked(pending)
	if removed {
		c.recentTimeouts[pending.responseType] = c.clock()
	}
	c.mu.Unlock()

	if removed {
		pending.done <- result{err: fmt.Errorf("%w: %s from %s after %s",
			ErrTimeout, pending.responseType, c.endpoint, c.requestTimeout)}
	}
}

// removeLocked drops pending from its queue. Only the caller that removes a request
// may complete it.
func (c *Connection) removeLocked(pending *pendingRequest) bool {
	queue := c.pending[pending.responseType]
	for i, candidate := range queue {
		if candidate != pending {
			continue
		}
		if pending.timer != nil {
			pending.timer.Stop()
		}
		queue = append(queue[:i:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(c.pending, pending.responseType)
		} else {
			c.pending[pending.responseType] = queue
		}
		return true
	}
	return false
}

func (c *Connection) readLoop(ctx context.Context, transport Transport, generation uint64) {
	for {
		data, err := transport.Receive(ctx)
		if err != nil {
			c.disconnect(generation, fmt.Errorf("%w: receive from %s: %w", ErrTransport, c.endpoint, err))
			return
		}
		msg, err := c.codec.Decode(data)
		if err != nil {
			log.Debug().
				Str("endpoint", c.endpoint.Key()).
				Err(err).
				Msg("Dropping undecodable frame")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Connection) dispatch(msg rpc.Message) {
	msgType := msg.Type()
	now := c.clock()

	c.mu.Lock()
	c.lastActive = now
	if queue := c.pending[msgType]; len(queue) > 0 {
		pending := queue[0]
		c.removeLocked(pending)
		c.mu.Unlock()
		pending.done <- result{msg: msg}
		return
	}

	timedOutAt, late := c.recentTimeouts[msgType]
	if late && now.Sub(timedOutAt) > c.timeoutGrace {
		delete(c.recentTimeouts, msgType)
		late = false
	}
	c.mu.Unlock()

	switch {
	case late:
		log.Debug().
			Str("endpoint", c.endpoint.Key()).
			Str("type", msgType).
			Msg("Late response after timeout")
	case c.onNotification != nil:
		c.onNotification(c.endpoint, msg)
	default:
		log.Warn().
			Str("endpoint", c.endpoint.Key()).
			Str("type", msgType).
			Msg("Unmatched inbound message")
	}
}

// disconnect tears down generation's transport and fails its pending requests.
// cause is nil for a local close.
func (c *Connection) disconnect(generation uint64, cause error) error {
	c.mu.Lock()
	if generation != c.generation || c.transport == nil {
		c.mu.Unlock()
		return nil
	}
	transport := c.transport
	cancel := c.cancelRead
	c.transport = nil
	c.cancelRead = nil
	c.state = StateDisconnected

	var failed []*pendingRequest
	for _, queue := range c.pending {
		for _, pending := range queue {
			if pending.timer != nil {
				pending.timer.Stop()
			}
			failed = append(failed, pending)
		}
	}
	c.pending = make(map[string][]*pendingRequest)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	closeErr := transport.Close()

	err := ErrConnectionClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		log.Debug().
			Str("endpoint", c.endpoint.Key()).
			Err(cause).
			Int("pending", len(failed)).
			Msg("Connection lost")
	}
	for _, pending := range failed {
		pending.done <- result{err: err}
	}
	return closeErr
}

// Close disconnects and fails pending requests with ErrConnectionClosed. The connection
// can be connected again afterwards.
func (c *Connection) Close() error {
	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()
	return c.disconnect(generation, nil)
}

package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"nodepool/pkg/log"
	"nodepool/pkg/models"

	"go.uber.org/multierr"
)

const (
	DefaultMaxConnections = 12
	DefaultIdleTimeout    = 2 * time.Minute
	defaultPruneInterval  = 30 * time.Second
)

// Factory builds a new, disconnected connection for endpoint.
type Factory func(endpoint models.Endpoint) *Connection

// Info is a diagnostics snapshot of one pooled connection.
type Info struct {
	ID         uint64          `json:"id"`
	Endpoint   models.Endpoint `json:"endpoint"`
	State      string          `json:"state"`
	LastActive time.Time       `json:"last_active"`
	Pinned     bool            `json:"pinned"`
	Pending    int             `json:"pending"`
}

// Pool caps the number of connections. At capacity it evicts the least recently active
// disconnected connection; connected ones are never evicted.
type Pool struct {
	mu             sync.Mutex
	conns          map[string]*Connection
	factory        Factory
	maxConnections int
	idleTimeout    time.Duration
	clock          func() time.Time

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	wg          sync.WaitGroup
	running     bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolClock overrides time.Now for idle computations.
func WithPoolClock(clock func() time.Time) PoolOption {
	return func(p *Pool) { p.clock = clock }
}

// NewPool creates an empty pool.
func NewPool(factory Factory, maxConnections int, idleTimeout time.Duration, opts ...PoolOption) *Pool {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	p := &Pool{
		conns:          make(map[string]*Connection),
		factory:        factory,
		maxConnections: maxConnections,
		idleTimeout:    idleTimeout,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the pooled connection for endpoint, creating one if needed.
func (p *Pool) Get(endpoint models.Endpoint) (*Connection, error) {
	key := endpoint.Key()

	p.mu.Lock()
	if conn, ok := p.conns[key]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	var evicted *Connection
	if len(p.conns) >= p.maxConnections {
		evicted = p.evictLocked()
		if evicted == nil {
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}
	}
	conn := p.factory(endpoint)
	p.conns[key] = conn
	p.mu.Unlock()

	if evicted != nil {
		_ = evicted.Close()
		log.Debug().
			Str("endpoint", evicted.Endpoint().Key()).
			Msg("Evicted idle connection")
	}
	return conn, nil
}

// Acquire returns a connected connection for endpoint.
func (p *Pool) Acquire(ctx context.Context, endpoint models.Endpoint) (*Connection, error) {
	conn, err := p.Get(endpoint)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Pool) evictLocked() *Connection {
	var (
		victimKey string
		victim    *Connection
	)
	for key, conn := range p.conns {
		if conn.State() != StateDisconnected || conn.Pinned() {
			continue
		}
		if victim == nil || conn.LastActive().Before(victim.LastActive()) {
			victimKey, victim = key, conn
		}
	}
	if victim != nil {
		delete(p.conns, victimKey)
	}
	return victim
}

// Lookup returns the pooled connection for endpoint without creating one.
func (p *Pool) Lookup(endpoint models.Endpoint) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[endpoint.Key()]
	return conn, ok
}

// Remove closes and forgets the connection for endpoint.
func (p *Pool) Remove(endpoint models.Endpoint) error {
	p.mu.Lock()
	conn, ok := p.conns[endpoint.Key()]
	delete(p.conns, endpoint.Key())
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return conn.Close()
}

// Pin marks the connection for endpoint as exempt from idle pruning.
func (p *Pool) Pin(endpoint models.Endpoint, pinned bool) bool {
	conn, ok := p.Lookup(endpoint)
	if ok {
		conn.SetPinned(pinned)
	}
	return ok
}

// Prune closes unpinned connections idle for longer than the idle timeout: disconnected
// ones, and connected ones with no request in flight.
func (p *Pool) Prune() int {
	cutoff := p.clock().Add(-p.idleTimeout)

	p.mu.Lock()
	var pruned []*Connection
	for key, conn := range p.conns {
		if conn.Pinned() || !conn.LastActive().Before(cutoff) {
			continue
		}
		if conn.State() == StateConnecting || conn.PendingCount() > 0 {
			continue
		}
		delete(p.conns, key)
		pruned = append(pruned, conn)
	}
	p.mu.Unlock()

	for _, conn := range pruned {
		_ = conn.Close()
	}
	if len(pruned) > 0 {
		log.Debug().Int("pruned", len(pruned)).Msg("Pruned idle connections")
	}
	return len(pruned)
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Snapshot describes every pooled connection, sorted by endpoint.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	infos := make([]Info, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, Info{
			ID:         conn.ID(),
			Endpoint:   conn.Endpoint(),
			State:      conn.State().String(),
			LastActive: conn.LastActive(),
			Pinned:     conn.Pinned(),
			Pending:    conn.PendingCount(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Endpoint.Key() < infos[j].Endpoint.Key()
	})
	return infos
}

// ResetBreakers closes every connection's breaker. Used when the network path changes and
// old failures say nothing about the new path.
func (p *Pool) ResetBreakers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.conns {
		conn.Breaker().Reset()
	}
}

// CloseAll closes and forgets every connection.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Connection)
	p.mu.Unlock()

	var err error
	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}
	return err
}

// Start runs periodic pruning. Calling Start twice is a no-op.
func (p *Pool) Start(interval time.Duration) {
	if interval <= 0 {
		interval = defaultPruneInterval
	}

	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.pruneLoop(interval, p.stopCh)
}

// Stop ends periodic pruning. Connections stay open; use CloseAll.
func (p *Pool) Stop() {
	p.lifecycleMu.Lock()
	if !p.running {
		p.lifecycleMu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.lifecycleMu.Unlock()
	p.wg.Wait()
}

func (p *Pool) pruneLoop(interval time.Duration, stopCh chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Prune()
		case <-stopCh:
			return
		}
	}
}

package router

import (
	"context"
	"fmt"
	"time"

	"nodepool/pkg/log"
	"nodepool/pkg/models"
	"nodepool/pkg/rpc"
	"nodepool/pkg/selector"

	"github.com/google/uuid"
)

const (
	modeFailover = "failover"
	modeHedged   = "hedged"
)

// RequestOption adjusts one request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	req      selector.Requirements
	attempts int
}

// WithRequirements restricts the request to nodes with the given capabilities.
func WithRequirements(req selector.Requirements) RequestOption {
	return func(o *requestOptions) { o.req = req }
}

// WithAttempts overrides how many endpoints are tried (failover) or raced (hedged).
func WithAttempts(n int) RequestOption {
	return func(o *requestOptions) { o.attempts = n }
}

type attemptResult[T any] struct {
	endpoint models.Endpoint
	value    T
	err      error
}

// Request runs op with sequential failover over the best ranked endpoints. Every attempt
// is scored; the first success wins and otherwise the last error is returned wrapped in
// ErrAllAttemptsFailed.
func Request[T any](
	ctx context.Context,
	r *Router,
	op string,
	build func() rpc.Request,
	parse func(rpc.Message) (T, error),
	opts ...RequestOption,
) (T, error) {
	var zero T
	if !r.isInitialized() {
		return zero, ErrNotInitialized
	}
	o := r.requestOptions(r.cfg.Router.FailoverAttempts, opts)

	endpoints := r.selector.Pick(o.attempts, o.req)
	if len(endpoints) == 0 {
		return zero, fmt.Errorf("%w: %s", ErrNoEndpoints, op)
	}

	var lastErr error
	for _, endpoint := range endpoints {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := attempt(ctx, ctx, r, modeFailover, endpoint, build, parse)
		if err == nil {
			return value, nil
		}
		lastErr = err
		log.Debug().
			Str("op", op).
			Str("endpoint", endpoint.Key()).
			Err(err).
			Msg("Request attempt failed, failing over")
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrAllAttemptsFailed, op, lastErr)
}

// RequestHedged races op over the best ranked endpoints. The first starts immediately,
// each next one after the quality-dependent stagger or as soon as an earlier one fails.
// The first success cancels the rest; losers are not scored. Use it only for operations
// that are safe to run twice.
func RequestHedged[T any](
	ctx context.Context,
	r *Router,
	op string,
	build func() rpc.Request,
	parse func(rpc.Message) (T, error),
	opts ...RequestOption,
) (T, error) {
	var zero T
	if !r.isInitialized() {
		return zero, ErrNotInitialized
	}
	o := r.requestOptions(r.cfg.Router.HedgeFanout, opts)

	endpoints := r.selector.Pick(o.attempts, o.req)
	if len(endpoints) == 0 {
		return zero, fmt.Errorf("%w: %s", ErrNoEndpoints, op)
	}

	traceID := uuid.NewString()
	stagger := time.Duration(r.cfg.Router.HedgeStaggerMs.For(r.monitor.Snapshot().Quality)) * time.Millisecond

	hedgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attemptResult[T], len(endpoints))
	launch := func(endpoint models.Endpoint) {
		go func() {
			value, err := attempt(ctx, hedgeCtx, r, modeHedged, endpoint, build, parse)
			results <- attemptResult[T]{endpoint: endpoint, value: value, err: err}
		}()
	}

	launched, finished := 1, 0
	launch(endpoints[0])

	timer := time.NewTimer(stagger)
	defer timer.Stop()

	var lastErr error
	for finished < launched {
		var timerC <-chan time.Time
		if launched < len(endpoints) {
			timerC = timer.C
		}

		select {
		case res := <-results:
			finished++
			if res.err == nil {
				cancel()
				log.Debug().
					Str("op", op).
					Str("trace_id", traceID).
					Str("endpoint", res.endpoint.Key()).
					Int("launched", launched).
					Msg("Hedged request won")
				return res.value, nil
			}
			lastErr = res.err
			log.Debug().
				Str("op", op).
				Str("trace_id", traceID).
				Str("endpoint", res.endpoint.Key()).
				Err(res.err).
				Msg("Hedged attempt failed")
			if launched < len(endpoints) && ctx.Err() == nil {
				launch(endpoints[launched])
				launched++
				resetTimer(timer, stagger)
			}
		case <-timerC:
			launch(endpoints[launched])
			launched++
			timer.Reset(stagger)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrAllAttemptsFailed, op, lastErr)
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

func (r *Router) requestOptions(attempts int, opts []RequestOption) requestOptions {
	o := requestOptions{attempts: attempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.attempts <= 0 {
		o.attempts = 1
	}
	return o
}

// attempt runs one request against endpoint and scores it. parent is the caller's context;
// ctx may be a hedge context that is cancelled when a sibling wins, which classifies as
// cancelled and is not scored.
func attempt[T any](
	parent, ctx context.Context,
	r *Router,
	mode string,
	endpoint models.Endpoint,
	build func() rpc.Request,
	parse func(rpc.Message) (T, error),
) (T, error) {
	var zero T
	started := time.Now()

	if timeout := r.cfg.Router.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	value, err := func() (T, error) {
		conn, err := r.pool.Acquire(ctx, endpoint)
		if err != nil {
			return zero, err
		}
		msg, err := conn.Request(ctx, build())
		if err != nil {
			return zero, err
		}
		if carrier, ok := msg.(rpc.ErrorCarrier); ok {
			if rpcErr := carrier.RPCError(); rpcErr != nil {
				return zero, fmt.Errorf("%w: %w", ErrProtocol, rpcErr)
			}
		}
		value, err := parse(msg)
		if err != nil {
			return zero, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return value, nil
	}()

	r.observe(parent, mode, endpoint, err, time.Since(started))
	return value, err
}

func (r *Router) observe(parent context.Context, mode string, endpoint models.Endpoint, err error, elapsed time.Duration) {
	outcome := classify(parent, err)
	r.metrics.RouterAttempt(mode, outcome.String(), elapsed.Seconds())

	epoch := r.monitor.Snapshot().EpochID
	switch outcome {
	case OutcomeSuccess:
		latency := float64(elapsed.Microseconds()) / 1000
		r.registry.RecordResult(endpoint, epoch, &latency, false, false)
		r.penalties.Delete(endpoint.Key())
	case OutcomeTimeout:
		r.registry.RecordResult(endpoint, epoch, nil, true, false)
		r.penalize(endpoint)
	case OutcomeError:
		r.registry.RecordResult(endpoint, epoch, nil, false, true)
		r.penalize(endpoint)
	}
}

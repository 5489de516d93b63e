package connection

import "errors"

var (
	// ErrTimeout is returned when a request gets no response in time.
	ErrTimeout = errors.New("request timed out")

	// ErrConnectionClosed fails requests pending when the connection goes away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCircuitOpen is returned without touching the network while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrNotConnected is returned for requests on a connection that is not connected.
	ErrNotConnected = errors.New("not connected")

	// ErrPoolExhausted is returned when the pool is full of live connections.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrConnectTimeout is returned when a connect attempt exceeds its deadline.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrTransport wraps dial, send and receive failures.
	ErrTransport = errors.New("transport error")
)

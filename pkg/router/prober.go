package router

import (
	"context"
	"fmt"
	"time"

	"nodepool/pkg/connection"
	"nodepool/pkg/models"
	"nodepool/pkg/rpc"
	"nodepool/pkg/rpc/envelope"
)

// Prober runs capability probes and peer exchange. It reuses a live pooled connection
// when one exists and otherwise dials a transient one, so probing candidates never takes
// pool capacity.
type Prober struct {
	pool    *connection.Pool
	factory connection.Factory
}

// NewProber creates a prober over pool; factory builds transient connections.
func NewProber(pool *connection.Pool, factory connection.Factory) *Prober {
	return &Prober{pool: pool, factory: factory}
}

// Probe asks the node for its info and network, timing the info round trip.
func (p *Prober) Probe(ctx context.Context, endpoint models.Endpoint) (models.ProbeResult, error) {
	var result models.ProbeResult
	err := p.withConnection(ctx, endpoint, func(conn *connection.Connection) error {
		started := time.Now()
		info, err := roundTrip[*envelope.GetInfoResponse](ctx, conn, &envelope.GetInfoRequest{})
		if err != nil {
			return err
		}
		latency := float64(time.Since(started).Microseconds()) / 1000

		network, err := roundTrip[*envelope.GetCurrentNetworkResponse](ctx, conn, &envelope.GetCurrentNetworkRequest{})
		if err != nil {
			return err
		}

		result = models.ProbeResult{
			NetworkID:     network.CurrentNetwork,
			IsSynced:      info.IsSynced,
			IsUtxoIndexed: info.IsUtxoIndexed,
			ServerVersion: info.ServerVersion,
			// The envelope transport carries every payload size over one stream.
			LargePayloadReachable: models.Bool(true),
			LatencyMs:             latency,
		}
		return nil
	})
	return result, err
}

// PeerAddresses returns the addresses the node knows about.
func (p *Prober) PeerAddresses(ctx context.Context, endpoint models.Endpoint) ([]string, error) {
	var addresses []string
	err := p.withConnection(ctx, endpoint, func(conn *connection.Connection) error {
		resp, err := roundTrip[*envelope.GetPeerAddressesResponse](ctx, conn, &envelope.GetPeerAddressesRequest{})
		if err != nil {
			return err
		}
		addresses = make([]string, 0, len(resp.Addresses))
		for _, peer := range resp.Addresses {
			addresses = append(addresses, peer.Addr)
		}
		return nil
	})
	return addresses, err
}

func (p *Prober) withConnection(ctx context.Context, endpoint models.Endpoint, fn func(*connection.Connection) error) error {
	if conn, ok := p.pool.Lookup(endpoint); ok && conn.IsConnected() {
		return fn(conn)
	}

	conn := p.factory(endpoint)
	defer conn.Close()
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	return fn(conn)
}

func roundTrip[T rpc.Message](ctx context.Context, conn *connection.Connection, req rpc.Request) (T, error) {
	var zero T
	msg, err := conn.Request(ctx, req)
	if err != nil {
		return zero, err
	}
	if carrier, ok := msg.(rpc.ErrorCarrier); ok {
		if rpcErr := carrier.RPCError(); rpcErr != nil {
			return zero, fmt.Errorf("%w: %s: %w", ErrProtocol, req.Type(), rpcErr)
		}
	}
	resp, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected %s response to %s", ErrProtocol, msg.Type(), req.Type())
	}
	return resp, nil
}

// Package envelope is a JSON framing of rpc messages as {"type": ..., "payload": ...}.
// It ships the capability-probe and peer-exchange messages the profiler needs.
package envelope

import (
	"encoding/json"
	"fmt"
	"sync"

	"nodepool/pkg/rpc"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Raw is returned for tags with no registered factory, so unknown notifications still
// reach subscribers.
type Raw struct {
	Tag     string          `json:"-"`
	Payload json.RawMessage `json:"-"`
}

// Type implements rpc.Message.
func (r *Raw) Type() string {
	return r.Tag
}

// Codec implements rpc.Codec. Register is safe to call concurrently with Decode.
type Codec struct {
	mu        sync.RWMutex
	factories map[string]func() rpc.Message
}

// NewCodec returns a codec with the built-in probe messages registered.
func NewCodec() *Codec {
	c := &Codec{factories: make(map[string]func() rpc.Message)}
	c.Register(TypeGetInfoRequest, func() rpc.Message { return &GetInfoRequest{} })
	c.Register(TypeGetInfoResponse, func() rpc.Message { return &GetInfoResponse{} })
	c.Register(TypeGetCurrentNetworkRequest, func() rpc.Message { return &GetCurrentNetworkRequest{} })
	c.Register(TypeGetCurrentNetworkResponse, func() rpc.Message { return &GetCurrentNetworkResponse{} })
	c.Register(TypeGetPeerAddressesRequest, func() rpc.Message { return &GetPeerAddressesRequest{} })
	c.Register(TypeGetPeerAddressesResponse, func() rpc.Message { return &GetPeerAddressesResponse{} })
	return c
}

// Register binds a tag to a message factory, replacing any previous binding.
func (c *Codec) Register(tag string, factory func() rpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[tag] = factory
}

// Encode implements rpc.Codec.
func (c *Codec) Encode(msg rpc.Message) ([]byte, error) {
	var payload json.RawMessage
	if raw, ok := msg.(*Raw); ok {
		payload = raw.Payload
	} else {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", rpc.ErrMalformed, msg.Type(), err)
		}
		payload = data
	}
	return json.Marshal(frame{Type: msg.Type(), Payload: payload})
}

// Decode implements rpc.Codec.
func (c *Codec) Decode(data []byte) (rpc.Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", rpc.ErrMalformed, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", rpc.ErrMalformed)
	}

	c.mu.RLock()
	factory, ok := c.factories[f.Type]
	c.mu.RUnlock()
	if !ok {
		return &Raw{Tag: f.Type, Payload: f.Payload}, nil
	}

	msg := factory()
	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		if err := json.Unmarshal(f.Payload, msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", rpc.ErrMalformed, f.Type, err)
		}
	}
	return msg, nil
}

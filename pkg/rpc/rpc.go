// Package rpc defines the opaque typed message contract the routing core relies on.
// Encoding and business semantics live behind Codec.
package rpc

import "errors"

var (
	// ErrUnknownType is returned when a codec meets a discriminator it cannot build.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMalformed is returned for frames that cannot be decoded at all.
	ErrMalformed = errors.New("malformed message")
)

// Message is any wire message. Type is its discriminator tag.
type Message interface {
	Type() string
}

// Request is a message that expects exactly one response whose tag is ResponseType.
// Responses carry no request id, so connections match them FIFO per response type.
type Request interface {
	Message
	ResponseType() string
}

// Codec frames messages for a transport.
type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// ErrorCarrier is implemented by responses that can carry a node-side error.
type ErrorCarrier interface {
	RPCError() error
}

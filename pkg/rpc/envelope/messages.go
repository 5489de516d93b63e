package envelope

import "fmt"

const (
	TypeGetInfoRequest            = "getInfoRequest"
	TypeGetInfoResponse           = "getInfoResponse"
	TypeGetCurrentNetworkRequest  = "getCurrentNetworkRequest"
	TypeGetCurrentNetworkResponse = "getCurrentNetworkResponse"
	TypeGetPeerAddressesRequest   = "getPeerAddressesRequest"
	TypeGetPeerAddressesResponse  = "getPeerAddressesResponse"
)

// Error is a node-side failure embedded in a response.
type Error struct {
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("node error: %s", e.Message)
}

func rpcError(e *Error) error {
	if e == nil {
		return nil
	}
	return e
}

type GetInfoRequest struct{}

func (*GetInfoRequest) Type() string         { return TypeGetInfoRequest }
func (*GetInfoRequest) ResponseType() string { return TypeGetInfoResponse }

type GetInfoResponse struct {
	P2PID         string `json:"p2pId"`
	MempoolSize   uint64 `json:"mempoolSize"`
	ServerVersion string `json:"serverVersion"`
	IsUtxoIndexed bool   `json:"isUtxoIndexed"`
	IsSynced      bool   `json:"isSynced"`
	Error         *Error `json:"error,omitempty"`
}

func (*GetInfoResponse) Type() string { return TypeGetInfoResponse }

// RPCError implements rpc.ErrorCarrier.
func (r *GetInfoResponse) RPCError() error { return rpcError(r.Error) }

type GetCurrentNetworkRequest struct{}

func (*GetCurrentNetworkRequest) Type() string         { return TypeGetCurrentNetworkRequest }
func (*GetCurrentNetworkRequest) ResponseType() string { return TypeGetCurrentNetworkResponse }

type GetCurrentNetworkResponse struct {
	CurrentNetwork string `json:"currentNetwork"`
	Error          *Error `json:"error,omitempty"`
}

func (*GetCurrentNetworkResponse) Type() string { return TypeGetCurrentNetworkResponse }

// RPCError implements rpc.ErrorCarrier.
func (r *GetCurrentNetworkResponse) RPCError() error { return rpcError(r.Error) }

type GetPeerAddressesRequest struct{}

func (*GetPeerAddressesRequest) Type() string         { return TypeGetPeerAddressesRequest }
func (*GetPeerAddressesRequest) ResponseType() string { return TypeGetPeerAddressesResponse }

// PeerAddress is one address advertised by a node; Addr is "host:port".
type PeerAddress struct {
	Addr string `json:"addr"`
}

type GetPeerAddressesResponse struct {
	Addresses       []PeerAddress `json:"addresses"`
	BannedAddresses []PeerAddress `json:"bannedAddresses"`
	Error           *Error        `json:"error,omitempty"`
}

func (*GetPeerAddressesResponse) Type() string { return TypeGetPeerAddressesResponse }

// RPCError implements rpc.ErrorCarrier.
func (r *GetPeerAddressesResponse) RPCError() error { return rpcError(r.Error) }

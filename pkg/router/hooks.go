package router

import (
	"nodepool/pkg/models"
	"nodepool/pkg/rpc"
)

// SubscriptionHooks is the downstream subscription manager. It builds sticky-primary and
// standby subscriptions on top of the router and receives everything it needs to react.
type SubscriptionHooks interface {
	// PoolChanged fires after any node state or pool health change.
	PoolChanged(health models.PoolHealth)
	// EpochChanged fires after a network path change was handled.
	EpochChanged(snapshot models.NetworkSnapshot)
	// BetterNode fires when a node has been clearly faster than the primary.
	BetterNode(primary, better models.Endpoint)
	// Notification receives inbound messages that matched no request.
	Notification(endpoint models.Endpoint, msg rpc.Message)
}

// NopHooks ignores everything.
type NopHooks struct{}

func (NopHooks) PoolChanged(models.PoolHealth) {}
func (NopHooks) EpochChanged(models.NetworkSnapshot) {}
func (NopHooks) BetterNode(models.Endpoint, models.Endpoint) {}
func (NopHooks) Notification(models.Endpoint, rpc.Message) {}

package manager

import (
	"context"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-subscriptions/internal/monitoreditem"
)

// Namespace is the address-space-side collaborator the SubscriptionManager
// calls out to when a MonitoredItem is created, modified, or deleted, and
// whenever monitoring mode changes (spec §3, §6). The core never reads a
// node's value or attributes directly; every round trip into the address
// space goes through this interface. The manager calls whichever Namespace
// it was given directly; cmd/subscriptiond passes a namespace.BreakerNamespace,
// which routes every call through a circuit breaker (spec §4.6) so that a
// failing namespace fails fast.
type Namespace interface {
	// ValidateNode checks that attributeID is readable on nodeID and
	// returns the EURange needed to interpret a percent deadband, if the
	// node has one (nil otherwise).
	ValidateNode(ctx context.Context, nodeID *ua.NodeID, attributeID uint32) (*monitoreditem.EURange, ua.StatusCode)

	// ReviseSamplingInterval resolves a requested sampling interval against
	// the node's capabilities (or the server's minimum), per spec §4.2.
	ReviseSamplingInterval(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, requested float64) (revised float64, status ua.StatusCode)

	// StartSampling begins feeding EnqueueData/EnqueueEvent calls into item
	// for the given node/attribute. The Namespace owns the sampling
	// goroutine; item is safe for concurrent Enqueue/Drain per its own
	// contract.
	StartSampling(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, samplingInterval float64, item monitoreditem.MonitoredItem) (SamplingHandle, ua.StatusCode)

	// StopSampling releases a handle returned by StartSampling.
	StopSampling(ctx context.Context, handle SamplingHandle)

	// OnMonitoringModeChanged lets the Namespace pause/resume its sampling
	// goroutines as an optimization; the core's own behavior does not
	// depend on this being acted upon (spec §4.2).
	OnMonitoringModeChanged(ctx context.Context, itemIDs []uint32, mode ua.MonitoringMode)
}

// SamplingHandle identifies an active sampling registration so it can be
// torn down later; its concrete shape is owned by the Namespace
// implementation.
type SamplingHandle interface{}

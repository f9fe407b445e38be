// Package manager implements the SubscriptionManager service dispatcher
// (spec §4.4): the per-session entry point that turns CreateSubscription,
// ModifySubscription, DeleteSubscriptions, Create/Modify/DeleteMonitoredItems,
// SetPublishingMode, SetMonitoringMode, SetTriggering, Publish, and
// Republish service calls into operations on subscription.Subscription and
// monitoreditem.MonitoredItem.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-subscriptions/internal/config"
	"github.com/nexus-edge/opcua-subscriptions/internal/metrics"
	"github.com/nexus-edge/opcua-subscriptions/internal/publishqueue"
	"github.com/nexus-edge/opcua-subscriptions/internal/subscription"
)

// IDAllocator hands out process-wide unique subscription ids, shared across
// every session's SubscriptionManager (spec §3: id uniqueness is
// server-wide, not session-scoped, so a transferred Subscription never
// collides with one a different session created). Monitored item ids are
// allocated per Subscription by Subscription.AllocateItemID.
type IDAllocator struct {
	subscriptionID atomic.Uint32
}

// NewIDAllocator creates a fresh allocator. One instance is owned by the
// ServerRegistry and shared by every SubscriptionManager it constructs.
func NewIDAllocator() *IDAllocator { return &IDAllocator{} }

// NextSubscriptionID returns the next unused subscription id.
func (a *IDAllocator) NextSubscriptionID() uint32 { return a.subscriptionID.Add(1) }

// Limits bounds what a session may request, resolved from server-wide
// configuration (spec §3's Limits type).
type Limits struct {
	MinPublishingInterval      float64
	MaxSubscriptionsPerSession int
	MaxMonitoredItemsPerSub    int
	MaxRetainedMessages        int
	MaxKeepAliveCount          uint32
	MaxLifetimeCount           uint32
}

// DefaultLimits returns conservative defaults matching SPEC_FULL.md §3.
func DefaultLimits() Limits {
	return Limits{
		MinPublishingInterval:      50,
		MaxSubscriptionsPerSession: 100,
		MaxMonitoredItemsPerSub:    10000,
		MaxRetainedMessages:        1024,
		MaxKeepAliveCount:          10000,
		MaxLifetimeCount:           30000,
	}
}

// LimitsFromConfig adapts the on-disk configuration shape into the Limits
// the manager enforces. A zero cap in config means unbounded; Limits has no
// "unbounded" sentinel, so those map to a very large cap instead.
func LimitsFromConfig(cfg config.Limits) Limits {
	maxSubs := cfg.MaxSubscriptionsPerSession
	if maxSubs <= 0 {
		maxSubs = 1 << 30
	}
	maxItems := cfg.MaxItemsPerSubscription
	if maxItems <= 0 {
		maxItems = 1 << 30
	}
	return Limits{
		MinPublishingInterval:      cfg.MinPublishingInterval,
		MaxSubscriptionsPerSession: maxSubs,
		MaxMonitoredItemsPerSub:    maxItems,
		MaxRetainedMessages:        cfg.AvailableMessagesCap,
		MaxKeepAliveCount:          cfg.MaxKeepAliveCount,
		MaxLifetimeCount:           cfg.MaxLifetimeCount,
	}
}

type pendingItemOp struct {
	cancel context.CancelFunc
}

// SubscriptionManager is the per-session object a binding calls into for
// every subscription-related service request.
type SubscriptionManager struct {
	sessionID string

	mu   sync.RWMutex
	subs map[uint32]*subscription.Subscription

	samplingMu sync.Mutex
	sampling   map[uint32]map[uint32]SamplingHandle // subID -> itemID -> handle

	ackMu      sync.Mutex
	ackResults map[uint32][]ua.StatusCode // requestHandle -> ack results

	arbiterMu sync.Mutex

	opsMu sync.Mutex
	ops   map[uint32][]pendingItemOp // subID -> in-flight Namespace calls

	queue   *publishqueue.Queue
	ids     *IDAllocator
	ns      Namespace
	metrics *metrics.Registry
	logger  zerolog.Logger
	limits  Limits
}

// New constructs a SubscriptionManager for one session.
func New(sessionID string, ids *IDAllocator, ns Namespace, metrics *metrics.Registry, logger zerolog.Logger, limits Limits) *SubscriptionManager {
	return &SubscriptionManager{
		sessionID: sessionID,
		subs:       make(map[uint32]*subscription.Subscription),
		sampling:   make(map[uint32]map[uint32]SamplingHandle),
		ackResults: make(map[uint32][]ua.StatusCode),
		ops:        make(map[uint32][]pendingItemOp),
		queue:      publishqueue.New(),
		ids:        ids,
		ns:         ns,
		metrics:    metrics,
		logger:     logger.With().Str("component", "subscription_manager").Str("session", sessionID).Logger(),
		limits:     limits,
	}
}

// SessionID returns the owning session's identifier.
func (m *SubscriptionManager) SessionID() string { return m.sessionID }

// SubscriptionCount reports how many subscriptions this manager currently
// owns, used by the ServerRegistry to decide whether a session is idle.
func (m *SubscriptionManager) SubscriptionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// AdoptSubscription re-points a Subscription created under a different
// session onto this manager, used by transfer (spec §4.5). The
// subscription keeps its id, items, and retained messages.
func (m *SubscriptionManager) AdoptSubscription(sub *subscription.Subscription) {
	sub.SetClaimer(m)
	sub.SetCloseListener(m.onSubscriptionClosed)

	m.mu.Lock()
	m.subs[sub.ID()] = sub
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetSubscriptionsOpen(m.SubscriptionCount())
	}
}

// ClaimPublish implements subscription.PublishClaimer: highest priority,
// longest-waiting Subscription among this session's ready subscriptions
// gets the next queued Publish request (spec §4.3).
func (m *SubscriptionManager) ClaimPublish(sub *subscription.Subscription) (*publishqueue.Request, bool) {
	m.arbiterMu.Lock()
	defer m.arbiterMu.Unlock()

	m.mu.RLock()
	var rivals []*subscription.Subscription
	for id, other := range m.subs {
		if id == sub.ID() {
			continue
		}
		if other.WantsToPublish() {
			rivals = append(rivals, other)
		}
	}
	m.mu.RUnlock()

	subscription.SortByPriorityThenLastServed(rivals)
	for _, other := range rivals {
		if other.Priority() > sub.Priority() {
			return nil, false
		}
		if other.Priority() == sub.Priority() && other.LastServedAt().Before(sub.LastServedAt()) {
			return nil, false
		}
	}

	req, ok := m.queue.Poll()
	if ok {
		sub.MarkServed(time.Now())
		if m.metrics != nil {
			m.metrics.SetPublishQueueDepth(m.queue.Len())
		}
	}
	return req, ok
}

// AckResultsFor implements subscription.PublishClaimer.
func (m *SubscriptionManager) AckResultsFor(requestHandle uint32) []ua.StatusCode {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	results := m.ackResults[requestHandle]
	delete(m.ackResults, requestHandle)
	return results
}

func (m *SubscriptionManager) onSubscriptionClosed(sub *subscription.Subscription, status ua.StatusCode) {
	m.mu.Lock()
	delete(m.subs, sub.ID())
	count := len(m.subs)
	m.mu.Unlock()

	sub.CloseAllItems()
	m.cancelPendingOps(sub.ID())

	if m.metrics != nil {
		m.metrics.IncSubscriptionsDeleted()
		m.metrics.SetSubscriptionsOpen(count)
	}

	m.logger.Info().Uint32("subscription_id", sub.ID()).Str("status", status.Error()).Msg("subscription closed")
}

func (m *SubscriptionManager) registerPendingOp(subID uint32, cancel context.CancelFunc) {
	m.opsMu.Lock()
	m.ops[subID] = append(m.ops[subID], pendingItemOp{cancel: cancel})
	m.opsMu.Unlock()
}

func (m *SubscriptionManager) cancelPendingOps(subID uint32) {
	m.opsMu.Lock()
	ops := m.ops[subID]
	delete(m.ops, subID)
	m.opsMu.Unlock()

	for _, op := range ops {
		op.cancel()
	}
}

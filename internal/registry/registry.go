// Package registry implements the ServerRegistry: the server-wide index
// that lets a Subscription outlive the session that created it (spec §4.5)
// and be handed to another session via TransferSubscriptions.
package registry

import (
	"sync"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-subscriptions/internal/manager"
	"github.com/nexus-edge/opcua-subscriptions/internal/metrics"
	"github.com/nexus-edge/opcua-subscriptions/internal/subscription"
)

// ServerRegistry owns the process-wide id allocator and tracks which
// session (if any) currently owns each Subscription.
type ServerRegistry struct {
	mu       sync.RWMutex
	ids      *manager.IDAllocator
	managers map[string]*manager.SubscriptionManager
	owner    map[uint32]string                      // subscriptionID -> sessionID, active only
	parked   map[uint32]*subscription.Subscription   // subscriptionID -> Subscription, session closed but not deleted

	metrics *metrics.Registry
	logger  zerolog.Logger
	limits  manager.Limits
}

// New creates an empty ServerRegistry.
func New(metrics *metrics.Registry, logger zerolog.Logger, limits manager.Limits) *ServerRegistry {
	return &ServerRegistry{
		ids:      manager.NewIDAllocator(),
		managers: make(map[string]*manager.SubscriptionManager),
		owner:    make(map[uint32]string),
		parked:   make(map[uint32]*subscription.Subscription),
		metrics:  metrics,
		logger:   logger.With().Str("component", "server_registry").Logger(),
		limits:   limits,
	}
}

// OpenSession creates a new SubscriptionManager for sessionID, backed by
// the registry's shared id allocator, and registers it.
func (r *ServerRegistry) OpenSession(sessionID string, ns manager.Namespace) *manager.SubscriptionManager {
	mgr := manager.New(sessionID, r.ids, ns, r.metrics, r.logger, r.limits)

	r.mu.Lock()
	r.managers[sessionID] = mgr
	r.mu.Unlock()

	return mgr
}

// SessionManager looks up a session's SubscriptionManager.
func (r *ServerRegistry) SessionManager(sessionID string) (*manager.SubscriptionManager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mgr, ok := r.managers[sessionID]
	return mgr, ok
}

// RegisterSubscription records sessionID as the owner of id, called by the
// binding layer right after a CreateSubscription response. TransferSubscriptions
// uses this record to find the live session that owns id; a subscription that
// was never registered cannot be transferred from a live session and reports
// Bad_SubscriptionIdInvalid.
func (r *ServerRegistry) RegisterSubscription(sessionID string, id uint32) {
	r.mu.Lock()
	r.owner[id] = sessionID
	r.mu.Unlock()
}

// CloseSession tears down a session's SubscriptionManager. When
// deleteSubscriptions is false, its Subscriptions are detached and parked
// rather than closed, available for a later TransferSubscriptions call
// (spec §4.5).
func (r *ServerRegistry) CloseSession(sessionID string, deleteSubscriptions bool) {
	r.mu.Lock()
	mgr, ok := r.managers[sessionID]
	delete(r.managers, sessionID)
	r.mu.Unlock()

	if !ok {
		return
	}

	if deleteSubscriptions {
		mgr.SessionClosed(true)
		r.mu.Lock()
		for id, owner := range r.owner {
			if owner == sessionID {
				delete(r.owner, id)
			}
		}
		r.mu.Unlock()
		return
	}

	subs := mgr.Subscriptions()
	r.mu.Lock()
	for _, sub := range subs {
		mgr.RemoveWithoutClosing(sub.ID())
		r.parked[sub.ID()] = sub
		delete(r.owner, sub.ID())
	}
	r.mu.Unlock()

	mgr.SessionClosed(false)

	r.logger.Info().Str("session", sessionID).Int("parked", len(subs)).Msg("session closed, subscriptions parked for transfer")
}

// TransferSubscriptions implements the TransferSubscriptions service:
// moving each listed Subscription (parked from a closed session, or
// currently owned by a different live session) onto newSessionID's
// SubscriptionManager.
func (r *ServerRegistry) TransferSubscriptions(newSessionID string, subscriptionIDs []uint32, sendInitialValues bool) []ua.StatusCode {
	results := make([]ua.StatusCode, len(subscriptionIDs))

	r.mu.RLock()
	newMgr, ok := r.managers[newSessionID]
	r.mu.RUnlock()
	if !ok {
		for i := range results {
			results[i] = ua.StatusBadSessionIDInvalid
		}
		return results
	}

	for i, id := range subscriptionIDs {
		results[i] = r.transferOne(newMgr, newSessionID, id)
	}
	return results
}

func (r *ServerRegistry) transferOne(newMgr *manager.SubscriptionManager, newSessionID string, id uint32) ua.StatusCode {
	r.mu.Lock()
	if sub, ok := r.parked[id]; ok {
		delete(r.parked, id)
		r.owner[id] = newSessionID
		r.mu.Unlock()

		newMgr.AdoptSubscription(sub)
		sub.QueueStatusChangeNotification(ua.StatusGoodSubscriptionTransferred)
		return ua.StatusOK
	}

	oldSessionID, ok := r.owner[id]
	if !ok {
		r.mu.Unlock()
		return ua.StatusBadSubscriptionIDInvalid
	}
	if oldSessionID == newSessionID {
		r.mu.Unlock()
		return ua.StatusOK
	}
	oldMgr, ok := r.managers[oldSessionID]
	r.mu.Unlock()
	if !ok {
		return ua.StatusBadSubscriptionIDInvalid
	}

	sub, ok := oldMgr.RemoveWithoutClosing(id)
	if !ok {
		return ua.StatusBadSubscriptionIDInvalid
	}

	r.mu.Lock()
	r.owner[id] = newSessionID
	r.mu.Unlock()

	newMgr.AdoptSubscription(sub)
	sub.QueueStatusChangeNotification(ua.StatusGoodSubscriptionTransferred)
	return ua.StatusOK
}

// ParkedCount reports how many Subscriptions are currently parked awaiting
// transfer, used by the health checker.
func (r *ServerRegistry) ParkedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.parked)
}

// SessionCount reports how many sessions currently have a SubscriptionManager.
func (r *ServerRegistry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

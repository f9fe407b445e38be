package manager

import (
	"context"
	"sync"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-subscriptions/internal/monitoreditem"
	"github.com/nexus-edge/opcua-subscriptions/internal/publishqueue"
	"github.com/nexus-edge/opcua-subscriptions/internal/stack"
	"github.com/nexus-edge/opcua-subscriptions/internal/subscription"
)

func (m *SubscriptionManager) clampInterval(requested float64) float64 {
	if requested < m.limits.MinPublishingInterval {
		return m.limits.MinPublishingInterval
	}
	return requested
}

func (m *SubscriptionManager) clampKeepAlive(requested uint32) uint32 {
	if requested == 0 {
		requested = 1
	}
	// A keep-alive count whose mandatory 3x lifetime floor would exceed the
	// server's lifetime ceiling can never be revised consistently (see
	// clampLifetime), so the keep-alive ceiling itself yields to the
	// lifetime ceiling rather than the other way around.
	maxKeepAlive := m.limits.MaxKeepAliveCount
	if fromLifetime := m.limits.MaxLifetimeCount / 3; fromLifetime < maxKeepAlive {
		maxKeepAlive = fromLifetime
	}
	if maxKeepAlive == 0 {
		maxKeepAlive = 1
	}
	if requested > maxKeepAlive {
		return maxKeepAlive
	}
	return requested
}

func (m *SubscriptionManager) clampLifetime(requested, keepAlive uint32) uint32 {
	min := 3 * keepAlive
	if requested < min {
		requested = min
	}
	if requested > m.limits.MaxLifetimeCount {
		return m.limits.MaxLifetimeCount
	}
	return requested
}

// CreateSubscription handles the CreateSubscription service (spec §4.4).
func (m *SubscriptionManager) CreateSubscription(sr stack.ServiceRequest[*ua.CreateSubscriptionRequest, *ua.CreateSubscriptionResponse]) {
	req := sr.Request()

	if m.SubscriptionCount() >= m.limits.MaxSubscriptionsPerSession {
		sr.SetServiceFault(uint32(ua.StatusBadTooManySubscriptions))
		return
	}

	interval := m.clampInterval(req.RequestedPublishingInterval)
	keepAlive := m.clampKeepAlive(req.RequestedMaxKeepAliveCount)
	lifetime := m.clampLifetime(req.RequestedLifetimeCount, keepAlive)

	id := m.ids.NextSubscriptionID()
	sub := subscription.New(id, subscription.Config{
		PublishingInterval:         interval,
		MaxKeepAliveCount:          keepAlive,
		LifetimeCount:              lifetime,
		MaxNotificationsPerPublish: req.MaxNotificationsPerPublish,
		PublishingEnabled:          req.PublishingEnabled,
		Priority:                   req.Priority,
	}, m.limits.MaxRetainedMessages, m, m.metrics, m.logger)

	sub.SetCloseListener(m.onSubscriptionClosed)

	m.mu.Lock()
	m.subs[id] = sub
	count := len(m.subs)
	m.mu.Unlock()

	sub.Start()

	if m.metrics != nil {
		m.metrics.IncSubscriptionsCreated()
		m.metrics.SetSubscriptionsOpen(count)
	}

	sr.SetResponse(&ua.CreateSubscriptionResponse{
		SubscriptionID:            id,
		RevisedPublishingInterval: interval,
		RevisedLifetimeCount:      lifetime,
		RevisedMaxKeepAliveCount:  keepAlive,
	})
}

// ModifySubscription handles the ModifySubscription service.
func (m *SubscriptionManager) ModifySubscription(sr stack.ServiceRequest[*ua.ModifySubscriptionRequest, *ua.ModifySubscriptionResponse]) {
	req := sr.Request()

	sub, ok := m.lookup(req.SubscriptionID)
	if !ok {
		sr.SetServiceFault(uint32(ua.StatusBadSubscriptionIDInvalid))
		return
	}

	interval := m.clampInterval(req.RequestedPublishingInterval)
	keepAlive := m.clampKeepAlive(req.RequestedMaxKeepAliveCount)
	lifetime := m.clampLifetime(req.RequestedLifetimeCount, keepAlive)

	sub.Modify(subscription.Config{
		PublishingInterval:         interval,
		MaxKeepAliveCount:          keepAlive,
		LifetimeCount:              lifetime,
		MaxNotificationsPerPublish: req.MaxNotificationsPerPublish,
		PublishingEnabled:          true,
		Priority:                   req.Priority,
	})

	sr.SetResponse(&ua.ModifySubscriptionResponse{
		RevisedPublishingInterval: interval,
		RevisedLifetimeCount:      lifetime,
		RevisedMaxKeepAliveCount:  keepAlive,
	})
}

// SetPublishingMode handles SetPublishingMode across one or more
// subscriptions in this session.
func (m *SubscriptionManager) SetPublishingMode(sr stack.ServiceRequest[*ua.SetPublishingModeRequest, *ua.SetPublishingModeResponse]) {
	req := sr.Request()
	results := make([]ua.StatusCode, len(req.SubscriptionIDs))

	for i, id := range req.SubscriptionIDs {
		sub, ok := m.lookup(id)
		if !ok {
			results[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		sub.SetPublishingMode(req.PublishingEnabled)
		results[i] = ua.StatusOK
	}

	sr.SetResponse(&ua.SetPublishingModeResponse{Results: results})
}

// DeleteSubscriptions handles DeleteSubscriptions, tearing down each
// Subscription's items and releasing their Namespace sampling handles.
func (m *SubscriptionManager) DeleteSubscriptions(sr stack.ServiceRequest[*ua.DeleteSubscriptionsRequest, *ua.DeleteSubscriptionsResponse]) {
	req := sr.Request()
	results := make([]ua.StatusCode, len(req.SubscriptionIDs))

	for i, id := range req.SubscriptionIDs {
		// Removed from the map here rather than only by the asynchronous
		// close listener, so the zero-subscription check below sees it gone.
		sub, ok := m.RemoveWithoutClosing(id)
		if !ok {
			results[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		m.releaseAllSampling(sub)
		sub.Close(ua.StatusGood)
		results[i] = ua.StatusOK
	}

	if m.SubscriptionCount() == 0 {
		m.failQueuedPublishesWithNoSubscription()
	}

	sr.SetResponse(&ua.DeleteSubscriptionsResponse{Results: results})
}

// failQueuedPublishesWithNoSubscription drains every Publish request
// currently parked on this session's queue and fails it Bad_NoSubscription,
// per spec §4.4: a session left with zero subscriptions has nothing left to
// answer an outstanding Publish with.
func (m *SubscriptionManager) failQueuedPublishesWithNoSubscription() {
	for _, req := range m.queue.DrainAll() {
		req.Deliver(publishqueue.PublishOutcome{Fault: true, Status: uint32(ua.StatusBadNoSubscription)})
	}
}

func (m *SubscriptionManager) lookup(id uint32) (*subscription.Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	return sub, ok
}

func (m *SubscriptionManager) trackSampling(subID, itemID uint32, handle SamplingHandle) {
	m.samplingMu.Lock()
	defer m.samplingMu.Unlock()
	if m.sampling[subID] == nil {
		m.sampling[subID] = make(map[uint32]SamplingHandle)
	}
	m.sampling[subID][itemID] = handle
}

func (m *SubscriptionManager) releaseSampling(subID, itemID uint32) {
	m.samplingMu.Lock()
	handle, ok := m.sampling[subID][itemID]
	if ok {
		delete(m.sampling[subID], itemID)
	}
	m.samplingMu.Unlock()
	if ok {
		m.ns.StopSampling(context.Background(), handle)
	}
}

func (m *SubscriptionManager) releaseAllSampling(sub *subscription.Subscription) {
	for _, itemID := range sub.ItemIDs() {
		m.releaseSampling(sub.ID(), itemID)
	}
}

// itemCreateOutcome is the per-item result of the concurrent create fan-out.
type itemCreateOutcome struct {
	index  int
	result *ua.MonitoredItemCreateResult
}

// CreateMonitoredItems handles CreateMonitoredItems. Each item's Namespace
// round trip (ValidateNode, ReviseSamplingInterval, StartSampling) runs
// concurrently; the response waits for every item's future before
// answering, and a subscription deleted mid-flight cancels every
// outstanding item's context (spec §4.4, Open Question (b)).
func (m *SubscriptionManager) CreateMonitoredItems(ctx context.Context, sr stack.ServiceRequest[*ua.CreateMonitoredItemsRequest, *ua.CreateMonitoredItemsResponse]) {
	req := sr.Request()

	sub, ok := m.lookup(req.SubscriptionID)
	if !ok {
		sr.SetServiceFault(uint32(ua.StatusBadSubscriptionIDInvalid))
		return
	}

	opCtx, cancel := context.WithCancel(ctx)
	m.registerPendingOp(sub.ID(), cancel)
	defer cancel()

	outcomes := make([]*ua.MonitoredItemCreateResult, len(req.ItemsToCreate))
	resultsCh := make(chan itemCreateOutcome, len(req.ItemsToCreate))
	var wg sync.WaitGroup

	room := m.limits.MaxMonitoredItemsPerSub - sub.ItemCount()
	for i, itc := range req.ItemsToCreate {
		if i >= room {
			outcomes[i] = &ua.MonitoredItemCreateResult{StatusCode: ua.StatusBadTooManyMonitoredItems}
			continue
		}
		wg.Add(1)
		go func(i int, itc *ua.MonitoredItemCreateRequest) {
			defer wg.Done()
			resultsCh <- itemCreateOutcome{index: i, result: m.createOneItem(opCtx, sub, itc)}
		}(i, itc)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()
	for outcome := range resultsCh {
		outcomes[outcome.index] = outcome.result
	}

	created := 0
	for _, r := range outcomes {
		if r.StatusCode == ua.StatusOK {
			created++
		}
	}
	if m.metrics != nil && created > 0 {
		m.metrics.IncMonitoredItemsCreated(created)
	}

	sr.SetResponse(&ua.CreateMonitoredItemsResponse{Results: outcomes})
}

func (m *SubscriptionManager) createOneItem(ctx context.Context, sub *subscription.Subscription, itc *ua.MonitoredItemCreateRequest) *ua.MonitoredItemCreateResult {
	select {
	case <-ctx.Done():
		return &ua.MonitoredItemCreateResult{StatusCode: ua.StatusBadSubscriptionIDInvalid}
	default:
	}

	rvid := itc.ItemToMonitor
	params := itc.RequestedParameters

	euRange, status := m.ns.ValidateNode(ctx, rvid.NodeID, rvid.AttributeID)
	if status != ua.StatusOK {
		return &ua.MonitoredItemCreateResult{StatusCode: status}
	}

	revisedInterval, status := m.ns.ReviseSamplingInterval(ctx, rvid.NodeID, rvid.AttributeID, params.SamplingInterval)
	if status != ua.StatusOK {
		return &ua.MonitoredItemCreateResult{StatusCode: status}
	}

	itemID := sub.AllocateItemID()

	var item monitoreditem.MonitoredItem
	var createErr ua.StatusCode

	if isEventFilter(params.Filter) {
		filter, _ := params.Filter.Value.(*ua.EventFilter)
		item = monitoreditem.NewEventItem(itemID, rvid, params.ClientHandle, revisedInterval, params.QueueSize, params.DiscardOldest, filter)
	} else {
		item, createErr = monitoreditem.NewDataItem(itemID, rvid, params.ClientHandle, revisedInterval, params.QueueSize, params.DiscardOldest, params.Filter, euRange)
		if createErr != ua.StatusOK {
			return &ua.MonitoredItemCreateResult{StatusCode: createErr}
		}
	}

	item.SetMode(itc.MonitoringMode)

	handle, status := m.ns.StartSampling(ctx, rvid.NodeID, rvid.AttributeID, revisedInterval, item)
	if status != ua.StatusOK {
		return &ua.MonitoredItemCreateResult{StatusCode: status}
	}

	sub.AddItem(itemID, item)
	m.trackSampling(sub.ID(), itemID, handle)

	return &ua.MonitoredItemCreateResult{
		StatusCode:              ua.StatusOK,
		MonitoredItemID:         itemID,
		RevisedSamplingInterval: revisedInterval,
		RevisedQueueSize:        item.QueueSize(),
	}
}

func isEventFilter(ext *ua.ExtensionObject) bool {
	if ext == nil {
		return false
	}
	_, ok := ext.Value.(*ua.EventFilter)
	return ok
}

// ModifyMonitoredItems handles ModifyMonitoredItems with the same
// concurrent-fan-out-then-aggregate shape as CreateMonitoredItems.
func (m *SubscriptionManager) ModifyMonitoredItems(ctx context.Context, sr stack.ServiceRequest[*ua.ModifyMonitoredItemsRequest, *ua.ModifyMonitoredItemsResponse]) {
	req := sr.Request()

	sub, ok := m.lookup(req.SubscriptionID)
	if !ok {
		sr.SetServiceFault(uint32(ua.StatusBadSubscriptionIDInvalid))
		return
	}

	opCtx, cancel := context.WithCancel(ctx)
	m.registerPendingOp(sub.ID(), cancel)
	defer cancel()

	type outcome struct {
		index  int
		result *ua.MonitoredItemModifyResult
	}

	outcomes := make([]*ua.MonitoredItemModifyResult, len(req.ItemsToModify))
	resultsCh := make(chan outcome, len(req.ItemsToModify))
	var wg sync.WaitGroup

	for i, itm := range req.ItemsToModify {
		wg.Add(1)
		go func(i int, itm *ua.MonitoredItemModifyRequest) {
			defer wg.Done()
			resultsCh <- outcome{index: i, result: m.modifyOneItem(opCtx, sub, itm)}
		}(i, itm)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()
	for o := range resultsCh {
		outcomes[o.index] = o.result
	}

	sub.ResetLifetimeCounter()
	sr.SetResponse(&ua.ModifyMonitoredItemsResponse{Results: outcomes})
}

func (m *SubscriptionManager) modifyOneItem(ctx context.Context, sub *subscription.Subscription, itm *ua.MonitoredItemModifyRequest) *ua.MonitoredItemModifyResult {
	select {
	case <-ctx.Done():
		return &ua.MonitoredItemModifyResult{StatusCode: ua.StatusBadMonitoredItemIDInvalid}
	default:
	}

	item, ok := sub.Item(itm.MonitoredItemID)
	if !ok {
		return &ua.MonitoredItemModifyResult{StatusCode: ua.StatusBadMonitoredItemIDInvalid}
	}

	rvid := item.ReadValueID()
	params := itm.RequestedParameters

	revisedInterval, status := m.ns.ReviseSamplingInterval(ctx, rvid.NodeID, rvid.AttributeID, params.SamplingInterval)
	if status != ua.StatusOK {
		return &ua.MonitoredItemModifyResult{StatusCode: status}
	}

	var euRange *monitoreditem.EURange
	if ev, status := m.ns.ValidateNode(ctx, rvid.NodeID, rvid.AttributeID); status == ua.StatusOK {
		euRange = ev
	}

	status = item.Modify(params.ClientHandle, revisedInterval, params.QueueSize, params.DiscardOldest, params.Filter, euRange)
	if status != ua.StatusOK {
		return &ua.MonitoredItemModifyResult{StatusCode: status}
	}

	return &ua.MonitoredItemModifyResult{
		StatusCode:              ua.StatusOK,
		RevisedSamplingInterval: revisedInterval,
		RevisedQueueSize:        item.QueueSize(),
	}
}

// DeleteMonitoredItems handles DeleteMonitoredItems.
func (m *SubscriptionManager) DeleteMonitoredItems(sr stack.ServiceRequest[*ua.DeleteMonitoredItemsRequest, *ua.DeleteMonitoredItemsResponse]) {
	req := sr.Request()

	sub, ok := m.lookup(req.SubscriptionID)
	if !ok {
		sr.SetServiceFault(uint32(ua.StatusBadSubscriptionIDInvalid))
		return
	}

	results := make([]ua.StatusCode, len(req.MonitoredItemIDs))
	deleted := 0
	for i, itemID := range req.MonitoredItemIDs {
		item, ok := sub.RemoveItem(itemID)
		if !ok {
			results[i] = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		item.Close()
		m.releaseSampling(sub.ID(), itemID)
		results[i] = ua.StatusOK
		deleted++
	}

	if m.metrics != nil && deleted > 0 {
		m.metrics.IncMonitoredItemsDeleted(deleted)
	}

	sr.SetResponse(&ua.DeleteMonitoredItemsResponse{Results: results})
}

// SetMonitoringMode handles SetMonitoringMode, notifying the Namespace so
// it can pause/resume sampling as an optimization (the core continues to
// accept Enqueue calls regardless, per spec §4.2: a Disabled item simply
// drops its queue).
func (m *SubscriptionManager) SetMonitoringMode(ctx context.Context, sr stack.ServiceRequest[*ua.SetMonitoringModeRequest, *ua.SetMonitoringModeResponse]) {
	req := sr.Request()

	sub, ok := m.lookup(req.SubscriptionID)
	if !ok {
		sr.SetServiceFault(uint32(ua.StatusBadSubscriptionIDInvalid))
		return
	}

	results := make([]ua.StatusCode, len(req.MonitoredItemIDs))
	var ids []uint32
	for i, itemID := range req.MonitoredItemIDs {
		item, ok := sub.Item(itemID)
		if !ok {
			results[i] = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		item.SetMode(req.MonitoringMode)
		results[i] = ua.StatusOK
		ids = append(ids, itemID)
	}

	if len(ids) > 0 {
		m.ns.OnMonitoringModeChanged(ctx, ids, req.MonitoringMode)
	}

	sr.SetResponse(&ua.SetMonitoringModeResponse{Results: results})
}

// SetTriggering handles SetTriggering: wiring a Reporting item's
// TriggerLinks so its fires also flush the given Sampling-mode items.
func (m *SubscriptionManager) SetTriggering(sr stack.ServiceRequest[*ua.SetTriggeringRequest, *ua.SetTriggeringResponse]) {
	req := sr.Request()

	sub, ok := m.lookup(req.SubscriptionID)
	if !ok {
		sr.SetServiceFault(uint32(ua.StatusBadSubscriptionIDInvalid))
		return
	}

	triggerItem, ok := sub.Item(req.TriggeringItemID)
	if !ok {
		sr.SetServiceFault(uint32(ua.StatusBadMonitoredItemIDInvalid))
		return
	}

	addResults := make([]ua.StatusCode, len(req.LinksToAdd))
	for i, targetID := range req.LinksToAdd {
		if _, ok := sub.Item(targetID); !ok {
			addResults[i] = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		triggerItem.AddTriggerLink(targetID)
		addResults[i] = ua.StatusOK
	}

	removeResults := make([]ua.StatusCode, len(req.LinksToRemove))
	for i, targetID := range req.LinksToRemove {
		if triggerItem.RemoveTriggerLink(targetID) {
			removeResults[i] = ua.StatusOK
		} else {
			removeResults[i] = ua.StatusBadMonitoredItemIDInvalid
		}
	}

	sr.SetResponse(&ua.SetTriggeringResponse{AddResults: addResults, RemoveResults: removeResults})
}

// Publish handles the Publish service: it processes the piggybacked
// SubscriptionAcknowledgements synchronously, then parks the request on
// the session's shared PublishQueue for whichever Subscription claims it
// next (spec §4.1, §4.3).
func (m *SubscriptionManager) Publish(sr stack.ServiceRequest[*ua.PublishRequest, *ua.PublishResponse]) {
	if m.SubscriptionCount() == 0 {
		sr.SetServiceFault(uint32(ua.StatusBadNoSubscription))
		return
	}

	req := sr.Request()

	ackResults := make([]ua.StatusCode, len(req.SubscriptionAcknowledgements))
	for i, ack := range req.SubscriptionAcknowledgements {
		sub, ok := m.lookup(ack.SubscriptionID)
		if !ok {
			ackResults[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		ackResults[i] = sub.Acknowledge(ack.SequenceNumber)
	}

	handle := sr.RequestHandle()
	m.ackMu.Lock()
	m.ackResults[handle] = ackResults
	m.ackMu.Unlock()

	m.queue.AddRequest(&publishqueue.Request{
		RequestHandle: handle,
		Deliver: func(outcome publishqueue.PublishOutcome) {
			if outcome.Fault {
				sr.SetServiceFault(outcome.Status)
				return
			}
			sr.SetResponse(outcome.Response.(*ua.PublishResponse))
		},
	})

	if m.metrics != nil {
		m.metrics.IncPublishRequestsQueued()
		m.metrics.SetPublishQueueDepth(m.queue.Len())
	}

	m.mu.RLock()
	late := make([]*subscription.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.State() == subscription.StateLate {
			late = append(late, sub)
		}
	}
	m.mu.RUnlock()
	for _, sub := range late {
		sub.OnPublishAvailable()
	}
}

// Republish handles the Republish service against a Subscription's
// retained message cache.
func (m *SubscriptionManager) Republish(sr stack.ServiceRequest[*ua.RepublishRequest, *ua.RepublishResponse]) {
	req := sr.Request()

	sub, ok := m.lookup(req.SubscriptionID)
	if !ok {
		sr.SetServiceFault(uint32(ua.StatusBadSubscriptionIDInvalid))
		return
	}

	msg, status := sub.Republish(req.RetransmitSequenceNumber)
	if status != ua.StatusOK {
		sr.SetServiceFault(uint32(status))
		return
	}

	sr.SetResponse(&ua.RepublishResponse{NotificationMessage: msg})
}

// SessionClosed releases every subscription this manager owns. deleteAll
// controls whether subscriptions are deleted (the usual case) or left
// running for later transfer (spec §4.5: a client that closes its secure
// channel without deleting subscriptions keeps them alive server-side).
func (m *SubscriptionManager) SessionClosed(deleteAll bool) {
	m.mu.RLock()
	subs := make([]*subscription.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	if !deleteAll {
		m.failQueuedPublishesWithNoSubscription()
		return
	}

	for _, sub := range subs {
		m.releaseAllSampling(sub)
		sub.Close(ua.StatusGood)
	}
	m.failQueuedPublishesWithNoSubscription()
}

// Subscriptions returns a snapshot of every Subscription owned by this
// manager, used by the ServerRegistry when transferring them away.
func (m *SubscriptionManager) Subscriptions() []*subscription.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*subscription.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	return out
}

// RemoveWithoutClosing detaches a Subscription from this manager without
// closing it, used mid-transfer so the old session's manager stops owning
// it right before the new session's manager adopts it.
func (m *SubscriptionManager) RemoveWithoutClosing(id uint32) (*subscription.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	return sub, ok
}

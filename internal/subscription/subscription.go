// Package subscription implements the Subscription timing state machine
// described in spec §4.3 and §4.5: keep-alive/lifetime counters,
// notification assembly from MonitoredItems (including triggering
// flush-through), the retransmission cache, and Republish/Acknowledge.
package subscription

import (
	"sort"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-subscriptions/internal/monitoreditem"
	"github.com/nexus-edge/opcua-subscriptions/internal/publishqueue"
)

// State is one of the five Subscription states from Part 4, Table 87.
type State int

const (
	StateClosed State = iota
	StateCreating
	StateNormal
	StateLate
	StateKeepAlive
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateCreating:
		return "Creating"
	case StateNormal:
		return "Normal"
	case StateLate:
		return "Late"
	case StateKeepAlive:
		return "KeepAlive"
	default:
		return "Unknown"
	}
}

// PublishClaimer arbitrates which Subscription in a session gets the next
// queued Publish request when more than one wants to send at once. The
// SubscriptionManager implements this so multiple Subscriptions sharing one
// PublishQueue resolve ties by priority then by longest time since last
// served (spec §4.3).
type PublishClaimer interface {
	ClaimPublish(sub *Subscription) (*publishqueue.Request, bool)
	AckResultsFor(requestHandle uint32) []ua.StatusCode
}

// Metrics is the subset of metrics.Registry the Subscription needs,
// kept as an interface to avoid a dependency from subscription -> metrics.
type Metrics interface {
	IncNotificationsEmitted()
	IncKeepAlivesEmitted()
	IncPublishRequestsServed()
	SetRetainedMessages(n int)
	ObserveNotificationAssembly(sec float64)
}

type retained struct {
	seq uint32
	msg *ua.NotificationMessage
}

// Subscription is the server-side object that periodically emits
// NotificationMessages to a client (spec §3).
type Subscription struct {
	id uint32

	mu sync.Mutex

	publishingInterval         float64
	maxKeepAliveCount          uint32
	lifetimeCount              uint32
	maxNotificationsPerPublish uint32
	publishingEnabled          bool
	priority                   uint8

	state            State
	keepAliveCounter uint32
	lifetimeCounter  uint32
	sequenceNumber   uint32
	latePending      bool
	lastServedAt     time.Time
	pendingStatus    *ua.StatusCode

	items       map[uint32]monitoreditem.MonitoredItem
	itemOrder   []uint32
	itemCursor  int
	nextItemID  uint32

	available    []retained
	availableCap int

	claimer PublishClaimer
	metrics Metrics
	logger  zerolog.Logger

	onClose func(sub *Subscription, status ua.StatusCode)

	timer   *time.Timer
	stopped chan struct{}
	wg      sync.WaitGroup
}

// Config captures the attributes a CreateSubscription/ModifySubscription
// request revises (spec §3, §4.4).
type Config struct {
	PublishingInterval         float64
	MaxKeepAliveCount          uint32
	LifetimeCount              uint32
	MaxNotificationsPerPublish uint32
	PublishingEnabled          bool
	Priority                   uint8
}

// New constructs a Subscription in state Creating. The caller (the
// SubscriptionManager) is responsible for clamping Config into server
// limits before calling New.
func New(id uint32, cfg Config, availableCap int, claimer PublishClaimer, metrics Metrics, logger zerolog.Logger) *Subscription {
	s := &Subscription{
		id:                         id,
		publishingInterval:         cfg.PublishingInterval,
		maxKeepAliveCount:          cfg.MaxKeepAliveCount,
		lifetimeCount:              cfg.LifetimeCount,
		maxNotificationsPerPublish: cfg.MaxNotificationsPerPublish,
		publishingEnabled:          cfg.PublishingEnabled,
		priority:                   cfg.Priority,
		state:                      StateCreating,
		keepAliveCounter:           cfg.MaxKeepAliveCount,
		lifetimeCounter:            cfg.LifetimeCount,
		sequenceNumber:             1,
		items:                      make(map[uint32]monitoreditem.MonitoredItem),
		availableCap:               availableCap,
		claimer:                    claimer,
		metrics:                    metrics,
		logger:                     logger.With().Uint32("subscription_id", id).Logger(),
		stopped:                    make(chan struct{}),
		lastServedAt:               time.Now(),
	}
	return s
}

// ID returns the subscription's process-wide unique identifier.
func (s *Subscription) ID() uint32 { return s.id }

// Priority returns the current tie-break priority.
func (s *Subscription) Priority() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// LastServedAt returns when this subscription last completed a Publish,
// used for the round-robin tie-break among equal priorities.
func (s *Subscription) LastServedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServedAt
}

// MarkServed records that this subscription just consumed a Publish
// request, for round-robin fairness bookkeeping.
func (s *Subscription) MarkServed(at time.Time) {
	s.mu.Lock()
	s.lastServedAt = at
	s.mu.Unlock()
}

// State returns the current protocol state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetClaimer re-points this Subscription at a new PublishClaimer, used when
// a session transfer (spec §4.5) hands the Subscription to a different
// SubscriptionManager without losing its retained messages or items.
func (s *Subscription) SetClaimer(c PublishClaimer) {
	s.mu.Lock()
	s.claimer = c
	s.mu.Unlock()
}

// SetCloseListener registers the callback invoked exactly once when the
// Subscription transitions to Closed (lifetime expiry or explicit delete).
func (s *Subscription) SetCloseListener(fn func(sub *Subscription, status ua.StatusCode)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Start begins the publishing timer.
func (s *Subscription) Start() {
	s.mu.Lock()
	interval := s.publishingInterval
	timer := time.AfterFunc(intervalDuration(interval), s.onTimerFire)
	s.timer = timer
	s.mu.Unlock()
}

func intervalDuration(ms float64) time.Duration {
	if ms <= 0 {
		ms = 1
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func (s *Subscription) onTimerFire() {
	select {
	case <-s.stopped:
		return
	default:
	}

	s.wg.Add(1)
	defer s.wg.Done()

	s.tick()

	s.mu.Lock()
	closed := s.state == StateClosed
	interval := s.publishingInterval
	if closed {
		s.mu.Unlock()
		return
	}
	s.timer = time.AfterFunc(intervalDuration(interval), s.onTimerFire)
	s.mu.Unlock()
}

// Modify updates interval/counts atomically without touching pending
// notifications or retained messages (spec §4.4). The timer already
// scheduled is not restarted: it fires at the old period, and the new
// period applies from the timer scheduled after that tick.
func (s *Subscription) Modify(cfg Config) {
	s.mu.Lock()
	s.publishingInterval = cfg.PublishingInterval
	s.maxKeepAliveCount = cfg.MaxKeepAliveCount
	s.lifetimeCount = cfg.LifetimeCount
	s.maxNotificationsPerPublish = cfg.MaxNotificationsPerPublish
	s.priority = cfg.Priority
	if s.keepAliveCounter > s.maxKeepAliveCount {
		s.keepAliveCounter = s.maxKeepAliveCount
	}
	if s.lifetimeCounter > s.lifetimeCount {
		s.lifetimeCounter = s.lifetimeCount
	}
	s.mu.Unlock()
}

// SetPublishingMode toggles publishingEnabled.
func (s *Subscription) SetPublishingMode(enabled bool) {
	s.mu.Lock()
	s.publishingEnabled = enabled
	s.mu.Unlock()
}

// ResetLifetimeCounter resets the lifetime watchdog, called after a
// successful ModifyMonitoredItems per spec §4.4.
func (s *Subscription) ResetLifetimeCounter() {
	s.mu.Lock()
	s.lifetimeCounter = s.lifetimeCount
	s.mu.Unlock()
}

// AllocateItemID returns the next subscription-scoped MonitoredItem id.
func (s *Subscription) AllocateItemID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextItemID++
	return s.nextItemID
}

// AddItem registers a MonitoredItem under the given id.
func (s *Subscription) AddItem(id uint32, item monitoreditem.MonitoredItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; !exists {
		s.itemOrder = append(s.itemOrder, id)
	}
	s.items[id] = item
	s.notifyAvailableLocked()
}

// RemoveItem deletes a MonitoredItem, returning it if present.
func (s *Subscription) RemoveItem(id uint32) (monitoreditem.MonitoredItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, false
	}
	delete(s.items, id)
	for i, oid := range s.itemOrder {
		if oid == id {
			s.itemOrder = append(s.itemOrder[:i], s.itemOrder[i+1:]...)
			break
		}
	}
	return item, true
}

// Item looks up a MonitoredItem by id.
func (s *Subscription) Item(id uint32) (monitoreditem.MonitoredItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

// ItemCount returns the number of monitored items currently held.
func (s *Subscription) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// ItemIDs returns a snapshot of monitored item ids in this subscription.
func (s *Subscription) ItemIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.itemOrder))
	copy(out, s.itemOrder)
	return out
}

// notifyAvailableLocked is called from AddItem and does nothing; it is a
// hook point kept for symmetry with spec §3's notificationsAvailable flag.
// Items do not call back into the Subscription when they enqueue: readiness
// is computed on demand from the items map in hasPendingLocked, so no extra
// state needs to be threaded from concurrent item goroutines.
func (s *Subscription) notifyAvailableLocked() {}

// hasPendingLocked reports whether any Reporting-mode item has data to
// deliver. Sampling-mode items, including ones linked via triggering, do
// not count on their own. Caller holds s.mu.
func (s *Subscription) hasPendingLocked() bool {
	for _, id := range s.itemOrder {
		item := s.items[id]
		if item.Mode() == ua.MonitoringModeReporting && item.HasPending() {
			return true
		}
	}
	return false
}

// WantsToPublish reports whether this subscription currently needs a
// Publish request: either it has data to report, its keep-alive interval
// has elapsed, or it is already Late waiting on one. An idle subscription
// mid-interval wants nothing and must not count as a rival in the
// manager's ClaimPublish priority arbitration, or it could starve a busier
// sibling indefinitely just by sitting at a higher-or-equal priority.
func (s *Subscription) WantsToPublish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	if s.state == StateLate && s.latePending {
		return true
	}
	if s.publishingEnabled && s.hasPendingLocked() {
		return true
	}
	return s.keepAliveCounter == 0
}

// tick runs one publishing-interval cycle, per spec §4.3.
func (s *Subscription) tick() {
	if s.tryFlushPendingStatus() {
		return
	}

	s.mu.Lock()

	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	if s.state == StateCreating {
		s.state = StateNormal
	}

	// Step 1: lifetime watchdog.
	if s.lifetimeCounter > 0 {
		s.lifetimeCounter--
	}
	if s.lifetimeCounter == 0 {
		s.closeLocked(ua.StatusBadTimeout)
		st := ua.StatusBadTimeout
		s.pendingStatus = &st
		s.mu.Unlock()
		// A Closed subscription never ticks again, so the Bad_Timeout
		// notification reaches the client only if a Publish is available now.
		s.tryFlushPendingStatus()
		return
	}

	pending := s.publishingEnabled && s.hasPendingLocked()

	// Step 2: nothing to send this tick.
	if !pending {
		if s.keepAliveCounter > 0 {
			s.keepAliveCounter--
		}
		if s.keepAliveCounter > 0 {
			s.mu.Unlock()
			return
		}

		s.mu.Unlock()
		req, ok := s.claimer.ClaimPublish(s)
		s.mu.Lock()
		if !ok {
			s.state = StateLate
			s.latePending = true
			s.mu.Unlock()
			return
		}
		s.state = StateKeepAlive
		s.keepAliveCounter = s.maxKeepAliveCount
		s.lifetimeCounter = s.lifetimeCount
		s.mu.Unlock()

		s.deliverKeepAlive(req)
		return
	}

	// Step 3: assemble and send a data NotificationMessage.
	s.mu.Unlock()
	req, ok := s.claimer.ClaimPublish(s)
	s.mu.Lock()
	if !ok {
		s.state = StateLate
		s.latePending = true
		s.mu.Unlock()
		return
	}

	start := time.Now()
	dataNotifs, eventNotifs, more := s.drainItemsLocked()
	msg := s.assembleMessageLocked(dataNotifs, eventNotifs)
	s.keepAliveCounter = s.maxKeepAliveCount
	s.lifetimeCounter = s.lifetimeCount
	s.state = StateNormal
	seqs := s.availableSequenceNumbersLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveNotificationAssembly(time.Since(start).Seconds())
	}

	s.deliverData(req, msg, seqs, more)
}

// OnPublishAvailable is called by the manager whenever a new Publish
// request arrives and this subscription was Late. It re-attempts the tick
// logic immediately instead of waiting for the next timer fire.
func (s *Subscription) OnPublishAvailable() {
	if s.tryFlushPendingStatus() {
		return
	}

	s.mu.Lock()
	if s.state != StateLate || !s.latePending {
		s.mu.Unlock()
		return
	}
	s.latePending = false
	s.mu.Unlock()

	s.tick()
}

func (s *Subscription) deliverKeepAlive(req *publishqueue.Request) {
	s.mu.Lock()
	seq := s.sequenceNumber
	seqs := s.availableSequenceNumbersLocked()
	s.mu.Unlock()

	msg := &ua.NotificationMessage{
		SequenceNumber:   seq,
		PublishTime:      time.Now(),
		NotificationData: nil,
	}

	results := s.claimer.AckResultsFor(req.RequestHandle)
	if s.metrics != nil {
		s.metrics.IncKeepAlivesEmitted()
		s.metrics.IncPublishRequestsServed()
	}

	req.Deliver(publishqueue.PublishOutcome{
		Response: &ua.PublishResponse{
			SubscriptionID:           s.id,
			AvailableSequenceNumbers: seqs,
			MoreNotifications:        false,
			NotificationMessage:      msg,
			Results:                  results,
		},
	})
}

func (s *Subscription) deliverData(req *publishqueue.Request, msg *ua.NotificationMessage, seqs []uint32, more bool) {
	results := s.claimer.AckResultsFor(req.RequestHandle)
	if s.metrics != nil {
		s.metrics.IncNotificationsEmitted()
		s.metrics.IncPublishRequestsServed()
	}

	req.Deliver(publishqueue.PublishOutcome{
		Response: &ua.PublishResponse{
			SubscriptionID:           s.id,
			AvailableSequenceNumbers: seqs,
			MoreNotifications:        more,
			NotificationMessage:      msg,
			Results:                  results,
		},
	})
}

// drainItemsLocked pulls up to maxNotificationsPerPublish notifications
// round-robin from Reporting-mode items, flushing triggered Sampling-mode
// siblings into the same cycle (spec §4.2, §4.3). Caller holds s.mu.
func (s *Subscription) drainItemsLocked() ([]*ua.MonitoredItemNotification, []*ua.EventFieldList, bool) {
	budget := int(s.maxNotificationsPerPublish)
	unbounded := budget <= 0

	var dataOut []*ua.MonitoredItemNotification
	var eventOut []*ua.EventFieldList

	n := len(s.itemOrder)
	if n == 0 {
		return nil, nil, false
	}

	visited := 0
	for visited < n && (unbounded || budget > 0) {
		idx := s.itemCursor % n
		s.itemCursor = (s.itemCursor + 1) % n
		visited++

		id := s.itemOrder[idx]
		item := s.items[id]
		if item.Mode() != ua.MonitoringModeReporting {
			continue
		}

		take := budget
		if unbounded {
			take = 0
		}
		d, e, _ := item.Drain(take)
		dataOut = append(dataOut, d...)
		eventOut = append(eventOut, e...)
		if !unbounded {
			budget -= len(d) + len(e)
		}

		for _, targetID := range item.TriggerLinks() {
			if !unbounded && budget <= 0 {
				break
			}
			target, ok := s.items[targetID]
			if !ok || target.Mode() != ua.MonitoringModeSampling {
				continue
			}
			take2 := budget
			if unbounded {
				take2 = 0
			}
			td, te, _ := target.Drain(take2)
			dataOut = append(dataOut, td...)
			eventOut = append(eventOut, te...)
			if !unbounded {
				budget -= len(td) + len(te)
			}
		}
	}

	return dataOut, eventOut, s.hasPendingLocked()
}

// assembleMessageLocked builds and retains a NotificationMessage, advancing
// sequenceNumber (spec invariant: keep-alive ticks never advance it; only
// this path does). Caller holds s.mu.
func (s *Subscription) assembleMessageLocked(dataNotifs []*ua.MonitoredItemNotification, eventNotifs []*ua.EventFieldList) *ua.NotificationMessage {
	var notificationData []*ua.ExtensionObject

	if len(dataNotifs) > 0 {
		notificationData = append(notificationData, wrapExtension(
			ua.NewNumericNodeID(0, uint32(ua.DataChangeNotification_Encoding_DefaultBinary)),
			&ua.DataChangeNotification{MonitoredItems: dataNotifs},
		))
	}
	if len(eventNotifs) > 0 {
		notificationData = append(notificationData, wrapExtension(
			ua.NewNumericNodeID(0, uint32(ua.EventNotificationList_Encoding_DefaultBinary)),
			&ua.EventNotificationList{Events: eventNotifs},
		))
	}

	seq := s.sequenceNumber
	s.advanceSequenceLocked()

	msg := &ua.NotificationMessage{
		SequenceNumber:   seq,
		PublishTime:      time.Now(),
		NotificationData: notificationData,
	}

	s.retainLocked(seq, msg)

	return msg
}

func (s *Subscription) advanceSequenceLocked() {
	if s.sequenceNumber == ^uint32(0) {
		s.sequenceNumber = 1
		return
	}
	s.sequenceNumber++
}

func (s *Subscription) retainLocked(seq uint32, msg *ua.NotificationMessage) {
	s.available = append(s.available, retained{seq: seq, msg: msg})
	for len(s.available) > s.availableCap {
		s.available = s.available[1:]
	}
	if s.metrics != nil {
		s.metrics.SetRetainedMessages(len(s.available))
	}
}

func (s *Subscription) availableSequenceNumbersLocked() []uint32 {
	out := make([]uint32, len(s.available))
	for i, r := range s.available {
		out[i] = r.seq
	}
	return out
}

// Republish searches the retained message cache for seq.
func (s *Subscription) Republish(seq uint32) (*ua.NotificationMessage, ua.StatusCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.available {
		if r.seq == seq {
			return r.msg, ua.StatusOK
		}
	}
	return nil, ua.StatusBadMessageNotAvailable
}

// Acknowledge removes seq from the retention cache.
func (s *Subscription) Acknowledge(seq uint32) ua.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.available {
		if r.seq == seq {
			s.available = append(s.available[:i], s.available[i+1:]...)
			if s.metrics != nil {
				s.metrics.SetRetainedMessages(len(s.available))
			}
			return ua.StatusOK
		}
	}
	return ua.StatusBadSequenceNumberUnknown
}

// QueueStatusChangeNotification parks a StatusChangeNotification (the
// registry uses it for Good_SubscriptionTransferred after a successful
// TransferSubscriptions; tick parks Bad_Timeout the same way on lifetime
// expiry) to be delivered on
// the next available Publish request, ahead of ordinary data (spec §4.4's
// sendStatusChangeNotification / the cross-session `transferred` parking
// behavior). It tries to flush immediately in case a request is already
// queued.
func (s *Subscription) QueueStatusChangeNotification(status ua.StatusCode) {
	s.mu.Lock()
	st := status
	s.pendingStatus = &st
	s.mu.Unlock()

	s.tryFlushPendingStatus()
}

// tryFlushPendingStatus delivers a queued status change if a Publish
// request is currently available, returning whether it did.
func (s *Subscription) tryFlushPendingStatus() bool {
	s.mu.Lock()
	if s.pendingStatus == nil {
		s.mu.Unlock()
		return false
	}
	status := *s.pendingStatus
	s.mu.Unlock()

	req, ok := s.claimer.ClaimPublish(s)
	if !ok {
		return false
	}

	s.mu.Lock()
	seqs := s.availableSequenceNumbersLocked()
	s.pendingStatus = nil
	s.mu.Unlock()

	results := s.claimer.AckResultsFor(req.RequestHandle)

	notificationData := []*ua.ExtensionObject{wrapExtension(
		ua.NewNumericNodeID(0, uint32(ua.StatusChangeNotification_Encoding_DefaultBinary)),
		&ua.StatusChangeNotification{Status: status},
	)}

	req.Deliver(publishqueue.PublishOutcome{
		Response: &ua.PublishResponse{
			SubscriptionID:           s.id,
			AvailableSequenceNumbers: seqs,
			MoreNotifications:        false,
			NotificationMessage: &ua.NotificationMessage{
				SequenceNumber:   0,
				PublishTime:      time.Now(),
				NotificationData: notificationData,
			},
			Results: results,
		},
	})
	return true
}

// Close transitions the Subscription to Closed, notifying the owning
// manager via the close listener exactly once. Safe to call more than
// once; only the first call has effect.
func (s *Subscription) Close(status ua.StatusCode) {
	s.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.closeLocked(status)
	timer := s.timer
	s.mu.Unlock()

	if alreadyClosed {
		return
	}

	if timer != nil {
		timer.Stop()
	}
	close(s.stopped)
	s.wg.Wait()
}

func (s *Subscription) closeLocked(status ua.StatusCode) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	listener := s.onClose
	if listener != nil {
		go listener(s, status)
	}
}

// CloseAllItems clears every MonitoredItem's queue, used alongside Close.
func (s *Subscription) CloseAllItems() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		item.Close()
	}
}

// SortByPriorityThenLastServed orders subscriptions for the manager's
// ClaimPublish arbitration: highest priority first, ties broken by whoever
// has waited longest since being served (spec §4.3 tie-break rule).
func SortByPriorityThenLastServed(subs []*Subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		pi, pj := subs[i].Priority(), subs[j].Priority()
		if pi != pj {
			return pi > pj
		}
		return subs[i].LastServedAt().Before(subs[j].LastServedAt())
	})
}

func wrapExtension(nodeID *ua.NodeID, value interface{}) *ua.ExtensionObject {
	return &ua.ExtensionObject{
		TypeID: &ua.ExpandedNodeID{NodeID: nodeID},
		Value:  value,
	}
}

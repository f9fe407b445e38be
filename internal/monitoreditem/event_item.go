package monitoreditem

import (
	"sync"

	"github.com/gopcua/opcua/ua"
)

// EventItem is the MonitoredItem variant that queues event field lists
// selected by an EventFilter.
type EventItem struct {
	itemID           uint32
	readValueID      *ua.ReadValueID
	clientHandle     uint32
	samplingInterval float64
	discardOldest    bool

	mu              sync.Mutex
	mode            ua.MonitoringMode
	queueSize       uint32
	queue           [][]*ua.Variant
	filter          *ua.EventFilter
	overflowPending bool
	triggers        *triggerSet
}

// NewEventItem constructs an EventItem with the given (already-parsed)
// EventFilter.
func NewEventItem(itemID uint32, rvid *ua.ReadValueID, clientHandle uint32, samplingInterval float64, queueSize uint32, discardOldest bool, filter *ua.EventFilter) *EventItem {
	if queueSize == 0 {
		queueSize = 1
	}
	return &EventItem{
		itemID:           itemID,
		readValueID:      rvid,
		clientHandle:     clientHandle,
		samplingInterval: samplingInterval,
		discardOldest:    discardOldest,
		mode:             ua.MonitoringModeReporting,
		queueSize:        queueSize,
		queue:            make([][]*ua.Variant, 0, queueSize),
		filter:           filter,
		triggers:         newTriggerSet(),
	}
}

func (e *EventItem) ItemID() uint32               { return e.itemID }
func (e *EventItem) ReadValueID() *ua.ReadValueID { return e.readValueID }

func (e *EventItem) ClientHandle() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientHandle
}

func (e *EventItem) SamplingInterval() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samplingInterval
}

func (e *EventItem) Mode() ua.MonitoringMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *EventItem) SetMode(mode ua.MonitoringMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mode == ua.MonitoringModeDisabled {
		e.queue = e.queue[:0]
		e.overflowPending = false
	}
	e.mode = mode
}

func (e *EventItem) QueueSize() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueSize
}

func (e *EventItem) EnqueueData(dv *ua.DataValue) {}

// EnqueueEvent applies the where-clause/select-clause evaluated field list
// (evaluation itself happens in the Namespace, which is the only party
// that can read node attributes to test the where clause) and pushes it
// onto the bounded queue, dropping per the same discardOldest policy used
// by DataItem.
func (e *EventItem) EnqueueEvent(fields []*ua.Variant) {
	if fields == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode == ua.MonitoringModeDisabled {
		return
	}

	if e.queueSize == 1 {
		if len(e.queue) == 0 {
			e.queue = append(e.queue, fields)
		} else {
			e.queue[0] = fields
		}
		return
	}

	if uint32(len(e.queue)) < e.queueSize {
		e.queue = append(e.queue, fields)
		return
	}

	if e.discardOldest {
		e.queue = e.queue[1:]
		e.queue = append(e.queue, fields)
	}
	e.overflowPending = true
}

func (e *EventItem) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) > 0 || e.overflowPending
}

// Drain dequeues up to maxN event field lists. If an overflow occurred
// since the last drain, a synthesized EventQueueOverflow notification
// (whose single event field is the InfoBits.Overflow bit as a uint32) is
// delivered first, per
// spec §4.2's "synthesized status" overflow handling for events.
func (e *EventItem) Drain(maxN int) ([]*ua.MonitoredItemNotification, []*ua.EventFieldList, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*ua.EventFieldList
	unbounded := maxN <= 0
	budget := maxN

	if e.overflowPending {
		out = append(out, &ua.EventFieldList{
			ClientHandle: e.clientHandle,
			EventFields:  []*ua.Variant{ua.MustVariant(uint32(OverflowBit))},
		})
		e.overflowPending = false
		budget--
	}

	n := len(e.queue)
	if !unbounded {
		if budget < 0 {
			budget = 0
		}
		if budget < n {
			n = budget
		}
	}

	for i := 0; i < n; i++ {
		out = append(out, &ua.EventFieldList{
			ClientHandle: e.clientHandle,
			EventFields:  e.queue[i],
		})
	}
	e.queue = e.queue[n:]

	return nil, out, len(e.queue) > 0 || e.overflowPending
}

// Modify updates common attributes and resets filter state (spec §4.2: a
// filter change never synthesizes a notification from the change itself).
func (e *EventItem) Modify(clientHandle uint32, samplingInterval float64, queueSize uint32, discardOldest bool, filter *ua.ExtensionObject, euRange *EURange) ua.StatusCode {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clientHandle = clientHandle
	if samplingInterval >= 0 {
		e.samplingInterval = samplingInterval
	}
	e.discardOldest = discardOldest

	if filter != nil {
		if f, ok := filter.Value.(*ua.EventFilter); ok {
			e.filter = f
		}
	}

	if queueSize == 0 {
		queueSize = 1
	}
	if queueSize < e.queueSize && uint32(len(e.queue)) > queueSize {
		if e.discardOldest {
			e.queue = e.queue[uint32(len(e.queue))-queueSize:]
		} else {
			e.queue = e.queue[:queueSize]
		}
	}
	e.queueSize = queueSize

	return ua.StatusOK
}

func (e *EventItem) TriggerLinks() []uint32           { return e.triggers.snapshot() }
func (e *EventItem) AddTriggerLink(targetID uint32)   { e.triggers.add(targetID) }
func (e *EventItem) RemoveTriggerLink(id uint32) bool { return e.triggers.remove(id) }
func (e *EventItem) HasTriggerLink(id uint32) bool    { return e.triggers.has(id) }

func (e *EventItem) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = e.queue[:0]
	e.overflowPending = false
}

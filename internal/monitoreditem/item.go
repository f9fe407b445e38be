// Package monitoreditem implements the per-node sampling and eventing
// endpoints owned by a Subscription (spec §4.2). DataItem and EventItem are
// modeled as a tagged variant behind the MonitoredItem interface rather than
// through inheritance, per the design notes: the common contract (enqueue,
// drain, modify, mode) is a capability each variant implements; per-variant
// state (filter, value queue vs event queue) lives in the variant itself.
package monitoreditem

import (
	"sync"

	"github.com/gopcua/opcua/ua"
)

// OverflowBit is the InfoBits.Overflow flag OR'd onto a DataValue's or
// synthesized event's StatusCode when a queue has dropped an element.
const OverflowBit ua.StatusCode = 0x00000080

// MonitoredItem is the common contract both DataItem and EventItem satisfy.
// All methods are safe for concurrent use; each implementation guards its
// own queue and mode with an internal mutex, since Enqueue is called from
// the Namespace's sampling path concurrently with Drain from a publishing
// tick.
type MonitoredItem interface {
	ItemID() uint32
	ClientHandle() uint32
	ReadValueID() *ua.ReadValueID
	Mode() ua.MonitoringMode
	SetMode(mode ua.MonitoringMode)
	SamplingInterval() float64
	QueueSize() uint32

	// EnqueueData delivers a sampled value to a DataItem. No-op on an
	// EventItem.
	EnqueueData(dv *ua.DataValue)

	// EnqueueEvent delivers an event field list to an EventItem. No-op on a
	// DataItem.
	EnqueueEvent(fields []*ua.Variant)

	// Drain dequeues up to maxN pending notifications in FIFO order,
	// returning whatever this variant produces (exactly one of the two
	// result slices will ever be non-empty for a given item) plus whether
	// more notifications remain queued after this drain.
	Drain(maxN int) (data []*ua.MonitoredItemNotification, events []*ua.EventFieldList, more bool)

	// HasPending reports whether this item has anything left to drain.
	HasPending() bool

	// Modify updates common attributes. queueSize 0 is treated as 1, as at
	// construction; a negative samplingInterval leaves the current sampling
	// interval unchanged.
	Modify(clientHandle uint32, samplingInterval float64, queueSize uint32, discardOldest bool, filter *ua.ExtensionObject, euRange *EURange) ua.StatusCode

	// TriggerLinks returns a snapshot of this item's triggered-item ids.
	// Callers must hold the owning Subscription's lock.
	TriggerLinks() []uint32
	AddTriggerLink(targetID uint32)
	RemoveTriggerLink(targetID uint32) bool
	HasTriggerLink(targetID uint32) bool

	// Close clears the queue. Used when the item is deleted and when its
	// Subscription closes; SetMode(Disabled) clears the queue by itself.
	Close()
}

// EURange is the engineering-unit range the Namespace supplies for a node,
// required to interpret a percent deadband.
type EURange struct {
	Low  float64
	High float64
}

// triggerSet tracks sibling item ids this item flushes into the same
// NotificationMessage when it fires in Reporting mode (spec §4.2).
type triggerSet struct {
	mu    sync.Mutex
	links map[uint32]struct{}
}

func newTriggerSet() *triggerSet {
	return &triggerSet{links: make(map[uint32]struct{})}
}

func (t *triggerSet) add(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[id] = struct{}{}
}

func (t *triggerSet) remove(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.links[id]; !ok {
		return false
	}
	delete(t.links, id)
	return true
}

func (t *triggerSet) has(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.links[id]
	return ok
}

func (t *triggerSet) snapshot() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint32, 0, len(t.links))
	for id := range t.links {
		out = append(out, id)
	}
	return out
}

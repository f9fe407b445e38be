package monitoreditem

import (
	"sync"

	"github.com/gopcua/opcua/ua"
)

// DataItem is the MonitoredItem variant that samples attribute values.
type DataItem struct {
	itemID           uint32
	readValueID      *ua.ReadValueID
	clientHandle     uint32
	samplingInterval float64
	discardOldest    bool

	mu        sync.Mutex
	mode      ua.MonitoringMode
	queueSize uint32
	queue     []*ua.DataValue
	filter    *dataChangeFilterState
	triggers  *triggerSet
}

// NewDataItem constructs a DataItem. samplingInterval must already be the
// Namespace-revised value; queueSize must be at least 1 (callers clamp 0 to
// 1 per the protocol's "at least one element" requirement).
func NewDataItem(itemID uint32, rvid *ua.ReadValueID, clientHandle uint32, samplingInterval float64, queueSize uint32, discardOldest bool, filter *ua.ExtensionObject, euRange *EURange) (*DataItem, ua.StatusCode) {
	if queueSize == 0 {
		queueSize = 1
	}

	parsedFilter, status := parseDataChangeFilter(filter, euRange)
	if status != ua.StatusOK {
		return nil, status
	}

	return &DataItem{
		itemID:           itemID,
		readValueID:      rvid,
		clientHandle:     clientHandle,
		samplingInterval: samplingInterval,
		discardOldest:    discardOldest,
		mode:             ua.MonitoringModeReporting,
		queueSize:        queueSize,
		queue:            make([]*ua.DataValue, 0, queueSize),
		filter:           parsedFilter,
		triggers:         newTriggerSet(),
	}, ua.StatusOK
}

func (d *DataItem) ItemID() uint32               { return d.itemID }
func (d *DataItem) ReadValueID() *ua.ReadValueID { return d.readValueID }

func (d *DataItem) ClientHandle() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clientHandle
}

func (d *DataItem) SamplingInterval() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.samplingInterval
}

func (d *DataItem) Mode() ua.MonitoringMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *DataItem) SetMode(mode ua.MonitoringMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mode == ua.MonitoringModeDisabled {
		d.queue = d.queue[:0]
	}
	d.mode = mode
}

func (d *DataItem) QueueSize() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queueSize
}

// EnqueueData applies the DataChangeFilter and, if the sample is
// significant, pushes it onto the bounded queue with the overflow policy
// from spec §4.2: a single-slot queue overwrites silently; otherwise the
// oldest is dropped (discardOldest) or the newest is dropped, and the
// retained next-to-deliver element gets InfoBits.Overflow.
func (d *DataItem) EnqueueData(dv *ua.DataValue) {
	if dv == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode == ua.MonitoringModeDisabled {
		return
	}

	if d.filter != nil && !d.filter.shouldReport(dv) {
		return
	}
	if d.filter != nil {
		d.filter.lastReported = dv
	}

	if d.mode != ua.MonitoringModeReporting && d.mode != ua.MonitoringModeSampling {
		return
	}

	if d.queueSize == 1 {
		if len(d.queue) == 0 {
			d.queue = append(d.queue, dv)
		} else {
			d.queue[0] = dv
		}
		return
	}

	if uint32(len(d.queue)) < d.queueSize {
		d.queue = append(d.queue, dv)
		return
	}

	if d.discardOldest {
		d.queue = d.queue[1:]
		d.queue = append(d.queue, dv)
	}
	// else: newest dropped, queue contents unchanged.

	d.markOverflow(0)
}

func (d *DataItem) markOverflow(idx int) {
	if idx < 0 || idx >= len(d.queue) {
		return
	}
	v := *d.queue[idx]
	v.Status = v.Status | OverflowBit
	d.queue[idx] = &v
}

func (d *DataItem) EnqueueEvent(fields []*ua.Variant) {}

func (d *DataItem) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) > 0
}

func (d *DataItem) Drain(maxN int) ([]*ua.MonitoredItemNotification, []*ua.EventFieldList, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.queue)
	if maxN > 0 && maxN < n {
		n = maxN
	}
	if n == 0 {
		return nil, nil, false
	}

	out := make([]*ua.MonitoredItemNotification, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &ua.MonitoredItemNotification{
			ClientHandle: d.clientHandle,
			Value:        d.queue[i],
		})
	}
	d.queue = d.queue[n:]

	return out, nil, len(d.queue) > 0
}

// Modify updates sampling interval, queue size, discard policy, and filter.
// A queueSize decrease truncates per the discard policy; a filter change
// resets filter state without synthesizing a notification, per spec §4.2.
func (d *DataItem) Modify(clientHandle uint32, samplingInterval float64, queueSize uint32, discardOldest bool, filter *ua.ExtensionObject, euRange *EURange) ua.StatusCode {
	parsedFilter, status := parseDataChangeFilter(filter, euRange)
	if status != ua.StatusOK {
		return status
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.clientHandle = clientHandle
	if samplingInterval >= 0 {
		d.samplingInterval = samplingInterval
	}
	d.discardOldest = discardOldest
	d.filter = parsedFilter

	if queueSize == 0 {
		queueSize = 1
	}
	if queueSize < d.queueSize && uint32(len(d.queue)) > queueSize {
		if d.discardOldest {
			d.queue = d.queue[uint32(len(d.queue))-queueSize:]
		} else {
			d.queue = d.queue[:queueSize]
		}
	}
	d.queueSize = queueSize

	return ua.StatusOK
}

func (d *DataItem) TriggerLinks() []uint32           { return d.triggers.snapshot() }
func (d *DataItem) AddTriggerLink(targetID uint32)   { d.triggers.add(targetID) }
func (d *DataItem) RemoveTriggerLink(id uint32) bool { return d.triggers.remove(id) }
func (d *DataItem) HasTriggerLink(id uint32) bool    { return d.triggers.has(id) }

func (d *DataItem) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = d.queue[:0]
}

package monitoreditem

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
)

func dv(v float64) *ua.DataValue {
	return &ua.DataValue{
		Value:           ua.MustVariant(v),
		Status:          ua.StatusOK,
		SourceTimestamp: time.Now(),
	}
}

func TestDataItemSingleSlotQueueOverwritesSilently(t *testing.T) {
	item, status := NewDataItem(1, &ua.ReadValueID{}, 7, 200, 1, true, nil, nil)
	if status != ua.StatusOK {
		t.Fatalf("NewDataItem failed: %v", status)
	}

	item.EnqueueData(dv(1))
	item.EnqueueData(dv(2))
	item.EnqueueData(dv(3))

	data, _, more := item.Drain(0)
	if more {
		t.Fatalf("expected no more pending after draining a single-slot queue")
	}
	if len(data) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(data))
	}
	if data[0].Value.Status&OverflowBit != 0 {
		t.Fatalf("single-slot queue must never set the overflow bit")
	}
}

func TestDataItemDiscardOldestSetsOverflowBit(t *testing.T) {
	item, status := NewDataItem(1, &ua.ReadValueID{}, 7, 200, 2, true, nil, nil)
	if status != ua.StatusOK {
		t.Fatalf("NewDataItem failed: %v", status)
	}

	item.EnqueueData(dv(1))
	item.EnqueueData(dv(2))
	item.EnqueueData(dv(3)) // drops dv(1), retains [dv(2)-with-overflow, dv(3)]

	data, _, more := item.Drain(0)
	if more {
		t.Fatalf("expected queue fully drained")
	}
	if len(data) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(data))
	}
	if data[0].Value.Status&OverflowBit == 0 {
		t.Fatalf("expected overflow bit on retained element after a drop")
	}
	if data[1].Value.Status&OverflowBit != 0 {
		t.Fatalf("only the retained element next-to-deliver should carry the overflow bit")
	}
}

func TestDataItemDiscardNewestKeepsQueueUnchanged(t *testing.T) {
	item, status := NewDataItem(1, &ua.ReadValueID{}, 7, 200, 2, false, nil, nil)
	if status != ua.StatusOK {
		t.Fatalf("NewDataItem failed: %v", status)
	}

	item.EnqueueData(dv(1))
	item.EnqueueData(dv(2))
	item.EnqueueData(dv(3)) // newest dropped

	data, _, _ := item.Drain(0)
	if len(data) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(data))
	}
	v0, _ := toFloat(data[0].Value.Value)
	v1, _ := toFloat(data[1].Value.Value)
	if v0 != 1 || v1 != 2 {
		t.Fatalf("expected original [1, 2] retained, got [%v, %v]", v0, v1)
	}
}

func TestDataItemDisabledModeDropsQueue(t *testing.T) {
	item, _ := NewDataItem(1, &ua.ReadValueID{}, 7, 200, 4, true, nil, nil)
	item.EnqueueData(dv(1))
	item.EnqueueData(dv(2))

	item.SetMode(ua.MonitoringModeDisabled)

	if item.HasPending() {
		t.Fatalf("disabling a monitored item must clear its queue")
	}
	item.EnqueueData(dv(3))
	if item.HasPending() {
		t.Fatalf("a disabled item must not accept new samples")
	}
}

func TestDataItemDeadbandAbsoluteSuppressesInsignificantChange(t *testing.T) {
	filter := &ua.ExtensionObject{Value: &ua.DataChangeFilter{
		Trigger:       uint32(ua.DataChangeTriggerStatusValue),
		DeadbandType:  deadbandAbsolute,
		DeadbandValue: 5,
	}}
	item, status := NewDataItem(1, &ua.ReadValueID{}, 7, 200, 10, true, filter, nil)
	if status != ua.StatusOK {
		t.Fatalf("NewDataItem failed: %v", status)
	}

	item.EnqueueData(dv(100))
	item.EnqueueData(dv(102)) // delta 2 < deadband 5, suppressed
	item.EnqueueData(dv(110)) // delta 10 from last reported (100) > 5, reported

	data, _, _ := item.Drain(0)
	if len(data) != 2 {
		t.Fatalf("expected 2 reported values (first sample always reports), got %d", len(data))
	}
}

func TestDataItemPercentDeadbandWithoutEURangeIsInvalid(t *testing.T) {
	filter := &ua.ExtensionObject{Value: &ua.DataChangeFilter{
		Trigger:      uint32(ua.DataChangeTriggerStatusValue),
		DeadbandType: deadbandPercent,
	}}
	_, status := NewDataItem(1, &ua.ReadValueID{}, 7, 200, 10, true, filter, nil)
	if status != ua.StatusBadDeadbandFilterInvalid {
		t.Fatalf("expected Bad_DeadbandFilterInvalid, got %v", status)
	}
}

func TestDataItemDrainWorksInSamplingMode(t *testing.T) {
	item, status := NewDataItem(1, &ua.ReadValueID{}, 7, 200, 10, true, nil, nil)
	if status != ua.StatusOK {
		t.Fatalf("NewDataItem failed: %v", status)
	}
	item.SetMode(ua.MonitoringModeSampling)
	item.EnqueueData(dv(1))

	// A Sampling-mode item never fires on its own, but a Reporting sibling
	// triggering it must still be able to flush its queue via Drain.
	data, _, more := item.Drain(0)
	if more {
		t.Fatalf("expected the sampling item's queue fully drained")
	}
	if len(data) != 1 {
		t.Fatalf("expected Drain to work on a Sampling-mode item, got %d notifications", len(data))
	}
}

func TestDataItemTriggerLinks(t *testing.T) {
	item, _ := NewDataItem(1, &ua.ReadValueID{}, 7, 200, 10, true, nil, nil)

	item.AddTriggerLink(42)
	if !item.HasTriggerLink(42) {
		t.Fatalf("expected trigger link 42 to be present")
	}
	links := item.TriggerLinks()
	if len(links) != 1 || links[0] != 42 {
		t.Fatalf("unexpected trigger links: %v", links)
	}
	if !item.RemoveTriggerLink(42) {
		t.Fatalf("expected removal of an existing trigger link to succeed")
	}
	if item.HasTriggerLink(42) {
		t.Fatalf("expected trigger link 42 to be gone")
	}
}

package monitoreditem

import (
	"testing"

	"github.com/gopcua/opcua/ua"
)

func eventFields(msg string) []*ua.Variant {
	return []*ua.Variant{ua.MustVariant(msg)}
}

func TestEventItemOverflowSynthesizesLeadingNotification(t *testing.T) {
	item := NewEventItem(1, &ua.ReadValueID{}, 9, 200, 2, true, nil)

	item.EnqueueEvent(eventFields("a"))
	item.EnqueueEvent(eventFields("b"))
	item.EnqueueEvent(eventFields("c")) // drops "a", sets overflowPending

	_, events, more := item.Drain(0)
	if more {
		t.Fatalf("expected fully drained")
	}
	if len(events) != 3 {
		t.Fatalf("expected synthesized overflow + 2 real events, got %d", len(events))
	}
	overflow, ok := events[0].EventFields[0].Value().(uint32)
	if !ok || ua.StatusCode(overflow)&OverflowBit == 0 {
		t.Fatalf("expected first event to be the synthesized overflow marker")
	}
}

func TestEventItemSingleSlotQueueNeverOverflows(t *testing.T) {
	item := NewEventItem(1, &ua.ReadValueID{}, 9, 200, 1, true, nil)

	item.EnqueueEvent(eventFields("a"))
	item.EnqueueEvent(eventFields("b"))

	_, events, _ := item.Drain(0)
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
}

func TestEventItemDrainWorksInSamplingMode(t *testing.T) {
	item := NewEventItem(1, &ua.ReadValueID{}, 9, 200, 10, true, nil)
	item.SetMode(ua.MonitoringModeSampling)
	item.EnqueueEvent(eventFields("a"))

	_, events, more := item.Drain(0)
	if more {
		t.Fatalf("expected the sampling item's queue fully drained")
	}
	if len(events) != 1 {
		t.Fatalf("expected Drain to work on a Sampling-mode item, got %d events", len(events))
	}
}

func TestEventItemDrainRespectsBudget(t *testing.T) {
	item := NewEventItem(1, &ua.ReadValueID{}, 9, 200, 10, true, nil)

	for i := 0; i < 5; i++ {
		item.EnqueueEvent(eventFields("x"))
	}

	_, events, more := item.Drain(3)
	if len(events) != 3 {
		t.Fatalf("expected 3 events within budget, got %d", len(events))
	}
	if !more {
		t.Fatalf("expected more events pending after a budget-limited drain")
	}

	_, rest, more2 := item.Drain(0)
	if len(rest) != 2 || more2 {
		t.Fatalf("expected remaining 2 events drained unbounded, got %d (more=%v)", len(rest), more2)
	}
}

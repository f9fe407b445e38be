package namespace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-subscriptions/internal/monitoreditem"
)

type capturingItem struct {
	mu      sync.Mutex
	samples []float64
}

func (c *capturingItem) ItemID() uint32                 { return 1 }
func (c *capturingItem) ClientHandle() uint32           { return 1 }
func (c *capturingItem) ReadValueID() *ua.ReadValueID   { return &ua.ReadValueID{} }
func (c *capturingItem) Mode() ua.MonitoringMode        { return ua.MonitoringModeReporting }
func (c *capturingItem) SetMode(ua.MonitoringMode)      {}
func (c *capturingItem) SamplingInterval() float64      { return 20 }
func (c *capturingItem) QueueSize() uint32              { return 10 }
func (c *capturingItem) HasPending() bool               { return len(c.samples) > 0 }
func (c *capturingItem) Close()                         {}
func (c *capturingItem) EnqueueEvent(v []*ua.Variant)   {}
func (c *capturingItem) AddTriggerLink(uint32)          {}
func (c *capturingItem) RemoveTriggerLink(uint32) bool  { return false }
func (c *capturingItem) HasTriggerLink(uint32) bool     { return false }
func (c *capturingItem) TriggerLinks() []uint32         { return nil }

func (c *capturingItem) EnqueueData(dv *ua.DataValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _ := dv.Value.Value().(float64)
	c.samples = append(c.samples, v)
}

func (c *capturingItem) Drain(maxN int) ([]*ua.MonitoredItemNotification, []*ua.EventFieldList, bool) {
	return nil, nil, false
}

func (c *capturingItem) Modify(clientHandle uint32, samplingInterval float64, queueSize uint32, discardOldest bool, filter *ua.ExtensionObject, euRange *monitoreditem.EURange) ua.StatusCode {
	return ua.StatusOK
}

func (c *capturingItem) sampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func TestMemoryNamespaceValidateNodeKnownAndUnknown(t *testing.T) {
	ns := NewMemoryNamespace(3, zerolog.Nop())

	known := ns.NodeIDs()[0]
	if _, status := ns.ValidateNode(context.Background(), known, ua.AttributeIDValue); status != ua.StatusOK {
		t.Fatalf("expected a seeded node to validate, got %v", status)
	}

	unknown := ua.NewNumericNodeID(1, 99999)
	if _, status := ns.ValidateNode(context.Background(), unknown, ua.AttributeIDValue); status != ua.StatusBadNodeIDUnknown {
		t.Fatalf("expected Bad_NodeIdUnknown for an unseeded node, got %v", status)
	}

	const attributeIDNodeID = uint32(1) // Value is 13; any other attribute id must be rejected
	if _, status := ns.ValidateNode(context.Background(), known, attributeIDNodeID); status != ua.StatusBadAttributeIDInvalid {
		t.Fatalf("expected Bad_AttributeIdInvalid for a non-Value attribute, got %v", status)
	}
}

func TestMemoryNamespaceNodeIDsMatchesSeedCount(t *testing.T) {
	ns := NewMemoryNamespace(5, zerolog.Nop())
	if len(ns.NodeIDs()) != 5 {
		t.Fatalf("expected 5 seeded nodes, got %d", len(ns.NodeIDs()))
	}
}

func TestMemoryNamespaceStartSamplingDeliversTicks(t *testing.T) {
	ns := NewMemoryNamespace(1, zerolog.Nop())
	node := ns.NodeIDs()[0]
	item := &capturingItem{}

	handle, status := ns.StartSampling(context.Background(), node, ua.AttributeIDValue, 10, item)
	if status != ua.StatusOK {
		t.Fatalf("expected StartSampling to succeed, got %v", status)
	}
	defer ns.StopSampling(context.Background(), handle)

	deadline := time.After(2 * time.Second)
	for item.sampleCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected at least one sample to be delivered within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

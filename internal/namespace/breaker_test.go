package namespace

import (
	"context"
	"testing"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-subscriptions/internal/manager"
	"github.com/nexus-edge/opcua-subscriptions/internal/monitoreditem"
)

type failingNamespace struct {
	calls int
}

func (f *failingNamespace) ValidateNode(ctx context.Context, nodeID *ua.NodeID, attributeID uint32) (*monitoreditem.EURange, ua.StatusCode) {
	f.calls++
	return nil, ua.StatusBadInternalError
}

func (f *failingNamespace) ReviseSamplingInterval(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, requested float64) (float64, ua.StatusCode) {
	f.calls++
	return 0, ua.StatusBadInternalError
}

func (f *failingNamespace) StartSampling(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, samplingInterval float64, item monitoreditem.MonitoredItem) (manager.SamplingHandle, ua.StatusCode) {
	f.calls++
	return nil, ua.StatusBadInternalError
}

func (f *failingNamespace) StopSampling(ctx context.Context, handle manager.SamplingHandle) {}

func (f *failingNamespace) OnMonitoringModeChanged(ctx context.Context, itemIDs []uint32, mode ua.MonitoringMode) {
}

func TestBreakerNamespaceTripsAfterConsecutiveFailures(t *testing.T) {
	inner := &failingNamespace{}
	ns := NewBreakerNamespace(inner, "test", nil)

	var lastStatus ua.StatusCode
	for i := 0; i < 5; i++ {
		_, lastStatus = ns.ValidateNode(context.Background(), ua.NewNumericNodeID(1, 1), ua.AttributeIDValue)
	}
	if lastStatus != ua.StatusBadInternalError {
		t.Fatalf("expected the underlying failure to pass through before tripping, got %v", lastStatus)
	}

	_, status := ns.ValidateNode(context.Background(), ua.NewNumericNodeID(1, 1), ua.AttributeIDValue)
	if status != ua.StatusBadOutOfService {
		t.Fatalf("expected Bad_OutOfService once the breaker trips, got %v", status)
	}

	callsBeforeTrip := inner.calls
	ns.ValidateNode(context.Background(), ua.NewNumericNodeID(1, 1), ua.AttributeIDValue)
	if inner.calls != callsBeforeTrip {
		t.Fatalf("expected the open breaker to fail fast without calling the inner namespace")
	}
}

func TestBreakerNamespacePassesThroughSuccess(t *testing.T) {
	inner := &memoryLikeNamespace{}
	ns := NewBreakerNamespace(inner, "test-ok", nil)

	revised, status := ns.ReviseSamplingInterval(context.Background(), ua.NewNumericNodeID(1, 1), ua.AttributeIDValue, 250)
	if status != ua.StatusOK {
		t.Fatalf("expected StatusOK to pass through, got %v", status)
	}
	if revised != 250 {
		t.Fatalf("expected the revised interval to pass through unchanged, got %v", revised)
	}
}

type memoryLikeNamespace struct{}

func (m *memoryLikeNamespace) ValidateNode(ctx context.Context, nodeID *ua.NodeID, attributeID uint32) (*monitoreditem.EURange, ua.StatusCode) {
	return nil, ua.StatusOK
}

func (m *memoryLikeNamespace) ReviseSamplingInterval(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, requested float64) (float64, ua.StatusCode) {
	return requested, ua.StatusOK
}

func (m *memoryLikeNamespace) StartSampling(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, samplingInterval float64, item monitoreditem.MonitoredItem) (manager.SamplingHandle, ua.StatusCode) {
	return "h", ua.StatusOK
}

func (m *memoryLikeNamespace) StopSampling(ctx context.Context, handle manager.SamplingHandle) {}

func (m *memoryLikeNamespace) OnMonitoringModeChanged(ctx context.Context, itemIDs []uint32, mode ua.MonitoringMode) {
}

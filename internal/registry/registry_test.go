package registry

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-subscriptions/internal/manager"
	"github.com/nexus-edge/opcua-subscriptions/internal/monitoreditem"
	"github.com/nexus-edge/opcua-subscriptions/internal/stack"
)

type fakeNamespace struct{}

func (f *fakeNamespace) ValidateNode(ctx context.Context, nodeID *ua.NodeID, attributeID uint32) (*monitoreditem.EURange, ua.StatusCode) {
	return nil, ua.StatusOK
}

func (f *fakeNamespace) ReviseSamplingInterval(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, requested float64) (float64, ua.StatusCode) {
	return requested, ua.StatusOK
}

func (f *fakeNamespace) StartSampling(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, samplingInterval float64, item monitoreditem.MonitoredItem) (manager.SamplingHandle, ua.StatusCode) {
	return "handle", ua.StatusOK
}

func (f *fakeNamespace) StopSampling(ctx context.Context, handle manager.SamplingHandle) {}

func (f *fakeNamespace) OnMonitoringModeChanged(ctx context.Context, itemIDs []uint32, mode ua.MonitoringMode) {
}

func newTestRegistry() *ServerRegistry {
	limits := manager.DefaultLimits()
	limits.MinPublishingInterval = 50
	return New(nil, zerolog.Nop(), limits)
}

func createTestSubscription(t *testing.T, mgr *manager.SubscriptionManager) uint32 {
	t.Helper()
	sr := stack.NewSyncServiceRequest[*ua.CreateSubscriptionRequest, *ua.CreateSubscriptionResponse](
		&ua.CreateSubscriptionRequest{
			RequestedPublishingInterval: 100,
			RequestedLifetimeCount:      30,
			RequestedMaxKeepAliveCount:  10,
			PublishingEnabled:           true,
		}, 1)
	mgr.CreateSubscription(sr)
	if sr.Fault() {
		t.Fatalf("unexpected fault creating subscription: %d", sr.FaultStatus())
	}
	return sr.Response().SubscriptionID
}

func TestOpenSessionRegistersManager(t *testing.T) {
	reg := newTestRegistry()
	mgr := reg.OpenSession("session-a", &fakeNamespace{})

	got, ok := reg.SessionManager("session-a")
	if !ok || got != mgr {
		t.Fatalf("expected SessionManager to find the manager just opened")
	}
	if reg.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.SessionCount())
	}
}

func TestCloseSessionWithDeleteDropsOwnership(t *testing.T) {
	reg := newTestRegistry()
	mgr := reg.OpenSession("session-a", &fakeNamespace{})
	id := createTestSubscription(t, mgr)
	reg.RegisterSubscription("session-a", id)

	reg.CloseSession("session-a", true)

	if reg.SessionCount() != 0 {
		t.Fatalf("expected session to be removed")
	}
	if reg.ParkedCount() != 0 {
		t.Fatalf("expected no parked subscriptions when deleteSubscriptions=true")
	}
	results := reg.TransferSubscriptions("session-b", []uint32{id}, false)
	if results[0] != ua.StatusBadSessionIDInvalid {
		t.Fatalf("expected Bad_SessionIdInvalid transferring to a nonexistent session, got %v", results[0])
	}
}

func TestCloseSessionWithoutDeleteParksSubscription(t *testing.T) {
	reg := newTestRegistry()
	mgr := reg.OpenSession("session-a", &fakeNamespace{})
	id := createTestSubscription(t, mgr)
	reg.RegisterSubscription("session-a", id)

	reg.CloseSession("session-a", false)

	if reg.ParkedCount() != 1 {
		t.Fatalf("expected 1 parked subscription, got %d", reg.ParkedCount())
	}
}

func TestTransferSubscriptionsFromParkedState(t *testing.T) {
	reg := newTestRegistry()
	mgrA := reg.OpenSession("session-a", &fakeNamespace{})
	id := createTestSubscription(t, mgrA)
	reg.RegisterSubscription("session-a", id)
	reg.CloseSession("session-a", false)

	reg.OpenSession("session-b", &fakeNamespace{})
	results := reg.TransferSubscriptions("session-b", []uint32{id}, false)

	if results[0] != ua.StatusOK {
		t.Fatalf("expected transfer from parked state to succeed, got %v", results[0])
	}
	if reg.ParkedCount() != 0 {
		t.Fatalf("expected subscription no longer parked after transfer")
	}

	mgrB, _ := reg.SessionManager("session-b")
	if mgrB.SubscriptionCount() != 1 {
		t.Fatalf("expected session-b's manager to own the transferred subscription")
	}
}

func TestTransferSubscriptionsBetweenTwoLiveSessions(t *testing.T) {
	reg := newTestRegistry()
	mgrA := reg.OpenSession("session-a", &fakeNamespace{})
	id := createTestSubscription(t, mgrA)
	reg.RegisterSubscription("session-a", id)

	reg.OpenSession("session-b", &fakeNamespace{})
	results := reg.TransferSubscriptions("session-b", []uint32{id}, false)
	if results[0] != ua.StatusOK {
		t.Fatalf("expected transfer between live sessions to succeed, got %v", results[0])
	}

	if mgrA.SubscriptionCount() != 0 {
		t.Fatalf("expected session-a to no longer own the subscription")
	}
	mgrB, _ := reg.SessionManager("session-b")
	if mgrB.SubscriptionCount() != 1 {
		t.Fatalf("expected session-b to now own the subscription")
	}
}

func TestTransferUnknownSubscriptionIDFails(t *testing.T) {
	reg := newTestRegistry()
	reg.OpenSession("session-b", &fakeNamespace{})

	results := reg.TransferSubscriptions("session-b", []uint32{999}, false)
	if results[0] != ua.StatusBadSubscriptionIDInvalid {
		t.Fatalf("expected Bad_SubscriptionIdInvalid, got %v", results[0])
	}
}

func TestTransferDeliversStatusChangeOnNextPublish(t *testing.T) {
	reg := newTestRegistry()
	mgrA := reg.OpenSession("session-a", &fakeNamespace{})
	id := createTestSubscription(t, mgrA)
	reg.RegisterSubscription("session-a", id)
	reg.CloseSession("session-a", false)

	mgrB := reg.OpenSession("session-b", &fakeNamespace{})
	reg.TransferSubscriptions("session-b", []uint32{id}, false)

	publishSR := stack.NewSyncServiceRequest[*ua.PublishRequest, *ua.PublishResponse](&ua.PublishRequest{}, 1)
	mgrB.Publish(publishSR)

	deadline := time.After(2 * time.Second)
	for !publishSR.Responded() {
		select {
		case <-deadline:
			t.Fatalf("expected the parked Good_SubscriptionTransferred notification to flush on the next Publish")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if publishSR.Fault() {
		t.Fatalf("unexpected fault: %d", publishSR.FaultStatus())
	}
}

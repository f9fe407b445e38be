package manager

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-subscriptions/internal/monitoreditem"
	"github.com/nexus-edge/opcua-subscriptions/internal/stack"
)

type fakeNamespace struct {
	euRange *monitoreditem.EURange
}

func (f *fakeNamespace) ValidateNode(ctx context.Context, nodeID *ua.NodeID, attributeID uint32) (*monitoreditem.EURange, ua.StatusCode) {
	return f.euRange, ua.StatusOK
}

func (f *fakeNamespace) ReviseSamplingInterval(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, requested float64) (float64, ua.StatusCode) {
	if requested < 100 {
		requested = 100
	}
	return requested, ua.StatusOK
}

func (f *fakeNamespace) StartSampling(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, samplingInterval float64, item monitoreditem.MonitoredItem) (SamplingHandle, ua.StatusCode) {
	return "handle", ua.StatusOK
}

func (f *fakeNamespace) StopSampling(ctx context.Context, handle SamplingHandle) {}

func (f *fakeNamespace) OnMonitoringModeChanged(ctx context.Context, itemIDs []uint32, mode ua.MonitoringMode) {
}

func newTestManager() *SubscriptionManager {
	limits := DefaultLimits()
	limits.MinPublishingInterval = 50
	return New("session-1", NewIDAllocator(), &fakeNamespace{}, nil, zerolog.Nop(), limits)
}

func TestCreateSubscriptionClampsPublishingInterval(t *testing.T) {
	mgr := newTestManager()
	defer mgr.SessionClosed(true)

	sr := stack.NewSyncServiceRequest[*ua.CreateSubscriptionRequest, *ua.CreateSubscriptionResponse](
		&ua.CreateSubscriptionRequest{
			RequestedPublishingInterval: 1, // below the 50ms floor
			RequestedLifetimeCount:      1,
			RequestedMaxKeepAliveCount:  1,
			PublishingEnabled:           true,
		}, 1)

	mgr.CreateSubscription(sr)
	if sr.Fault() {
		t.Fatalf("unexpected fault: %d", sr.FaultStatus())
	}
	if sr.Response().RevisedPublishingInterval != 50 {
		t.Fatalf("expected publishing interval clamped to 50, got %v", sr.Response().RevisedPublishingInterval)
	}
	if sr.Response().RevisedLifetimeCount < 3*sr.Response().RevisedMaxKeepAliveCount {
		t.Fatalf("expected lifetimeCount >= 3*maxKeepAliveCount, got %d vs keepalive %d",
			sr.Response().RevisedLifetimeCount, sr.Response().RevisedMaxKeepAliveCount)
	}
}

func TestCreateSubscriptionKeepAliveYieldsToLifetimeCeiling(t *testing.T) {
	limits := DefaultLimits()
	limits.MinPublishingInterval = 50
	limits.MaxKeepAliveCount = 20000
	limits.MaxLifetimeCount = 30000 // < 3*20000, so keepAlive must shrink to fit
	mgr := New("session-1", NewIDAllocator(), &fakeNamespace{}, nil, zerolog.Nop(), limits)
	defer mgr.SessionClosed(true)

	sr := stack.NewSyncServiceRequest[*ua.CreateSubscriptionRequest, *ua.CreateSubscriptionResponse](
		&ua.CreateSubscriptionRequest{
			RequestedPublishingInterval: 100,
			RequestedLifetimeCount:      1,
			RequestedMaxKeepAliveCount:  20000,
			PublishingEnabled:           true,
		}, 1)

	mgr.CreateSubscription(sr)
	if sr.Fault() {
		t.Fatalf("unexpected fault: %d", sr.FaultStatus())
	}
	if sr.Response().RevisedLifetimeCount < 3*sr.Response().RevisedMaxKeepAliveCount {
		t.Fatalf("invariant violated: lifetime %d < 3*keepalive %d",
			sr.Response().RevisedLifetimeCount, sr.Response().RevisedMaxKeepAliveCount)
	}
	if sr.Response().RevisedLifetimeCount > limits.MaxLifetimeCount {
		t.Fatalf("revised lifetime %d exceeds server ceiling %d", sr.Response().RevisedLifetimeCount, limits.MaxLifetimeCount)
	}
}

func TestCreateMonitoredItemsEndToEnd(t *testing.T) {
	mgr := newTestManager()
	defer mgr.SessionClosed(true)

	createSR := stack.NewSyncServiceRequest[*ua.CreateSubscriptionRequest, *ua.CreateSubscriptionResponse](
		&ua.CreateSubscriptionRequest{
			RequestedPublishingInterval: 100,
			RequestedLifetimeCount:      30,
			RequestedMaxKeepAliveCount:  10,
			MaxNotificationsPerPublish:  0,
			PublishingEnabled:           true,
		}, 1)
	mgr.CreateSubscription(createSR)
	subID := createSR.Response().SubscriptionID

	itemsSR := stack.NewSyncServiceRequest[*ua.CreateMonitoredItemsRequest, *ua.CreateMonitoredItemsResponse](
		&ua.CreateMonitoredItemsRequest{
			SubscriptionID: subID,
			ItemsToCreate: []*ua.MonitoredItemCreateRequest{
				{
					ItemToMonitor:  &ua.ReadValueID{NodeID: ua.NewNumericNodeID(1, 100), AttributeID: ua.AttributeIDValue},
					MonitoringMode: ua.MonitoringModeReporting,
					RequestedParameters: &ua.MonitoringParameters{
						ClientHandle:     1,
						SamplingInterval: 50,
						QueueSize:        5,
						DiscardOldest:    true,
					},
				},
				{
					ItemToMonitor:  &ua.ReadValueID{NodeID: ua.NewNumericNodeID(1, 101), AttributeID: ua.AttributeIDValue},
					MonitoringMode: ua.MonitoringModeReporting,
					RequestedParameters: &ua.MonitoringParameters{
						ClientHandle:     2,
						SamplingInterval: 50,
						QueueSize:        5,
						DiscardOldest:    true,
					},
				},
			},
		}, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	mgr.CreateMonitoredItems(ctx, itemsSR)

	if itemsSR.Fault() {
		t.Fatalf("unexpected fault: %d", itemsSR.FaultStatus())
	}
	if len(itemsSR.Response().Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(itemsSR.Response().Results))
	}
	for i, r := range itemsSR.Response().Results {
		if r.StatusCode != ua.StatusOK {
			t.Fatalf("item %d: expected StatusOK, got %v", i, r.StatusCode)
		}
		if r.RevisedSamplingInterval != 100 {
			t.Fatalf("item %d: expected revised interval 100 (namespace floor), got %v", i, r.RevisedSamplingInterval)
		}
	}

	sub, ok := mgr.lookup(subID)
	if !ok {
		t.Fatalf("expected subscription %d to exist", subID)
	}
	if sub.ItemCount() != 2 {
		t.Fatalf("expected 2 monitored items attached, got %d", sub.ItemCount())
	}
}

func TestDeleteSubscriptionsUnknownIDReportsBadSubscriptionIDInvalid(t *testing.T) {
	mgr := newTestManager()

	sr := stack.NewSyncServiceRequest[*ua.DeleteSubscriptionsRequest, *ua.DeleteSubscriptionsResponse](
		&ua.DeleteSubscriptionsRequest{SubscriptionIDs: []uint32{999}}, 1)
	mgr.DeleteSubscriptions(sr)

	if sr.Fault() {
		t.Fatalf("unexpected fault")
	}
	if sr.Response().Results[0] != ua.StatusBadSubscriptionIDInvalid {
		t.Fatalf("expected Bad_SubscriptionIdInvalid, got %v", sr.Response().Results[0])
	}
}

func TestPublishFailsImmediatelyWithNoSubscriptions(t *testing.T) {
	mgr := newTestManager()

	publishSR := stack.NewSyncServiceRequest[*ua.PublishRequest, *ua.PublishResponse](&ua.PublishRequest{}, 1)
	mgr.Publish(publishSR)

	if !publishSR.Fault() {
		t.Fatalf("expected Publish to fault immediately with no subscriptions")
	}
	if publishSR.FaultStatus() != uint32(ua.StatusBadNoSubscription) {
		t.Fatalf("expected Bad_NoSubscription, got %d", publishSR.FaultStatus())
	}
}

func TestDeleteSubscriptionsFailsQueuedPublishWhenNoneRemain(t *testing.T) {
	mgr := newTestManager()

	createSR := stack.NewSyncServiceRequest[*ua.CreateSubscriptionRequest, *ua.CreateSubscriptionResponse](
		&ua.CreateSubscriptionRequest{
			RequestedPublishingInterval: 100,
			RequestedLifetimeCount:      30,
			RequestedMaxKeepAliveCount:  10,
			PublishingEnabled:           true,
		}, 1)
	mgr.CreateSubscription(createSR)
	subID := createSR.Response().SubscriptionID

	publishSR := stack.NewSyncServiceRequest[*ua.PublishRequest, *ua.PublishResponse](&ua.PublishRequest{}, 2)
	mgr.Publish(publishSR)
	if publishSR.Responded() {
		t.Fatalf("expected the Publish request to remain parked while a subscription exists")
	}

	deleteSR := stack.NewSyncServiceRequest[*ua.DeleteSubscriptionsRequest, *ua.DeleteSubscriptionsResponse](
		&ua.DeleteSubscriptionsRequest{SubscriptionIDs: []uint32{subID}}, 3)
	mgr.DeleteSubscriptions(deleteSR)

	if !publishSR.Fault() {
		t.Fatalf("expected the parked Publish request to fail once the last subscription is deleted")
	}
	if publishSR.FaultStatus() != uint32(ua.StatusBadNoSubscription) {
		t.Fatalf("expected Bad_NoSubscription, got %d", publishSR.FaultStatus())
	}
}

func TestPublishServesQueuedRequestOnTick(t *testing.T) {
	mgr := newTestManager()
	defer mgr.SessionClosed(true)

	createSR := stack.NewSyncServiceRequest[*ua.CreateSubscriptionRequest, *ua.CreateSubscriptionResponse](
		&ua.CreateSubscriptionRequest{
			RequestedPublishingInterval: 50,
			RequestedLifetimeCount:      30,
			RequestedMaxKeepAliveCount:  3,
			PublishingEnabled:           true,
		}, 1)
	mgr.CreateSubscription(createSR)

	publishSR := stack.NewSyncServiceRequest[*ua.PublishRequest, *ua.PublishResponse](&ua.PublishRequest{}, 2)
	mgr.Publish(publishSR)

	deadline := time.After(2 * time.Second)
	for !publishSR.Responded() {
		select {
		case <-deadline:
			t.Fatalf("expected Publish to be served by a keep-alive within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Package namespace provides Namespace implementations: a circuit-breaker
// wrapper (spec §4.6) that guards the core against a stalled or failing
// address-space layer, and an in-memory demo namespace for local testing
// and the cmd/ entrypoint.
package namespace

import (
	"context"
	"errors"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/opcua-subscriptions/internal/manager"
	"github.com/nexus-edge/opcua-subscriptions/internal/metrics"
	"github.com/nexus-edge/opcua-subscriptions/internal/monitoreditem"
)

// BreakerNamespace wraps a manager.Namespace so that every outbound call
// counts towards one circuit breaker; once it trips, calls fail fast with
// Bad_OutOfService instead of blocking on (or retrying against) a
// misbehaving address space.
type BreakerNamespace struct {
	inner manager.Namespace
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerNamespace wraps inner with a circuit breaker named name,
// tripping after 5 consecutive failures and staying open for 10s.
func NewBreakerNamespace(inner manager.Namespace, name string, metricsReg *metrics.Registry) *BreakerNamespace {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen && metricsReg != nil {
				metricsReg.IncNamespaceBreakerTrips()
			}
		},
	}
	return &BreakerNamespace{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerNamespace) ValidateNode(ctx context.Context, nodeID *ua.NodeID, attributeID uint32) (*monitoreditem.EURange, ua.StatusCode) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		euRange, status := b.inner.ValidateNode(ctx, nodeID, attributeID)
		if status != ua.StatusOK && status != ua.StatusBadAttributeIDInvalid && status != ua.StatusBadNodeIDUnknown {
			return euRangeAndStatus{euRange, status}, errTransient(status)
		}
		return euRangeAndStatus{euRange, status}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ua.StatusBadOutOfService
		}
		return result.(euRangeAndStatus).euRange, result.(euRangeAndStatus).status
	}
	r := result.(euRangeAndStatus)
	return r.euRange, r.status
}

type euRangeAndStatus struct {
	euRange *monitoreditem.EURange
	status  ua.StatusCode
}

func (b *BreakerNamespace) ReviseSamplingInterval(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, requested float64) (float64, ua.StatusCode) {
	type out struct {
		revised float64
		status  ua.StatusCode
	}
	result, err := b.cb.Execute(func() (interface{}, error) {
		revised, status := b.inner.ReviseSamplingInterval(ctx, nodeID, attributeID, requested)
		if status != ua.StatusOK {
			return out{revised, status}, errTransient(status)
		}
		return out{revised, status}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return requested, ua.StatusBadOutOfService
		}
		o := result.(out)
		return o.revised, o.status
	}
	o := result.(out)
	return o.revised, o.status
}

func (b *BreakerNamespace) StartSampling(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, samplingInterval float64, item monitoreditem.MonitoredItem) (manager.SamplingHandle, ua.StatusCode) {
	type out struct {
		handle manager.SamplingHandle
		status ua.StatusCode
	}
	result, err := b.cb.Execute(func() (interface{}, error) {
		handle, status := b.inner.StartSampling(ctx, nodeID, attributeID, samplingInterval, item)
		if status != ua.StatusOK {
			return out{handle, status}, errTransient(status)
		}
		return out{handle, status}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ua.StatusBadOutOfService
		}
		o := result.(out)
		return o.handle, o.status
	}
	o := result.(out)
	return o.handle, o.status
}

func (b *BreakerNamespace) StopSampling(ctx context.Context, handle manager.SamplingHandle) {
	// Best-effort: never let a broken namespace leak via a stuck breaker on
	// teardown. Errors are swallowed since there is no StatusCode to report.
	_, _ = b.cb.Execute(func() (interface{}, error) {
		b.inner.StopSampling(ctx, handle)
		return nil, nil
	})
}

func (b *BreakerNamespace) OnMonitoringModeChanged(ctx context.Context, itemIDs []uint32, mode ua.MonitoringMode) {
	_, _ = b.cb.Execute(func() (interface{}, error) {
		b.inner.OnMonitoringModeChanged(ctx, itemIDs, mode)
		return nil, nil
	})
}

func errTransient(status ua.StatusCode) error {
	return errBadStatus{status}
}

type errBadStatus struct{ status ua.StatusCode }

func (e errBadStatus) Error() string { return e.status.Error() }

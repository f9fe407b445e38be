// Package metrics exposes Prometheus instrumentation for the subscription
// core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus collectors used by the subscription core.
type Registry struct {
	subscriptionsCreated   prometheus.Counter
	subscriptionsDeleted   prometheus.Counter
	subscriptionsOpen      prometheus.Gauge
	monitoredItemsCreated  prometheus.Counter
	monitoredItemsDeleted  prometheus.Counter
	notificationsEmitted   prometheus.Counter
	keepAlivesEmitted      prometheus.Counter
	overflowEvents         prometheus.Counter
	publishRequestsQueued  prometheus.Counter
	publishRequestsServed  prometheus.Counter
	publishQueueDepth      prometheus.Gauge
	retainedMessages       prometheus.Gauge
	namespaceBreakerTrips  prometheus.Counter
	notificationAssembly   prometheus.Histogram
}

// NewRegistry creates and registers all collectors.
func NewRegistry() *Registry {
	return &Registry{
		subscriptionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_subscriptions_created_total",
			Help: "Total number of subscriptions created.",
		}),
		subscriptionsDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_subscriptions_deleted_total",
			Help: "Total number of subscriptions deleted, for any reason.",
		}),
		subscriptionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_subscriptions_open",
			Help: "Current number of subscriptions that are not Closed.",
		}),
		monitoredItemsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_monitored_items_created_total",
			Help: "Total number of monitored items created.",
		}),
		monitoredItemsDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_monitored_items_deleted_total",
			Help: "Total number of monitored items deleted.",
		}),
		notificationsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_notifications_emitted_total",
			Help: "Total number of non-empty NotificationMessages emitted.",
		}),
		keepAlivesEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_keepalives_emitted_total",
			Help: "Total number of empty keep-alive NotificationMessages emitted.",
		}),
		overflowEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_monitored_item_overflow_total",
			Help: "Total number of monitored item queue overflow events.",
		}),
		publishRequestsQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_publish_requests_queued_total",
			Help: "Total number of Publish requests enqueued.",
		}),
		publishRequestsServed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_publish_requests_served_total",
			Help: "Total number of Publish requests completed with a response.",
		}),
		publishQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_publish_queue_depth",
			Help: "Current number of outstanding Publish requests.",
		}),
		retainedMessages: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_retained_messages",
			Help: "Current number of retained NotificationMessages across all subscriptions.",
		}),
		namespaceBreakerTrips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_namespace_breaker_trips_total",
			Help: "Total number of times the namespace circuit breaker opened.",
		}),
		notificationAssembly: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opcua_notification_assembly_seconds",
			Help:    "Duration of assembling one NotificationMessage from monitored items.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
	}
}

func (r *Registry) IncSubscriptionsCreated()        { r.subscriptionsCreated.Inc() }
func (r *Registry) IncSubscriptionsDeleted()        { r.subscriptionsDeleted.Inc() }
func (r *Registry) SetSubscriptionsOpen(n int)      { r.subscriptionsOpen.Set(float64(n)) }
func (r *Registry) IncMonitoredItemsCreated(n int)  { r.monitoredItemsCreated.Add(float64(n)) }
func (r *Registry) IncMonitoredItemsDeleted(n int)  { r.monitoredItemsDeleted.Add(float64(n)) }
func (r *Registry) IncNotificationsEmitted()        { r.notificationsEmitted.Inc() }
func (r *Registry) IncKeepAlivesEmitted()           { r.keepAlivesEmitted.Inc() }
func (r *Registry) IncOverflowEvents()              { r.overflowEvents.Inc() }
func (r *Registry) IncPublishRequestsQueued()       { r.publishRequestsQueued.Inc() }
func (r *Registry) IncPublishRequestsServed()       { r.publishRequestsServed.Inc() }
func (r *Registry) SetPublishQueueDepth(n int)      { r.publishQueueDepth.Set(float64(n)) }
func (r *Registry) SetRetainedMessages(n int)       { r.retainedMessages.Set(float64(n)) }
func (r *Registry) IncNamespaceBreakerTrips()       { r.namespaceBreakerTrips.Inc() }
func (r *Registry) ObserveNotificationAssembly(sec float64) {
	r.notificationAssembly.Observe(sec)
}

// Package main is the entry point for the OPC UA subscription core demo
// binary. It wires configuration, logging, metrics, an in-memory address
// space, and a single demo session that issues CreateSubscription and
// CreateMonitoredItems (its subscription is deleted when the session closes
// at shutdown), plus the health/metrics HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-subscriptions/internal/config"
	"github.com/nexus-edge/opcua-subscriptions/internal/health"
	"github.com/nexus-edge/opcua-subscriptions/internal/manager"
	"github.com/nexus-edge/opcua-subscriptions/internal/metrics"
	"github.com/nexus-edge/opcua-subscriptions/internal/namespace"
	"github.com/nexus-edge/opcua-subscriptions/internal/registry"
	"github.com/nexus-edge/opcua-subscriptions/internal/stack"
	"github.com/nexus-edge/opcua-subscriptions/pkg/logging"
)

const (
	serviceName    = "opcua-subscriptions"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	logger := logging.New(serviceName, serviceVersion)
	logger.Info().Msg("starting opcua subscription core")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logging.NewFromLevel(serviceName, serviceVersion, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info().Str("environment", cfg.Service.Environment).Msg("configuration loaded")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memNS := namespace.NewMemoryNamespace(10, logger)
	breakerNS := namespace.NewBreakerNamespace(memNS, "address-space", metricsRegistry)

	limits := manager.LimitsFromConfig(cfg.Limits)
	serverRegistry := registry.New(metricsRegistry, logger, limits)

	mgr := serverRegistry.OpenSession("demo-session", breakerNS)

	runDemoSession(ctx, mgr, serverRegistry, memNS, logger)

	healthChecker := health.NewChecker(serverRegistry, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LiveHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	serverRegistry.CloseSession("demo-session", true)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down HTTP server")
	}

	logger.Info().Msg("opcua subscription core shutdown complete")
}

// runDemoSession issues CreateSubscription and CreateMonitoredItems against
// the in-memory namespace, purely to prove the wiring at startup; it sends
// no Publish requests.
func runDemoSession(ctx context.Context, mgr *manager.SubscriptionManager, reg *registry.ServerRegistry, memNS *namespace.MemoryNamespace, logger zerolog.Logger) {
	createSR := stack.NewSyncServiceRequest[*ua.CreateSubscriptionRequest, *ua.CreateSubscriptionResponse](
		&ua.CreateSubscriptionRequest{
			RequestedPublishingInterval: 500,
			RequestedLifetimeCount:      60,
			RequestedMaxKeepAliveCount:  10,
			MaxNotificationsPerPublish:  100,
			PublishingEnabled:           true,
			Priority:                    0,
		}, 1)
	mgr.CreateSubscription(createSR)
	if createSR.Fault() {
		logger.Error().Uint32("status", createSR.FaultStatus()).Msg("demo CreateSubscription failed")
		return
	}
	subID := createSR.Response().SubscriptionID
	reg.RegisterSubscription(mgr.SessionID(), subID)
	logger.Info().Uint32("subscription_id", subID).Msg("demo subscription created")

	nodeIDs := memNS.NodeIDs()
	items := make([]*ua.MonitoredItemCreateRequest, 0, len(nodeIDs))
	for i, nodeID := range nodeIDs {
		items = append(items, &ua.MonitoredItemCreateRequest{
			ItemToMonitor:  &ua.ReadValueID{NodeID: nodeID, AttributeID: ua.AttributeIDValue},
			MonitoringMode: ua.MonitoringModeReporting,
			RequestedParameters: &ua.MonitoringParameters{
				ClientHandle:     uint32(i + 1),
				SamplingInterval: 200,
				QueueSize:        10,
				DiscardOldest:    true,
			},
		})
	}

	createItemsSR := stack.NewSyncServiceRequest[*ua.CreateMonitoredItemsRequest, *ua.CreateMonitoredItemsResponse](
		&ua.CreateMonitoredItemsRequest{
			SubscriptionID:      subID,
			TimestampsToReturn:  ua.TimestampsToReturnBoth,
			ItemsToCreate:       items,
		}, 2)
	mgr.CreateMonitoredItems(ctx, createItemsSR)
	if createItemsSR.Fault() {
		logger.Error().Uint32("status", createItemsSR.FaultStatus()).Msg("demo CreateMonitoredItems failed")
		return
	}
	logger.Info().Int("items", len(createItemsSR.Response().Results)).Msg("demo monitored items created")
}

// PatternOps control plane server: runs the consumer fleet over the
// contract topics, the retention loop, and the health surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/patternops/patternops/pkg/api"
	"github.com/patternops/patternops/pkg/bus"
	"github.com/patternops/patternops/pkg/cleanup"
	"github.com/patternops/patternops/pkg/config"
	"github.com/patternops/patternops/pkg/database"
	"github.com/patternops/patternops/pkg/dispatch"
	"github.com/patternops/patternops/pkg/feedback"
	"github.com/patternops/patternops/pkg/fsm"
	"github.com/patternops/patternops/pkg/learning"
	"github.com/patternops/patternops/pkg/memory"
	"github.com/patternops/patternops/pkg/pairing"
	"github.com/patternops/patternops/pkg/patterns"
	"github.com/patternops/patternops/pkg/services"
	"github.com/patternops/patternops/pkg/version"
)

const drainTimeout = 30 * time.Second

// resolveProducerID determines the producer identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolveProducerID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return version.AppName + "-" + id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return version.AppName + "-" + hostname
	}
	return version.AppName + "-local"
}

func main() {
	configDir := flag.String("config-dir", "./deploy/config", "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}

	producerID := resolveProducerID()
	slog.Info("Starting patternops",
		"version", version.Full(), "producer_id", producerID, "settings", cfg.String())

	ctx := context.Background()

	dbCfg, err := database.NewConfig(cfg.DBURL)
	if err != nil {
		slog.Error("Database config invalid", "error", err)
		os.Exit(1)
	}
	client, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("Database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()

	// The boot handshake is fatal on any mismatch: refusing to start
	// beats silent corruption.
	if err := client.Handshake(ctx); err != nil {
		slog.Error("Boot handshake failed", "error", err)
		os.Exit(1)
	}

	db := client.DB()
	reducer := fsm.NewReducer(db, cfg.LeaseTTL)

	cleanupSvc := cleanup.NewService(cleanup.DefaultConfig(cfg.RetentionDaysFSMHistory), db, reducer)
	if err := cleanupSvc.RecoverStartupOrphans(ctx); err != nil {
		slog.Error("Startup orphan recovery failed", "error", err)
		// Non-fatal: expired leases also harvest lazily on propose.
	}
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	repo := patterns.NewRepository(db)
	lifecycle := patterns.NewLifecycle(db, producerID)
	promoter := patterns.NewPromoter(db, repo, lifecycle, patterns.DefaultPromotionPolicy())
	pairingEngine := pairing.NewEngine(pairing.NewRepository(db), producerID, cfg.PairingConfidenceFloor)
	scorer := feedback.NewScorer(db, lifecycle, cfg.SessionDurationCeiling)

	var mirror learning.VectorMirror
	if cfg.MemoryServiceURL != "" {
		mirror = memory.NewClient(cfg.MemoryServiceURL)
		slog.Info("Memory service mirror enabled", "url", cfg.MemoryServiceURL)
	}
	pipeline := learning.NewPipeline(db, repo, mirror, reducer, producerID)

	var (
		fleet      *bus.Fleet
		dispatcher *dispatch.Dispatcher
	)
	if cfg.ConsumersEnabled {
		contracts, err := config.LoadContracts(cfg.ContractDir)
		if err != nil {
			slog.Error("Contract files invalid", "error", err)
			os.Exit(1)
		}

		registry := dispatch.NewRegistry()
		handlers := services.NewHandlers(pairingEngine, scorer, pipeline, promoter, producerID)
		if err := handlers.Register(registry); err != nil {
			slog.Error("Handler registration failed", "error", err)
			os.Exit(1)
		}
		for _, m := range contracts.Messages() {
			if _, ok := registry.Lookup(m.Kind, m.SchemaVersion); !ok {
				slog.Warn("Contract declares a kind with no handler; deliveries will quarantine",
					"kind", m.Kind, "schema_version", m.SchemaVersion)
			}
		}

		topics := contracts.SubscribeTopics()
		routes, err := bus.RoutesFromTopics(contracts.AllTopics())
		if err != nil {
			slog.Error("Topic routing invalid", "error", err)
			os.Exit(1)
		}

		dialer := &bus.RealAMQPDialer{}
		conn, err := dialer.Dial(cfg.BusBootstrap)
		if err != nil {
			// Degraded, not fatal: the fleet reports it and the health
			// surface stays up.
			slog.Error("Bus unreachable at startup", "error", err)
			fleet = bus.NewFleet(dialer, cfg.BusBootstrap, nil, cfg.HandlerTimeout)
			if err := fleet.Start(ctx, topics); err != nil {
				slog.Error("Fleet start failed", "error", err)
				os.Exit(1)
			}
		} else {
			producer, err := bus.NewProducer(conn, routes, "")
			if err != nil {
				slog.Error("Producer setup failed", "error", err)
				os.Exit(1)
			}
			defer producer.Close()

			dispatcher = dispatch.NewDispatcher(registry, producer, producerID)
			fleet = bus.NewFleet(dialer, cfg.BusBootstrap, dispatcher, cfg.HandlerTimeout).
				WithDeadLetterer(producer)
			if err := fleet.Start(ctx, topics); err != nil {
				slog.Error("Fleet start failed", "error", err)
				os.Exit(1)
			}
			slog.Info("Consumer fleet running", "topics", len(topics), "kinds", registry.Kinds())
		}
	} else {
		slog.Info("Activation gate unset, consumers disabled")
	}

	var (
		fleetStatus    api.FleetStatus
		dispatchStatus api.DispatchStatus
	)
	if fleet != nil {
		fleetStatus = fleet
	}
	if dispatcher != nil {
		dispatchStatus = dispatcher
	}
	server := api.NewServer(client, fleetStatus, dispatchStatus)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Drain order: stop consuming first so only completed work is acked,
	// then the retention loop, then the HTTP surface.
	if fleet != nil {
		if err := fleet.Drain(time.Now().Add(drainTimeout)); err != nil {
			slog.Warn("Fleet drain incomplete; unacked deliveries will redeliver", "error", err)
		}
	}
	cleanupSvc.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

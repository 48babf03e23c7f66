package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/civictrack/relay/internal/broker"
	"github.com/civictrack/relay/internal/conn"
	"github.com/civictrack/relay/internal/delivery"
	"github.com/civictrack/relay/internal/memguard"
	"github.com/civictrack/relay/internal/migration"
	"github.com/civictrack/relay/internal/monitor"
	"github.com/civictrack/relay/internal/platform/config"
	"github.com/civictrack/relay/internal/platform/logging"
	"github.com/civictrack/relay/internal/registry"
	"github.com/civictrack/relay/internal/server"
	"github.com/civictrack/relay/internal/transport/centrifugal"
	"github.com/civictrack/relay/internal/transport/native"
	"github.com/civictrack/relay/internal/transport/redisrelay"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupCentrifugal(cfg *config.Config, manager *conn.Manager) *centrifugal.Adapter {
	cent, err := centrifugal.New(cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to create centrifuge adapter", "error", err)
		os.Exit(1)
	}

	cent.SetAcceptHandler(func(client *centrifuge.Client) (uuid.UUID, error) {
		id, err := manager.Accept("", centrifugal.AdapterName)
		if err != nil {
			return uuid.Nil, err
		}
		if userID := client.UserID(); userID != "" {
			_ = manager.BindIdentity(id, userID)
		}
		if err := manager.Open(id); err != nil {
			return uuid.Nil, err
		}
		return id, nil
	})

	manager.RegisterAdapter(cent)
	return cent
}

func runGracefulShutdown(srv *server.Server, stop func()) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stop()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	slog.Info("Relay starting", "env", cfg.AppEnv, "port", cfg.Port, "instance_id", instanceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connection table. The router is re-pinned below once the adapter set
	// is known.
	manager := conn.NewManager(clock, conn.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
		QueueMaxBytes:    cfg.QueueMaxBytes,
	}, conn.StaticRouter(native.AdapterName))

	reg := registry.New(clock)

	mem := memguard.NewManager(memguard.Config{
		BudgetBytes: cfg.MemoryBudgetBytes,
		Thresholds: memguard.Thresholds{
			ThrottleEnter: cfg.ThrottleEnterPct,
			ThrottleExit:  cfg.ThrottleExitPct,
			ShedEnter:     cfg.ShedEnterPct,
			ShedExit:      cfg.ShedExitPct,
			SuspendEnter:  cfg.SuspendEnterPct,
			SuspendExit:   cfg.SuspendExitPct,
		},
		SampleInterval: cfg.MemorySampleInterval,
		LeakSamples:    cfg.LeakSampleCount,
	}, clock, manager, reg)
	manager.SetQueueDeltaHook(mem.Delta)
	manager.SetAdmission(mem)

	// Transports.
	nativeAdapter := native.New(clock)
	manager.RegisterAdapter(nativeAdapter)
	cent := setupCentrifugal(cfg, manager)

	del := delivery.NewService(delivery.Config{
		BatchWindow:       cfg.BatchWindow,
		BatchMaxBytes:     cfg.BatchMaxBytes,
		EnvelopeTTL:       cfg.EnvelopeTTL,
		SendRetryAttempts: cfg.SendRetryAttempts,
		SendRetryBackoff:  cfg.SendRetryBackoff,
	}, clock, reg, manager, mem, instanceID)

	b := broker.New(clock, manager, reg, del)
	b.BindAdapter(nativeAdapter)
	b.BindAdapter(cent)

	checker := monitor.NewChecker(clock, cfg.HealthCheckInterval, mem)
	checker.Watch(nativeAdapter)
	checker.Watch(cent)

	// Optional redis relay for cross-instance fan-out. When present it
	// becomes the default home for new websocket connections.
	var relay *redisrelay.Adapter
	if cfg.RedisURL != "" {
		rdb, err := redisrelay.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer func() { _ = rdb.Close() }()

		relay = redisrelay.New(nativeAdapter, rdb, instanceID)
		manager.RegisterAdapter(relay)
		relay.Start(ctx)
		b.AttachRelay(relay)
		checker.Watch(relay)
		manager.SetRouter(conn.StaticRouter(redisrelay.AdapterName))
	}

	stats := monitor.NewStats()
	del.SetLatencyObserver(stats)
	reporter := monitor.NewReporter(clock, manager, reg, mem, stats, checker)

	migrator := migration.NewController(clock, migration.Config{
		HealthWindow:   cfg.MigrationHealthWindow,
		ErrorRateLimit: cfg.MigrationErrorRateLimit,
		LatencyLimit:   cfg.MigrationLatencyLimit,
		RampStep:       cfg.MigrationRampStep,
		RampHold:       cfg.MigrationRampHold,
	}, manager, reg, del, checker)

	// Background loops.
	manager.StartSweep(ctx)
	mem.Start(ctx)
	checker.Start(ctx)
	if err := cent.Run(); err != nil {
		slog.Error("Failed to start centrifuge node", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(cfg, b, manager, reporter, checker, migrator)
	srv.Mount("/centrifuge", centrifuge.NewWebsocketHandler(cent.Node(), centrifuge.WebsocketConfig{}))

	done := runGracefulShutdown(srv, func() {
		migrator.Stop()
		checker.Stop()
		mem.Stop()
		manager.Stop()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if relay != nil {
			if err := relay.Shutdown(shutdownCtx); err != nil {
				slog.Error("Relay shutdown error", "error", err)
			}
		} else {
			if err := nativeAdapter.Shutdown(shutdownCtx); err != nil {
				slog.Error("Native adapter shutdown error", "error", err)
			}
		}
		if err := cent.Shutdown(shutdownCtx); err != nil {
			slog.Error("Centrifuge shutdown error", "error", err)
		}
		cancel()
	})

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

// Peregrine manager — owns the session lifecycle: enqueue, schedule, start,
// monitor, and destroy compute sessions across a fleet of agents.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/peregrinehq/peregrine/pkg/agent"
	"github.com/peregrinehq/peregrine/pkg/api"
	"github.com/peregrinehq/peregrine/pkg/bus"
	"github.com/peregrinehq/peregrine/pkg/config"
	"github.com/peregrinehq/peregrine/pkg/database"
	"github.com/peregrinehq/peregrine/pkg/lifecycle"
	"github.com/peregrinehq/peregrine/pkg/metrics"
	"github.com/peregrinehq/peregrine/pkg/registry"
	"github.com/peregrinehq/peregrine/pkg/scheduler"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging(cfg *config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting peregrine manager",
		"version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)

	// 2. Initialize database (runs pending migrations)
	dbClient, err := database.NewClient(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	st := store.New(dbClient.Pool())
	slog.Info("Connected to PostgreSQL database")

	// 3. Connect Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	// 4. Connect NATS (agent RPC transport)
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(version.Full()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		slog.Error("Failed to connect to NATS", "url", cfg.NATS.URL, "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", cfg.NATS.URL)

	// 5. Event bus over Redis streams. The bus owns the Redis client and
	// closes it on shutdown.
	eventBus := bus.New(rdb, bus.Config{
		Stream:            cfg.Bus.Stream,
		Group:             cfg.Bus.Group,
		ProcessIndex:      cfg.Bus.ProcessIndex,
		AutoclaimIdle:     cfg.Bus.AutoclaimIdle,
		AutoclaimInterval: cfg.Bus.AutoclaimInterval,
	}, metrics.BusObserver{})

	// 6. Lifecycle manager, agent RPC, scheduler, registry
	updatable := lifecycle.NewUpdatableSet(rdb)
	lc := lifecycle.NewManager(st, updatable, eventBus)
	cache := agent.NewCache(st)
	rpc := agent.NewClient(nc, cache)

	dispatcher := scheduler.NewDispatcher(scheduler.Config{
		TickInterval:     cfg.Scheduler.TickInterval,
		TickJitter:       cfg.Scheduler.TickJitter,
		MaxRetriesToSkip: cfg.Scheduler.MaxRetriesToSkip,
	}, st, rdb, eventBus, rpc, lc)

	reg := registry.New(registry.Config{
		DefaultSharedMemory: cfg.Registry.DefaultSharedMemory,
		PriorityMin:         cfg.Registry.PriorityMin,
		PriorityMax:         cfg.Registry.PriorityMax,
		DefaultMaxWait:      cfg.Registry.DefaultMaxWait,
		AgentLostTimeout:    cfg.Registry.AgentLostTimeout,
	}, st, rdb, eventBus, rpc, cache, lc, dispatcher.Tracker())

	// 7. Register event handlers, then start the bus and the dispatcher
	reg.RegisterHandlers(eventBus, dispatcher)
	if err := eventBus.Start(ctx); err != nil {
		slog.Error("Failed to start event bus", "error", err)
		os.Exit(1)
	}
	dispatcher.Start(ctx)

	// 8. Metrics gauges
	collector := metrics.NewCollector(st, cfg.Maintenance.MetricsInterval)
	collector.Start(ctx)

	// 9. Periodic jobs: agent liveness sweep, waiter sweep, hourly
	// occupancy recalculation
	jobs := cron.New()
	mustSchedule(jobs, "@every "+cfg.Maintenance.LivenessSweepInterval.String(), func() {
		if err := reg.SweepAgentLiveness(ctx); err != nil {
			slog.Error("Agent liveness sweep failed", "error", err)
		}
	})
	mustSchedule(jobs, "@every "+cfg.Maintenance.WaiterSweepInterval.String(), func() {
		if n := reg.Waiters().Sweep(); n > 0 {
			slog.Info("Swept expired session waiters", "count", n)
		}
	})
	mustSchedule(jobs, cfg.Maintenance.RecalcSchedule, func() {
		if err := reg.RecalcResourceUsage(ctx); err != nil {
			slog.Error("Resource usage recalculation failed", "error", err)
		}
	})
	jobs.Start()

	// 10. HTTP server
	gin.SetMode(ginMode(cfg.HTTP.Mode))
	httpServer := api.NewServer(reg, st, dbClient, rdb, nc)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(cfg.HTTP.ListenAddr); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Peregrine manager started", "listen_addr", cfg.HTTP.ListenAddr)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop intake first, then the loops, the bus
	// last so in-flight handlers can still produce events.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	cronCtx := jobs.Stop()
	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
		slog.Warn("Periodic job shutdown timeout exceeded")
	}

	dispatcher.Stop()
	collector.Stop()
	if err := eventBus.Close(); err != nil {
		slog.Error("Event bus shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func mustSchedule(jobs *cron.Cron, spec string, fn func()) {
	if _, err := jobs.AddFunc(spec, fn); err != nil {
		slog.Error("Failed to schedule periodic job", "spec", spec, "error", err)
		os.Exit(1)
	}
}

func ginMode(mode string) string {
	if mode == "debug" {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}

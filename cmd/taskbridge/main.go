package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"taskbridge/internal/alerts"
	"taskbridge/internal/api"
	"taskbridge/internal/config"
	"taskbridge/internal/database"
	"taskbridge/internal/domain"
	"taskbridge/internal/events"
	"taskbridge/internal/export"
	"taskbridge/internal/logging"
	"taskbridge/internal/metrics"
	"taskbridge/internal/notes"
	"taskbridge/internal/reconciler"
	"taskbridge/internal/repository"
	"taskbridge/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := prepareDirectories(cfg, &logger); err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("ledger initialization failed")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, fingerprints := initFingerprintStore(ctx, cfg, &logger)
	if redisClient != nil {
		defer repository.Close(redisClient)
	}

	notesClient := notes.NewClient(cfg.Notes, &logger)
	schedulerClient := scheduler.NewClient(cfg.Scheduler, &logger)

	alerter, err := initAlerter(cfg, &logger)
	if err != nil {
		return err
	}

	eventBus := events.NewEventBus()
	subscribeSyncEvents(ctx, eventBus, alerter, &logger)

	metrics.Register()
	if cfg.Monitoring.PrometheusEnabled {
		startMetricsServer(cfg.Monitoring.PrometheusPort, &logger)
	}

	fast := reconciler.NewFastReconciler(db, notesClient, fingerprints, eventBus, &logger)
	recovery := reconciler.NewPhantomRecovery(db, eventBus, &logger)
	retryPolicy := reconciler.RetryPolicy{InitialDelay: 2 * time.Second, MaxDelay: time.Minute, BackoffFactor: 2}
	slow := reconciler.NewSlowReconciler(db, schedulerClient, recovery, eventBus, alerter, retryPolicy, reconciler.SlowConfig{
		BatchSize:     cfg.Sync.BatchSize,
		CoolDown:      cfg.Sync.CoolDown,
		Lease:         cfg.Sync.Lease,
		DispatchDelay: cfg.Sync.DispatchDelay,
		StaleSkew:     cfg.Sync.StaleAttemptSkew,
	}, &logger)
	sweeper := reconciler.NewSweeper(db, schedulerClient, recovery, eventBus, &logger)

	go reconciler.RunLoop(ctx, "fast", cfg.Sync.FastInterval, &logger, fast.RunCycle)
	go reconciler.RunLoop(ctx, "slow", cfg.Sync.SlowInterval, &logger, slow.RunCycle)
	go reconciler.RunLoop(ctx, "sweep", cfg.Sync.SweepInterval, &logger, sweeper.RunCycle)

	if cfg.API.Enabled {
		exporter := export.NewService(db, cfg.Exports.Path, &logger)
		apiServer := api.NewHTTPServer(cfg.API, db, fast, exporter, cachePing(redisClient), &logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().
		Dur("fast_interval", cfg.Sync.FastInterval).
		Dur("slow_interval", cfg.Sync.SlowInterval).
		Dur("sweep_interval", cfg.Sync.SweepInterval).
		Msg("taskbridge started")

	<-ctx.Done()
	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "main").Logger()

	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("failed to create database directory")
		return err
	}
	if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("failed to create exports directory")
		return err
	}
	return nil
}

// initFingerprintStore wires the change-detection cache: Redis primary with
// an in-memory fallback, so a cache outage degrades to extra upserts rather
// than stopping ingestion.
func initFingerprintStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, domain.FingerprintStore) {
	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = repository.NewRedisClient(cfg.Redis)
		if err := repository.Ping(ctx, redisClient); err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable")
		}
	}

	fallback := repository.NewMemoryFingerprintStore(cfg.Sync.FingerprintTTL)
	if redisClient == nil {
		return nil, fallback
	}

	primary := repository.NewRedisFingerprintStore(redisClient, cfg.Sync.FingerprintTTL)
	return redisClient, repository.NewFailoverFingerprintStore(primary, fallback, logger)
}

func initAlerter(cfg *config.Config, logger *zerolog.Logger) (domain.Alerter, error) {
	if !cfg.Alerts.Enabled {
		return nil, nil
	}
	alerter, err := alerts.NewTelegramAlerter(cfg.Alerts, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize Telegram alerter")
		return nil, err
	}
	return alerter, nil
}

func cachePing(client *redis.Client) func(ctx context.Context) error {
	if client == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return repository.Ping(ctx, client)
	}
}

func startMetricsServer(port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
}

// subscribeSyncEvents attaches operational consumers to the in-process bus.
// Every event is logged; orphan removals additionally page the operator,
// since they mean someone or something is creating tasks in Scheduler
// directly.
func subscribeSyncEvents(ctx context.Context, bus *events.EventBus, alerter domain.Alerter, logger *zerolog.Logger) {
	logHandler := func(ev *events.Event) error {
		var payload events.SyncEventPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			logger.Error().Err(err).Str("event", ev.Type).Msg("event bus: decode payload")
			return nil
		}
		logger.Info().
			Str("event", ev.Type).
			Str("notes_id", payload.NotesID).
			Str("scheduler_id", payload.SchedulerID).
			Str("detail", payload.Detail).
			Msg("sync event")
		return nil
	}

	for _, eventType := range []string{
		events.EventTaskSynced,
		events.EventTaskUnlinked,
		events.EventPhantomRecovered,
		events.EventCriticalDivergence,
		events.EventTaskOrphaned,
	} {
		bus.Subscribe(eventType, logHandler)
	}

	if alerter != nil {
		bus.Subscribe(events.EventTaskOrphaned, func(ev *events.Event) error {
			var payload events.SyncEventPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return nil
			}
			detail := fmt.Sprintf("removed scheduler task %s (%q) with no ledger row", payload.SchedulerID, payload.Title)
			if err := alerter.Alert(ctx, "orphan task removed", detail); err != nil {
				logger.Warn().Err(err).Msg("operator alert failed")
			}
			return nil
		})
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"retailpos/backend/internal/cache"
	"retailpos/backend/internal/config"
	"retailpos/backend/internal/connectivity"
	"retailpos/backend/internal/httpapi"
	"retailpos/backend/internal/logging"
	"retailpos/backend/internal/metrics"
	"retailpos/backend/internal/notify"
	"retailpos/backend/internal/offline"
	"retailpos/backend/internal/service"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/memory"
	pgstore "retailpos/backend/internal/store/postgres"
	reststore "retailpos/backend/internal/store/rest"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging configuration: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	repo, closeRepo, err := openRepository(startupCtx, cfg, logger)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(startupCtx).Err(); err != nil {
			logger.Warn("redis unavailable, using noop product cache", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = client.Close()
		} else {
			redisClient = client
			closers = append(closers, client.Close)
		}
	}

	var products cache.ProductCache = cache.NoopProductCache{}
	if redisClient != nil {
		products = cache.NewRedisProductCache(redisClient)
		logger.Info("product cache: redis")
	} else {
		logger.Info("product cache: noop")
	}

	queueStore, err := openQueueStore(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	feed := notify.NewFeed(100, logger)

	prober := connectivity.NewProber(repo.Ping, cfg.ProbeInterval, logger)
	prober.Probe(startupCtx)
	m.SetOnline(prober.Online())
	unsubscribe := prober.Subscribe(m.SetOnline)
	defer unsubscribe()

	engine, err := offline.NewEngine(startupCtx, offline.Config{
		Store:        queueStore,
		Backend:      repo,
		Connectivity: prober,
		Notifier:     feed,
		Policy: offline.RetryPolicy{
			MaxAttempts:    cfg.SyncMaxAttempts,
			InitialBackoff: cfg.SyncInitialBackoff,
			MaxBackoff:     cfg.SyncMaxBackoff,
		},
		Recorder: m,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	engine.Start(ctx)
	defer engine.Close()

	logger.Info("offline queue loaded",
		zap.Int("pending", len(engine.Pending())),
		zap.Int("dead_letters", len(engine.DeadLetters())),
	)

	go prober.Run(ctx)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SyncSchedule, func() { engine.Trigger() }); err != nil {
		return fmt.Errorf("invalid SYNC_SCHEDULE %q: %w", cfg.SyncSchedule, err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	svc := service.New(repo, engine, products, service.ProductTTL{
		Fresh:    time.Duration(cfg.ProductCacheTTLSeconds) * time.Second,
		Snapshot: time.Duration(cfg.ProductSnapshotTTLSeconds) * time.Second,
	}, logger)
	auth := httpapi.NewAuthManager(startupCtx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo, logger)
	api := httpapi.New(svc, auth, feed, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Metrics:       m,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

// openRepository picks Postgres when DATABASE_URL is set, the hosted REST API
// when BACKEND_REST_URL is set and the seeded memory store otherwise.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		if cfg.DatabaseMigrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema applied")
		}
		logger.Info("repository: postgres")
		return pg, pg.Close, nil
	case cfg.BackendRESTURL != "":
		client, err := reststore.New(reststore.Config{URL: cfg.BackendRESTURL, APIKey: cfg.BackendRESTKey})
		if err != nil {
			return nil, nil, fmt.Errorf("rest backend: %w", err)
		}
		logger.Info("repository: rest", zap.String("url", cfg.BackendRESTURL))
		return client, nil, nil
	default:
		logger.Info("repository: in-memory")
		return memory.NewSeeded(logger), nil, nil
	}
}

func openQueueStore(cfg config.Config, client *redis.Client, logger *zap.Logger) (offline.Store, error) {
	switch cfg.OfflineStore {
	case "redis":
		if client == nil {
			return nil, errors.New("OFFLINE_STORE=redis requires a reachable REDIS_ADDR")
		}
		logger.Info("offline store: redis", zap.String("key", cfg.OfflineStorageKey))
		return offline.NewRedisStore(client, cfg.OfflineStorageKey), nil
	case "file", "":
		fs := offline.NewFileStore(cfg.OfflineStoreDir, cfg.OfflineStorageKey)
		logger.Info("offline store: file", zap.String("path", fs.Path()))
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown OFFLINE_STORE %q", cfg.OfflineStore)
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return errors.New("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return errors.New("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

var weakPINs = map[string]bool{
	"123456": true, "654321": true, "000000": true, "121212": true,
	"112233": true, "123123": true, "159753": true, "147258": true,
}

// validatePINStrength rejects known weak PINs, a single repeated digit and
// straight ascending or descending runs.
func validatePINStrength(pin string) error {
	if weakPINs[pin] {
		return errors.New("common PIN not allowed")
	}

	same, up, down := true, true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		same = same && diff == 0
		up = up && diff == 1
		down = down && diff == -1
	}
	switch {
	case same:
		return errors.New("repeated-digit PIN not allowed")
	case up || down:
		return errors.New("sequential PIN not allowed")
	}
	return nil
}

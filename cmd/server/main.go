package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/analytics"
	"github.com/patrickwarner/openmediation/internal/api"
	"github.com/patrickwarner/openmediation/internal/config"
	"github.com/patrickwarner/openmediation/internal/db"
	"github.com/patrickwarner/openmediation/internal/geoip"
	"github.com/patrickwarner/openmediation/internal/logic"
	"github.com/patrickwarner/openmediation/internal/logic/ratelimit"
	"github.com/patrickwarner/openmediation/internal/macros"
	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/networks"
	"github.com/patrickwarner/openmediation/internal/observability"
	"github.com/patrickwarner/openmediation/internal/privacy"
	"github.com/patrickwarner/openmediation/internal/waterfallfile"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

// setupLoader picks Postgres when a DSN is configured, else the YAML file.
func setupLoader(ctx context.Context, cfg config.Config) (db.Loader, func(), error) {
	if cfg.PostgresDSN == "" {
		return waterfallfile.File{Path: cfg.WaterfallFile}, func() {}, nil
	}
	pg, err := db.InitPostgres(ctx, cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect postgres: %w", err)
	}
	return pg, pg.Close, nil
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.Version, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	loader, closeLoader, err := setupLoader(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLoader()

	store := models.NewInMemoryMediationStore()
	setup, err := db.Reload(ctx, loader, store)
	if err != nil {
		return fmt.Errorf("load mediation setup: %w", err)
	}
	logger.Info("mediation setup loaded",
		zap.Int("networks", len(setup.Networks)),
		zap.Int("waterfall_entries", len(setup.Waterfall)),
		zap.Int("house_creatives", len(setup.House)))

	metricsRegistry := observability.NewPrometheusRegistry()

	var redisStore *db.RedisStore
	if cfg.RedisAddr != "" {
		redisStore, err = db.InitRedis(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, show caps and update notifications disabled", zap.Error(err))
			redisStore = nil
		} else {
			defer redisStore.Close()
		}
	}

	var analyticsSvc *analytics.Analytics
	var sinks []mediation.EventSink
	if cfg.ClickHouseDSN != "" {
		analyticsSvc, err = analytics.InitClickHouse(ctx, cfg.ClickHouseDSN, metricsRegistry,
			cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
		if err != nil {
			return fmt.Errorf("failed to connect clickhouse: %w", err)
		}
		defer analyticsSvc.Close()
		sink := analytics.NewSink(analyticsSvc, analytics.DefaultSinkBuffer, logger)
		defer sink.Close()
		sinks = append(sinks, sink)
	}

	var geoSvc *geoip.GeoIP
	if cfg.GeoIPDB != "" {
		geoSvc, err = geoip.Init(cfg.GeoIPDB)
		if err != nil {
			return fmt.Errorf("failed to load geoip db: %w", err)
		}
		defer func() { _ = geoSvc.Close() }()
	}

	registry := networks.NewRegistry(networks.Deps{
		Store:  store,
		Macros: macros.NewExpander(logger),
		Logger: logger,
	})
	if err := registry.Sync(ctx, setup.Networks, ""); err != nil {
		logger.Error("some networks could not be built", zap.Error(err))
	}

	limiter := ratelimit.NewNetworkLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.RateLimitRefillRate,
		Enabled:    cfg.RateLimitEnabled,
	}, store)

	consent, err := privacy.NewConsentChecker(privacy.DefaultCacheSize, logger)
	if err != nil {
		return fmt.Errorf("init consent checker: %w", err)
	}

	opts := mediation.Options{
		Store:               store,
		Networks:            registry,
		Limiter:             limiter,
		Consent:             consent,
		Sinks:               sinks,
		Metrics:             metricsRegistry,
		Logger:              logger,
		AttemptTimeout:      cfg.AttemptTimeout,
		NoFillBackoff:       cfg.NoFillBackoff,
		AutocacheBackoff:    cfg.AutocacheBackoff,
		AutocacheBackoffMax: cfg.AutocacheBackoffMax,
		CacheCapacity:       cfg.CacheCapacity,
		AdTTL:               cfg.AdTTL,
		Version:             cfg.Version,
	}
	if redisStore != nil {
		opts.ShowCapper = logic.NewShowCapper(redisStore, logic.CapsFromNames(cfg.ShowCaps(), cfg.ShowCapWindow), logger)
	}
	mediator := mediation.New(opts)
	defer mediator.Close()
	mediator.SetTesting(cfg.TestMode)

	mediator.SetAutocache(false, models.AdTypeAll)
	if cfg.AutocacheAdTypes != "none" {
		autocacheTypes, err := models.ParseAdType(cfg.AutocacheAdTypes)
		if err != nil {
			return fmt.Errorf("AUTOCACHE_AD_TYPES: %w", err)
		}
		mediator.SetAutocache(true, autocacheTypes)
	}

	if cfg.AppKey != "" {
		initTypes, err := models.ParseAdType(cfg.InitAdTypes)
		if err != nil {
			return fmt.Errorf("INIT_AD_TYPES: %w", err)
		}
		if err := mediator.Initialize(ctx, cfg.AppKey, initTypes); err != nil {
			return fmt.Errorf("initialize mediation: %w", err)
		}
	}

	secret := []byte(cfg.TokenSecret)
	if len(secret) == 0 {
		logger.Warn("TOKEN_SECRET not set, show tokens will not survive a restart")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate token secret: %w", err)
		}
	}

	apiServer := api.NewServer(logger, mediator, registry, store, metricsRegistry, secret, cfg.TokenTTL)
	apiServer.GeoIP = geoSvc
	apiServer.Limiter = limiter
	apiServer.Analytics = analyticsSvc
	apiServer.DebugTrace = cfg.DebugTrace
	apiServer.Reloader = func(ctx context.Context) error {
		s, err := db.Reload(ctx, loader, store)
		if err != nil {
			return err
		}
		if err := registry.Sync(ctx, s.Networks, mediator.AppKey()); err != nil {
			logger.Error("network sync", zap.Error(err))
		}
		logger.Info("mediation setup reloaded", zap.Int("networks", len(s.Networks)))
		return nil
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Mediation server running", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if cfg.ReloadInterval > 0 {
		ticker := time.NewTicker(cfg.ReloadInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := apiServer.Reload(ctx); err != nil {
						logger.Error("auto reload", zap.Error(err))
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if redisStore != nil {
		updates, err := redisStore.SubscribeUpdates(ctx)
		if err != nil {
			logger.Warn("subscribe to setup updates", zap.Error(err))
		} else {
			go func() {
				for reason := range updates {
					logger.Info("setup update received", zap.String("reason", reason))
					if err := apiServer.Reload(ctx); err != nil {
						logger.Error("reload on update", zap.Error(err))
					}
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"authbridge/internal/bridge"
	"authbridge/internal/domain"
	"authbridge/internal/httpapi"
	"authbridge/internal/observability"
	"authbridge/internal/registry"
	"authbridge/internal/secrets"
	"authbridge/internal/storage"
	"authbridge/internal/storage/postgres"
	"authbridge/internal/storage/sqlite"
	"authbridge/internal/surface"
)

func main() {
	// Initialize structured logger from environment configuration
	logCfg := observability.ConfigFromEnv()
	logger := observability.NewLogger(logCfg)

	// The control API carries bearer credentials; it binds to loopback
	// unless explicitly overridden.
	addr := envOr("AUTHBRIDGE_ADDR", "127.0.0.1:8877")
	flag.StringVar(&addr, "addr", addr, "listen address (host:port)")
	flag.Parse()

	// Initialize Sentry if DSN is provided
	sentryDSN := os.Getenv("SENTRY_DSN")
	sentryEnabled := false
	if sentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      envOr("SENTRY_ENVIRONMENT", "production"),
			Release:          envOr("APP_VERSION", "dev"),
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized",
				"environment", envOr("SENTRY_ENVIRONMENT", "production"),
				"release", envOr("APP_VERSION", "dev"),
			)
			sentryEnabled = true
		}
	}

	store := selectStore(logger)

	// Initialize metrics
	metricsCfg := observability.MetricsConfigFromEnv()
	var metrics *observability.Metrics
	if metricsCfg.Enabled {
		metrics = observability.NewMetrics(metricsCfg)
		logger.Info("metrics enabled",
			"namespace", metricsCfg.Namespace,
			"version", metricsCfg.Version,
		)
	} else {
		logger.Info("metrics disabled")
	}

	rateCfg := rateLimitFromEnv(logger)

	var seed []*domain.Provider
	if path := os.Getenv("AUTHBRIDGE_PROVIDERS"); path != "" {
		var err error
		seed, err = registry.LoadSeedFile(path)
		if err != nil {
			logger.Error("loading provider seed file failed", "path", path, "error", err)
			os.Exit(1)
		}
		logger.Info("provider seed file loaded", "path", path, "providers", len(seed))
	}

	deadline := 5 * time.Minute
	if v := strings.TrimSpace(os.Getenv("AUTHBRIDGE_FLOW_DEADLINE")); v != "" {
		if parsed, err := time.ParseDuration(v); err != nil {
			logger.Warn("invalid AUTHBRIDGE_FLOW_DEADLINE; using default", "value", v, "error", err)
		} else {
			deadline = parsed
		}
	}

	broker := surface.NewBroker()
	b, err := bridge.New(context.Background(), bridge.Options{
		Host:         broker,
		Store:        store,
		Logger:       logger,
		Metrics:      metrics,
		FlowDeadline: deadline,
		Seed:         seed,
	})
	if err != nil {
		logger.Error("bridge initialization failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	srv := httpapi.NewServer(mux, b, broker)
	srv.RegisterRoutes()
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}

	// Apply middleware stack (metrics, request ID, structured logging, rate limiting).
	// Order: metrics (outermost) -> requestID -> logging -> rateLimiting (innermost before handler)
	handler := httpapi.ApplyMiddlewares(
		mux,
		observability.MetricsMiddleware(metrics),
		httpapi.RequestIDMiddleware(),
		httpapi.LoggingMiddleware(logger.Slog()),
		httpapi.RateLimitMiddleware(rateCfg, logger.Slog()),
	)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Authenticate and SSE responses are long-lived; no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("authbridged listening", "addr", addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	}

	logger.Info("shutting down server", "timeout", "15s")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	if err := b.Close(); err != nil {
		logger.Error("error closing bridge", "error", err)
	} else {
		logger.Info("bridge closed")
	}

	if sentryEnabled {
		logger.Info("flushing sentry events", "deadline", "2s")
		sentry.Flush(2 * time.Second)
	}

	logger.Info("shutdown complete")
}

// selectStore picks the persistence backend from the environment:
// DATABASE_URL selects PostgreSQL, SQLITE_DSN (or the default file)
// selects SQLite, AUTHBRIDGE_STORE=memory keeps everything in process.
func selectStore(logger observability.Logger) storage.Store {
	if strings.EqualFold(os.Getenv("AUTHBRIDGE_STORE"), "memory") {
		logger.Info("using in-memory store; credentials will not survive restarts")
		return storage.NewMemoryStore()
	}

	key := tokenKey(logger)

	if connStr := os.Getenv("DATABASE_URL"); connStr != "" {
		st, err := postgres.New(connStr, key)
		if err != nil {
			logger.Error("postgres initialization failed", "error", err)
			os.Exit(1)
		}
		logger.Info("using postgres store")
		return st
	}

	dsn := envOr("SQLITE_DSN", "file:authbridge.db?cache=shared&_fk=1")
	st, err := sqlite.New(dsn, key)
	if err != nil {
		logger.Error("sqlite initialization failed", "error", err)
		os.Exit(1)
	}
	logger.Info("using sqlite store", "dsn", dsn)
	return st
}

// tokenKey derives the at-rest encryption key for stored credentials.
// AUTHBRIDGE_TOKEN_KEY is either 64 hex characters (a raw 256-bit key) or
// an arbitrary passphrase run through HKDF. The key is deliberately
// separate from any other application configuration.
func tokenKey(logger observability.Logger) []byte {
	raw := os.Getenv("AUTHBRIDGE_TOKEN_KEY")
	if raw == "" {
		logger.Error("AUTHBRIDGE_TOKEN_KEY is required for persistent stores " +
			"(set AUTHBRIDGE_STORE=memory to run without persistence)")
		os.Exit(1)
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded
	}
	key, err := secrets.DeriveKey([]byte(raw))
	if err != nil {
		logger.Error("deriving token key failed", "error", err)
		os.Exit(1)
	}
	return key
}

func rateLimitFromEnv(logger observability.Logger) httpapi.RateLimitConfig {
	rateCfg := httpapi.DefaultRateLimitConfig()
	if rpsVal := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPS")); rpsVal != "" {
		if parsed, err := strconv.ParseFloat(rpsVal, 64); err != nil {
			logger.Warn("invalid RATE_LIMIT_RPS; disabling rate limiting", "value", rpsVal, "error", err)
			rateCfg.RequestsPerSecond = 0
		} else if parsed <= 0 {
			logger.Warn("non-positive RATE_LIMIT_RPS; disabling rate limiting", "value", parsed)
			rateCfg.RequestsPerSecond = 0
		} else {
			rateCfg.RequestsPerSecond = parsed
		}
	}
	if burstVal := strings.TrimSpace(os.Getenv("RATE_LIMIT_BURST")); burstVal != "" {
		if parsed, err := strconv.Atoi(burstVal); err != nil {
			logger.Warn("invalid RATE_LIMIT_BURST; using default", "value", burstVal, "error", err)
		} else if parsed <= 0 {
			logger.Warn("non-positive RATE_LIMIT_BURST; disabling rate limiting", "value", parsed)
			rateCfg.Burst = 0
		} else {
			rateCfg.Burst = parsed
		}
	}
	if !rateCfg.Enabled() {
		logger.Info("rate limiting disabled")
	} else {
		logger.Info("rate limiting configured",
			"requests_per_second", rateCfg.RequestsPerSecond,
			"burst", rateCfg.Burst,
		)
	}
	return rateCfg
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

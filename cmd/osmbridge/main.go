package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/osmbridge/osmbridge/internal/httpapi"
	"github.com/osmbridge/osmbridge/internal/metrics"
	"github.com/osmbridge/osmbridge/internal/osmbridge"
)

func main() {
	logger := buildLogger()

	addr := os.Getenv("OSMBRIDGE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := osmbridge.BuildStoreFromDSN(strings.TrimSpace(os.Getenv("OSMBRIDGE_STORE_DSN")))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize entity store")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	policy, policyCloser, err := buildPolicyFromEnv(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load freshness policy")
	}
	defer policyCloser()

	remote := osmbridge.NewHTTPRemoteClient(osmbridge.HTTPRemoteClientOptions{
		BaseURL:    os.Getenv("OSMBRIDGE_REMOTE_URL"),
		UserAgent:  os.Getenv("OSMBRIDGE_USER_AGENT"),
		MaxRetries: intEnv("OSMBRIDGE_REMOTE_MAX_RETRIES", 0, logger),
		BaseDelay:  durationEnv("OSMBRIDGE_REMOTE_RETRY_DELAY", 0, logger),
		MaxDelay:   durationEnv("OSMBRIDGE_REMOTE_RETRY_MAX_DELAY", 0, logger),
		HTTPClient: &http.Client{Timeout: durationEnv("OSMBRIDGE_REMOTE_TIMEOUT", 30*time.Second, logger)},
	})

	translator, err := osmbridge.NewTranslator(durationEnv("OSMBRIDGE_REMOTE_QUERY_TIMEOUT", 0, logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize query translator")
	}

	resolver, err := osmbridge.NewResolver(osmbridge.ResolverOptions{
		Store:        store,
		Remote:       remote,
		Translator:   translator,
		Policy:       policy,
		Logger:       logger,
		Metrics:      m,
		MaxInFlight:  intEnv("OSMBRIDGE_MAX_INFLIGHT", 0, logger),
		QueryHorizon: durationEnv("OSMBRIDGE_QUERY_HORIZON", 0, logger),
		FetchTimeout: durationEnv("OSMBRIDGE_FETCH_TIMEOUT", 0, logger),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resolver")
	}
	defer resolver.Close()

	server := httpapi.NewServer(resolver, registry, logger, httpapi.ServerConfig{
		MaxBodyBytes:    int64Env("OSMBRIDGE_MAX_BODY_BYTES", 0, logger),
		MaxQueryResults: intEnv("OSMBRIDGE_MAX_QUERY_RESULTS", 0, logger),
		QueryTimeout:    durationEnv("OSMBRIDGE_QUERY_TIMEOUT", 0, logger),
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("osmbridge listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown did not complete cleanly")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}
}

func buildLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("OSMBRIDGE_LOG_LEVEL"))))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if boolEnv("OSMBRIDGE_LOG_PRETTY") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// buildPolicyFromEnv prefers a watched policy file; OSMBRIDGE_MAX_AGE and the
// per-kind variables configure a static policy when no file is given.
func buildPolicyFromEnv(logger zerolog.Logger) (osmbridge.PolicyProvider, func(), error) {
	if path := strings.TrimSpace(os.Getenv("OSMBRIDGE_POLICY_FILE")); path != "" {
		fp, err := osmbridge.NewFilePolicy(path, logger)
		if err != nil {
			return nil, nil, err
		}
		return fp, fp.Close, nil
	}
	policy := osmbridge.DefaultPolicy()
	if maxAge := durationEnv("OSMBRIDGE_MAX_AGE", 0, logger); maxAge > 0 {
		policy.DefaultMaxAge = maxAge
	}
	perKind := map[osmbridge.Kind]string{
		osmbridge.KindPoint: "OSMBRIDGE_MAX_AGE_POINT",
		osmbridge.KindPath:  "OSMBRIDGE_MAX_AGE_PATH",
		osmbridge.KindGroup: "OSMBRIDGE_MAX_AGE_GROUP",
	}
	for kind, name := range perKind {
		if age := durationEnv(name, 0, logger); age > 0 {
			if policy.PerKind == nil {
				policy.PerKind = map[osmbridge.Kind]time.Duration{}
			}
			policy.PerKind[kind] = age
		}
	}
	return osmbridge.StaticPolicy(policy), func() {}, nil
}

func intEnv(name string, fallback int, logger zerolog.Logger) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer env var")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64, logger zerolog.Logger) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer env var")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration, logger zerolog.Logger) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Stringer("fallback", fallback).Msg("invalid duration env var")
		return fallback
	}
	return value
}

func boolEnv(name string) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return raw == "1" || raw == "true" || raw == "yes"
}

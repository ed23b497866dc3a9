package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fraudguard/internal/api"
	"fraudguard/internal/cache"
	"fraudguard/internal/cfg"
	"fraudguard/internal/feed"
	"fraudguard/internal/metrics"
	"fraudguard/internal/ml"
	"fraudguard/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if level, err := zerolog.ParseLevel(c.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	modelPath, err := resolveModelPath(c)
	if err != nil {
		log.Fatal().Err(err).Msg("no model artifact configured")
	}
	pipeline, err := ml.LoadPipeline(modelPath, metrics.NewPipelineWrapper(m))
	if err != nil {
		log.Fatal().Err(err).Str("path", modelPath).Msg("model load failed")
	}
	predictor, closeCache := initializeCache(ctx, c, m, pipeline, pipeline.Artifact().Digest)
	defer closeCache()

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	sw := metrics.NewServerWrapper(m)
	hub := feed.NewHub(c.FeedBuffer, sw)
	defer hub.Close()

	var drift *ml.DriftDetector
	if c.DriftWindow > 0 {
		drift = ml.NewDriftDetector(pipeline.Artifact().Scaler, ml.DriftConfig{WindowSize: c.DriftWindow})
	}

	opts := api.Options{
		Pipeline:       pipeline,
		Predictor:      predictor,
		History:        store,
		Drift:          drift,
		Feed:           hub,
		Metrics:        sw,
		Port:           c.ListenPort,
		HistoryLimit:   c.HistoryLimit,
		RequestTimeout: c.RequestTimeout,
		RateLimit:      c.RateLimit,
		RateBurst:      c.RateBurst,
	}
	server, err := api.NewModelServer(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("model server init failed")
	}

	var wg sync.WaitGroup
	startMetricsServer(ctx, &wg, c, cancel)
	startModelServer(ctx, &wg, server, cancel)

	log.Info().
		Str("model", modelPath).
		Str("version", pipeline.Artifact().Version()).
		Int("port", c.ListenPort).
		Int("metricsPort", c.MetricsPort).
		Str("cache", c.CacheBackend).
		Msg("Fraud scoring service started")

	waitForShutdown(ctx, cancel, &wg)
}

// resolveModelPath prefers the configured path and falls back to the active version
// recorded in the models directory.
func resolveModelPath(c cfg.Settings) (string, error) {
	if c.ModelPath != "" {
		return c.ModelPath, nil
	}
	mm, err := ml.NewModelManager(c.ModelsDir)
	if err != nil {
		return "", err
	}
	v, ok := mm.GetCurrentVersion()
	if !ok {
		return "", fmt.Errorf("set MODEL_PATH or activate a version in %s", c.ModelsDir)
	}
	log.Info().Str("version", v.Version).Str("path", v.Path).Msg("Using active model version")
	return v.Path, nil
}

// initializeCache puts the configured result cache in front of the pipeline. A Redis
// server that cannot be reached falls back to the in-process cache.
func initializeCache(ctx context.Context, c cfg.Settings, m *metrics.Metrics, p *ml.Pipeline, digest string) (ml.TransactionPredictor, func()) {
	switch c.CacheBackend {
	case cfg.CacheNone:
		return p, func() {}
	case cfg.CacheRedis:
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		r, err := cache.NewRedis(pingCtx, cache.RedisOptions{
			Addr:           c.RedisAddr,
			Password:       c.RedisPassword,
			DB:             c.RedisDB,
			TTL:            c.CacheTTL,
			Timeout:        100 * time.Millisecond,
			ConnectRetries: 3,
		}, metrics.NewCacheWrapper(m, cfg.CacheRedis))
		if err == nil {
			return cache.NewPredictor(p, r, digest), func() { r.Close() }
		}
		log.Warn().Err(err).Str("addr", c.RedisAddr).Msg("Redis unavailable, using in-memory result cache")
	}
	mem := cache.NewMemory(c.CacheTTL, metrics.NewCacheWrapper(m, cfg.CacheMemory))
	return cache.NewPredictor(p, mem, digest), func() {}
}

// initializeStorage opens the prediction history; the server runs without it on failure.
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without history")
		return nil
	}
	return store
}

// startMetricsServer serves Prometheus metrics on the metrics port.
func startMetricsServer(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings, cancel context.CancelFunc) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
			cancel()
		}
	}()
}

// startModelServer runs the prediction API until ctx is cancelled.
func startModelServer(ctx context.Context, wg *sync.WaitGroup, server *api.ModelServer, cancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("failed to shutdown model server")
			}
		}()
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("model server failed")
			cancel()
		}
	}()
}

// waitForShutdown waits for a signal or a failed server, then stops everything.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all servers stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}

package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Overworldai/Biome/internal/config"
	"github.com/Overworldai/Biome/internal/engine"
	"github.com/Overworldai/Biome/internal/metrics"
	"github.com/Overworldai/Biome/internal/safety"
	"github.com/Overworldai/Biome/internal/seedcache"
	"github.com/Overworldai/Biome/internal/session"
	"github.com/Overworldai/Biome/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	host := flag.String("host", "", "override the listen host")
	port := flag.Int("port", 0, "override the listen port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if lvl, ok := parseLevel(cfg.Log.Level); ok {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	}

	healthSrc := newHealthTracker()

	classifier := safety.NewFakeClassifier()
	safetySvc := safety.NewService(classifier, "cuda")
	healthSrc.setSafetyLoaded(true)

	cache, err := seedcache.New(cfg.Seeds.Root, safetySvc, cfg.Safety.BatchSize)
	if err != nil {
		log.Fatalf("seedcache: %v", err)
	}
	if err := cache.Rescan(context.Background()); err != nil {
		slog.Warn("initial seed rescan failed", "error", err)
	}

	watcher, err := seedcache.NewWatcher(cache)
	if err != nil {
		slog.Warn("seed watcher unavailable, uploads still take effect on restart", "error", err)
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	fakeEngine := engine.NewFakeEngine()
	worker := engine.NewWorker(fakeEngine)
	defer worker.Stop()
	worker.SetDepthObserver(func(depth int64) {
		metrics.GPUWorkerQueueDepth.Set(float64(depth))
	})
	healthSrc.setWorker(worker)

	orch := engine.NewOrchestrator(worker, cfg.Engine.Device)

	wsHandler := transport.NewWSHandler(func() *session.Session {
		// A new connection never inherits the prior session's seed; the
		// engine's seed slot is considered cleared until this session
		// admits one through the handshake.
		healthSrc.clearSeed()
		sess := session.New(
			&healthTrackingEngine{Engine: orch, health: healthSrc},
			cache,
			transport.LoadSeedFrame,
			cfg.Engine.NFrames,
			cfg.Engine.DefaultPrompt,
		)
		return sess
	})

	srv := transport.NewServer(healthSrc, safetySvc, cache, wsHandler, cfg.Safety.BatchSize, promhttp.Handler())

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("biome gateway starting", "addr", addr, "model_uri", cfg.Engine.DefaultModelURI, "seeds_root", cfg.Seeds.Root)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	slog.Info("biome gateway stopped")
}

func parseLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}


package main

import (
	"context"
	"sync/atomic"

	"github.com/Overworldai/Biome/internal/engine"
	"github.com/Overworldai/Biome/internal/session"
)

// healthTracker implements transport.HealthSource, recording the subset of
// engine/safety state the /health endpoint surfaces without exposing the
// orchestrator or session internals directly to the HTTP layer.
type healthTracker struct {
	loaded      atomic.Bool
	warmedUp    atomic.Bool
	hasSeed     atomic.Bool
	safetyReady atomic.Bool
	worker      *engine.Worker
}

func newHealthTracker() *healthTracker {
	return &healthTracker{}
}

func (h *healthTracker) EngineLoaded() bool     { return h.loaded.Load() }
func (h *healthTracker) EngineWarmedUp() bool   { return h.warmedUp.Load() }
func (h *healthTracker) EngineHasSeed() bool    { return h.hasSeed.Load() }
func (h *healthTracker) SafetyLoaded() bool     { return h.safetyReady.Load() }
func (h *healthTracker) setSafetyLoaded(v bool) { h.safetyReady.Store(v) }
func (h *healthTracker) clearSeed()             { h.hasSeed.Store(false) }

// GPUWorkerQueueDepth reports the GPU Worker's current queue depth. It
// returns 0 before setWorker has been called (startup, before the worker
// exists yet).
func (h *healthTracker) GPUWorkerQueueDepth() int64 {
	if h.worker == nil {
		return 0
	}
	return h.worker.Depth()
}

func (h *healthTracker) setWorker(w *engine.Worker) { h.worker = w }

// healthTrackingEngine wraps session.Engine, updating the shared
// healthTracker as sessions load models and warm up seeds. Every server
// process runs one GPU worker but many sessions may load/switch models
// over its lifetime, so the tracker reflects the most recent transition.
type healthTrackingEngine struct {
	session.Engine
	health *healthTracker
}

func (e *healthTrackingEngine) LoadOrSwitch(ctx context.Context, modelURI, quant string, overrides engine.Overrides) error {
	err := e.Engine.LoadOrSwitch(ctx, modelURI, quant, overrides)
	e.health.loaded.Store(err == nil && e.Engine.LoadedURI() != "")
	return err
}

func (e *healthTrackingEngine) Warmup(ctx context.Context, seed engine.Frame, prompt string) error {
	err := e.Engine.Warmup(ctx, seed, prompt)
	if err == nil {
		e.health.warmedUp.Store(true)
		e.health.hasSeed.Store(true)
	}
	return err
}

func (e *healthTrackingEngine) ResetWithSeed(ctx context.Context, seed engine.Frame, prompt string) error {
	err := e.Engine.ResetWithSeed(ctx, seed, prompt)
	if err == nil {
		e.health.hasSeed.Store(true)
	}
	return err
}

func (e *healthTrackingEngine) Reset(ctx context.Context) error {
	err := e.Engine.Reset(ctx)
	if err == nil {
		e.health.hasSeed.Store(false)
	}
	return err
}

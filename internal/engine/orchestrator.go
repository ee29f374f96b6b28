package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Overworldai/Biome/internal/errs"
	"github.com/Overworldai/Biome/internal/metrics"
)

// acceleratorFaultMarkers are substrings that, if present anywhere in a
// frame-generation error's message, classify it as an AcceleratorFault
// eligible for session recovery rather than a fatal error. This must match
// against the raw error text rather than a typed error because the
// underlying accelerator binding surfaces these as opaque runtime
// exceptions, not typed Go errors.
var acceleratorFaultMarkers = []string{
	"cuda",
	"cublas",
	"graph capture",
	"offset increment",
}

// IsAcceleratorFault reports whether err's message matches one of the known
// accelerator-runtime-failure substrings.
func IsAcceleratorFault(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range acceleratorFaultMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Orchestrator owns the currently loaded model and serializes every
// load/switch/warmup/reset/generate call through a single Worker. The
// mutex is the process-wide load guard: it is held for the full
// unload-then-construct sequence of a switch.
type Orchestrator struct {
	worker *Worker

	mu          sync.Mutex
	loadedURI   string
	loadedQuant string
	loadedDType DType
	warmedUp    bool
	device      string
}

// NewOrchestrator wraps an already-running Worker.
func NewOrchestrator(worker *Worker, device string) *Orchestrator {
	return &Orchestrator{worker: worker, device: device}
}

// LoadedURI returns the currently constructed model URI, or "" if nothing
// is loaded.
func (o *Orchestrator) LoadedURI() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loadedURI
}

// IsWarmedUp reports whether Warmup has already run to completion for the
// currently loaded model. A session that finds this true on handshake must
// skip the warming transition and go straight from seed-verified to ready
// via ResetWithSeed.
func (o *Orchestrator) IsWarmedUp() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.warmedUp
}

// LoadOrSwitch constructs modelURI if it differs from the currently loaded
// URI. On exact equality this is a no-op; the loaded URI is the sole
// identity check, so a call with the same URI but different quant or
// overrides is also a no-op. Any different URI triggers unload (when a
// model is loaded) and then construct.
func (o *Orchestrator) LoadOrSwitch(ctx context.Context, modelURI, quant string, overrides Overrides) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.loadedURI == modelURI {
		return nil
	}

	if o.loadedURI != "" {
		if _, err := o.worker.Submit(ctx, func(e Engine) (any, error) {
			return nil, e.Unload(ctx)
		}); err != nil {
			return errs.Wrap(errs.FatalInternal, "unload before switch failed", err)
		}
		o.loadedURI = ""
	}

	dtype, err := o.constructWithFallback(ctx, modelURI, quant, overrides)
	if err != nil {
		return err
	}

	o.loadedURI = modelURI
	o.loadedQuant = quant
	o.loadedDType = dtype
	// A freshly constructed engine has not compiled its accelerator graphs
	// yet; the next session's handshake must run the full Warmup.
	o.warmedUp = false
	return nil
}

// constructWithFallback attempts construction at bfloat16 first, retrying
// once at float16 if the accelerator reports an out-of-memory condition.
func (o *Orchestrator) constructWithFallback(ctx context.Context, modelURI, quant string, overrides Overrides) (DType, error) {
	_, err := o.worker.Submit(ctx, func(e Engine) (any, error) {
		return nil, e.Construct(ctx, modelURI, o.device, overrides, quant, DTypeBFloat16)
	})
	if err == nil {
		return DTypeBFloat16, nil
	}

	var oom *OOMError
	if !errors.As(err, &oom) {
		return "", errs.Wrap(errs.FatalInternal, "engine construct failed", err)
	}

	slog.Warn("engine construct: oom at bfloat16, retrying at float16", "model_uri", modelURI)
	_, err = o.worker.Submit(ctx, func(e Engine) (any, error) {
		return nil, e.Construct(ctx, modelURI, o.device, overrides, quant, DTypeFloat16)
	})
	if err != nil {
		return "", errs.Wrap(errs.ResourceExhaustion, "engine construct failed at both precisions", err)
	}
	return DTypeFloat16, nil
}

// Warmup is the one-time priming call run on a session's first connection
// after load: reset, append the seed, set the prompt, then generate and
// discard one frame to force compilation of the accelerator graphs.
func (o *Orchestrator) Warmup(ctx context.Context, seed Frame, prompt string) error {
	_, err := o.worker.Submit(ctx, func(e Engine) (any, error) {
		if err := e.Reset(ctx); err != nil {
			return nil, err
		}
		if err := e.AppendFrame(ctx, seed); err != nil {
			return nil, err
		}
		if err := e.SetPrompt(ctx, prompt); err != nil {
			return nil, err
		}
		_, err := e.GenFrame(ctx, Control{})
		return nil, err
	})
	if err != nil {
		return errs.Wrap(errs.FatalInternal, "warmup failed", err)
	}
	o.mu.Lock()
	o.warmedUp = true
	o.mu.Unlock()
	return nil
}

// ResetWithSeed clears the rolling frame buffer, re-appends seed, and
// re-applies prompt without forcing a graph-compiling generation — the
// primitive behind every reset after the initial Warmup.
func (o *Orchestrator) ResetWithSeed(ctx context.Context, seed Frame, prompt string) error {
	_, err := o.worker.Submit(ctx, func(e Engine) (any, error) {
		if err := e.Reset(ctx); err != nil {
			return nil, err
		}
		if err := e.AppendFrame(ctx, seed); err != nil {
			return nil, err
		}
		return nil, e.SetPrompt(ctx, prompt)
	})
	if err != nil {
		return errs.Wrap(errs.FatalInternal, "reset failed", err)
	}
	return nil
}

// Reset clears the rolling frame buffer without unloading the model.
func (o *Orchestrator) Reset(ctx context.Context) error {
	_, err := o.worker.Submit(ctx, func(e Engine) (any, error) {
		return nil, e.Reset(ctx)
	})
	if err != nil {
		return errs.Wrap(errs.FatalInternal, "reset failed", err)
	}
	return nil
}

// GenFrame produces the next frame for ctrl. Callers should test
// IsAcceleratorFault on a non-nil error to decide whether to attempt
// Recover rather than fail the session outright.
func (o *Orchestrator) GenFrame(ctx context.Context, ctrl Control) (Frame, error) {
	start := time.Now()
	v, err := o.worker.Submit(ctx, func(e Engine) (any, error) {
		return e.GenFrame(ctx, ctrl)
	})
	metrics.FrameGenerationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if IsAcceleratorFault(err) {
			return Frame{}, errs.Wrap(errs.AcceleratorFault, "gen_frame accelerator fault", err)
		}
		return Frame{}, errs.Wrap(errs.FatalInternal, "gen_frame failed", err)
	}
	return v.(Frame), nil
}

// Recover handles suspected accelerator-graph corruption: synchronize,
// empty the device cache, reset the compiled-graph cache, then perform a
// normal reset. It does not unload or reconstruct the model — the loaded
// weights are assumed intact, only the compiled-graph/cache state is
// suspect.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.loadedURI == "" {
		return errs.New(errs.FatalInternal, "recover called with nothing loaded")
	}

	_, err := o.worker.Submit(ctx, func(e Engine) (any, error) {
		if err := e.Recover(ctx); err != nil {
			return nil, err
		}
		return nil, e.Reset(ctx)
	})
	if err != nil {
		return errs.Wrap(errs.FatalInternal, "recover failed", err)
	}
	return nil
}

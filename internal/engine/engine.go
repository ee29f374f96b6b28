// Package engine defines the contract over the external GPU-resident world
// engine and the single-slot serial executor that all calls into it must go
// through. The engine itself, its accelerator kernels and model weights, is
// out of scope; Engine is the narrow, capability-style interface a real
// binding satisfies, with FakeEngine standing in for tests and unwired
// deployments.
package engine

import (
	"context"
	"fmt"
)

// FrameHeight and FrameWidth are the engine's native frame I/O resolution.
// Seeds not already at this resolution are bilinearly resampled before
// being appended to the rolling buffer.
const (
	FrameHeight = 360
	FrameWidth  = 640
)

// DType is the tensor precision used to construct the engine.
type DType string

const (
	DTypeBFloat16 DType = "bfloat16"
	DTypeFloat16  DType = "float16"
)

// Overrides captures the engine's construction-time knobs.
type Overrides struct {
	NFrames         int
	AEUri           string
	SchedulerSigmas []float64
}

// Frame is a decoded H×W×3 8-bit frame as produced by gen_frame or supplied
// as a seed to append_frame.
type Frame struct {
	Width  int
	Height int
	Pixels []byte // len == Width*Height*3, row-major RGB
}

// Control is the per-tick input delivered to gen_frame.
type Control struct {
	Buttons []string
	MouseDX float64
	MouseDY float64
}

// OOMError signals that construction failed due to accelerator memory
// exhaustion; the orchestrator retries once at a lower precision on this
// specific error.
type OOMError struct {
	Cause error
}

func (e *OOMError) Error() string {
	return fmt.Sprintf("out of memory constructing engine: %v", e.Cause)
}

func (e *OOMError) Unwrap() error { return e.Cause }

// Engine is the narrow contract over the external world-engine library.
// Every method is expected to run on the GPU Worker goroutine; Engine
// implementations are not required to be safe for concurrent use from
// multiple goroutines, only serial reentry from the worker.
type Engine interface {
	// Construct (re)initializes the engine for modelURI on device with the
	// given overrides, quantization, and dtype. May return *OOMError.
	Construct(ctx context.Context, modelURI, device string, overrides Overrides, quant string, dtype DType) error
	// Reset clears the rolling frame history.
	Reset(ctx context.Context) error
	// AppendFrame seeds the rolling buffer with a frame already at
	// FrameWidth x FrameHeight.
	AppendFrame(ctx context.Context, frame Frame) error
	// SetPrompt updates the text conditioning.
	SetPrompt(ctx context.Context, prompt string) error
	// GenFrame produces the next frame given the current control input.
	GenFrame(ctx context.Context, ctrl Control) (Frame, error)
	// Unload releases the engine's resources. Safe to call even if nothing
	// is currently loaded.
	Unload(ctx context.Context) error
	// Recover synchronizes outstanding accelerator work, empties the device
	// cache, and resets the compiled-graph cache without reconstructing the
	// model. Called by the orchestrator after an AcceleratorFault.
	Recover(ctx context.Context) error
}

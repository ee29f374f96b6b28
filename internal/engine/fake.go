package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeEngine is a deterministic stand-in for the external GPU-resident
// world engine. It produces synthetic but stable frames so that the
// session, transport, and orchestrator layers can be exercised without an
// accelerator. Not safe for concurrent use beyond the GPU Worker's single
// caller.
type FakeEngine struct {
	mu sync.Mutex

	loaded   bool
	modelURI string
	device   string
	dtype    DType
	quant    string

	prompt  string
	history []Frame
	tick    int

	// FailConstructOn, when non-empty, makes Construct return an error
	// whose message contains this substring whenever modelURI matches it.
	FailConstructOn string
	// FailGenErr, when non-empty, makes the GenFrame call at tick index
	// FailGenOnTick (0-based count of calls since the last Construct or
	// Reset) return an error with this message.
	FailGenOnTick int
	FailGenErr    string
	// FailRecover, when true, makes Recover return an error instead of
	// succeeding, simulating an unrecoverable accelerator.
	FailRecover bool
}

// NewFakeEngine returns an unconstructed FakeEngine.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{}
}

func (f *FakeEngine) Construct(ctx context.Context, modelURI, device string, overrides Overrides, quant string, dtype DType) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailConstructOn != "" && strings.Contains(modelURI, f.FailConstructOn) {
		return &OOMError{Cause: fmt.Errorf("synthetic oom for %s", modelURI)}
	}

	f.loaded = true
	f.modelURI = modelURI
	f.device = device
	f.dtype = dtype
	f.quant = quant
	f.history = nil
	f.tick = 0
	return nil
}

func (f *FakeEngine) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return fmt.Errorf("engine: reset called before construct")
	}
	f.history = nil
	f.tick = 0
	return nil
}

func (f *FakeEngine) AppendFrame(ctx context.Context, frame Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return fmt.Errorf("engine: append_frame called before construct")
	}
	if frame.Width != FrameWidth || frame.Height != FrameHeight {
		return fmt.Errorf("engine: frame must be %dx%d, got %dx%d", FrameWidth, FrameHeight, frame.Width, frame.Height)
	}
	f.history = append(f.history, frame)
	return nil
}

func (f *FakeEngine) SetPrompt(ctx context.Context, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return fmt.Errorf("engine: set_prompt called before construct")
	}
	f.prompt = prompt
	return nil
}

func (f *FakeEngine) GenFrame(ctx context.Context, ctrl Control) (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return Frame{}, fmt.Errorf("engine: gen_frame called before construct")
	}
	if f.FailGenErr != "" && f.tick == f.FailGenOnTick {
		f.tick++
		return Frame{}, fmt.Errorf("%s", f.FailGenErr)
	}

	pixels := make([]byte, FrameWidth*FrameHeight*3)
	seed := byte(f.tick%256) ^ byte(len(ctrl.Buttons))
	for i := range pixels {
		pixels[i] = seed
	}
	f.tick++
	f.history = append(f.history, Frame{Width: FrameWidth, Height: FrameHeight, Pixels: pixels})
	return Frame{Width: FrameWidth, Height: FrameHeight, Pixels: pixels}, nil
}

func (f *FakeEngine) Unload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = false
	f.history = nil
	f.tick = 0
	return nil
}

func (f *FakeEngine) Recover(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return fmt.Errorf("engine: recover called before construct")
	}
	if f.FailRecover {
		return fmt.Errorf("synthetic unrecoverable accelerator fault")
	}
	return nil
}

// FrameCount reports the number of frames in the rolling history, exposed
// for tests asserting the auto-reset ceiling.
func (f *FakeEngine) FrameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.history)
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Overworldai/Biome/internal/engine"
	"github.com/Overworldai/Biome/internal/errs"
	"github.com/Overworldai/Biome/internal/metrics"
	"github.com/Overworldai/Biome/internal/seedcache"
)

// HandshakeTimeout is how long a session may remain in
// StateAwaitingHandshake before it is closed with an error.
const HandshakeTimeout = 60 * time.Second

// LoadingHeartbeatInterval is how often a "loading" status is re-emitted
// while a model load is in flight, so clients don't treat the connection
// as stalled.
const LoadingHeartbeatInterval = 5 * time.Second

// Engine is the slice of engine.Orchestrator the session depends on.
type Engine interface {
	LoadedURI() string
	// IsWarmedUp reports whether the currently loaded model has already
	// run its one-time graph-compiling Warmup, so a session admitting a
	// seed can tell whether it owes the engine a full warmup or only a
	// plain ResetWithSeed.
	IsWarmedUp() bool
	LoadOrSwitch(ctx context.Context, modelURI, quant string, overrides engine.Overrides) error
	// Warmup is the one-time priming call on a session's first connection
	// after load: it forces accelerator-graph compilation.
	Warmup(ctx context.Context, seed engine.Frame, prompt string) error
	Reset(ctx context.Context) error
	// ResetWithSeed performs every subsequent reset: clear history,
	// re-append the seed, re-apply the prompt, without forcing a
	// graph-compiling generation.
	ResetWithSeed(ctx context.Context, seed engine.Frame, prompt string) error
	GenFrame(ctx context.Context, ctrl engine.Control) (engine.Frame, error)
	Recover(ctx context.Context) error
}

// SeedSource is the slice of seedcache.Cache a session depends on to
// verify a seed before handing it to the engine.
type SeedSource interface {
	Get(filename string) (seedcache.Record, bool)
	Verify(filename string) (seedcache.Record, error)
}

// SeedLoader turns a verified seed record into an engine-ready frame,
// decoding and resampling the on-disk image to the engine's native
// resolution.
type SeedLoader func(path string) (engine.Frame, error)

// OutboundKind identifies the kind of a message emitted back to the
// client.
type OutboundKind string

const (
	OutboundStatus OutboundKind = "status"
	OutboundFrame  OutboundKind = "frame"
	OutboundError  OutboundKind = "error"
)

// Outbound is one message the transport layer must deliver to the client.
type Outbound struct {
	Kind     OutboundKind
	Status   StatusCode
	Message  string
	Frame    engine.Frame
	FrameID  int64
	ClientTS float64
	GenMS    float64
}

// Session is one client connection's state machine. NFrames is the
// engine's configured rolling-buffer size; the session auto-resets at
// NFrames-2 generated frames.
type Session struct {
	mu sync.Mutex

	state    State
	engine   Engine
	seeds    SeedSource
	loadSeed SeedLoader

	// remoteAddr is the client's opaque connection identity, used only for
	// structured logging; the session never branches on it.
	remoteAddr string

	nFrames       int
	defaultPrompt string

	currentSeedFilename string
	currentPrompt       string
	frameCount          int64
	nextFrameID         int64

	handshakeDeadline time.Time

	// emit, when set, lets a handler push an Outbound to the client ahead
	// of its own return value. Only the set_model handler uses this, to
	// deliver the "loading" heartbeat every LoadingHeartbeatInterval while
	// a model (re)load is in flight.
	emit func(Outbound)
}

// New creates a session in StateAwaitingHandshake.
func New(eng Engine, seeds SeedSource, loadSeed SeedLoader, nFrames int, defaultPrompt string) *Session {
	return &Session{
		state:             StateAwaitingHandshake,
		engine:            eng,
		seeds:             seeds,
		loadSeed:          loadSeed,
		nFrames:           nFrames,
		defaultPrompt:     defaultPrompt,
		currentPrompt:     defaultPrompt,
		nextFrameID:       -1,
		handshakeDeadline: time.Now().Add(HandshakeTimeout),
	}
}

// SetRemoteAddr records the client's opaque connection identity for
// structured log fields. Callers (the transport layer) should set this
// once, right after construction.
func (s *Session) SetRemoteAddr(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteAddr = addr
}

// SetEmitter registers fn as the session's out-of-band progress emitter.
// Callers (the transport layer) should register this once, right after
// construction, before driving the session's dispatch loop.
func (s *Session) SetEmitter(fn func(Outbound)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = fn
}

func (s *Session) emitNow(o Outbound) {
	if s.emit != nil {
		s.emit(o)
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.state = st
	metrics.SessionStateTransitions.WithLabelValues(string(st)).Inc()
	slog.Debug("session: state transition", "remote_addr", s.remoteAddr, "state", string(st), "frame_count", s.frameCount)
}

// CheckHandshakeTimeout closes the session if it is still awaiting
// handshake past the deadline. Callers should invoke this periodically
// from the transport's event loop timer.
func (s *Session) CheckHandshakeTimeout() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingHandshake || time.Now().Before(s.handshakeDeadline) {
		return nil
	}
	s.setState(StateClosed)
	return []Outbound{{Kind: OutboundError, Message: "handshake timed out"}}
}

// Dispatch routes ev to the appropriate handler for the session's current
// state, returning any messages to send back to the client. An error
// return means a FatalInternal condition; taxonomy errors for validation/
// integrity failures are instead reported inline as an OutboundError
// message. Session state is preserved when the failing seed is one the
// client just named (set_model, set_initial_seed, prompt_with_seed); when
// the session's current seed fails re-verification during a reset, an
// auto-reset at the frame ceiling, or a recovery, the session is closed.
func (s *Session) Dispatch(ctx context.Context, ev Event) ([]Outbound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, nil
	}

	switch ev.Kind {
	case EventSetModel:
		return s.handleSetModel(ctx, ev)
	case EventSetInitialSeed:
		return s.handleSetInitialSeed(ctx, ev)
	case EventControl:
		return s.handleControl(ctx, ev)
	case EventReset:
		return s.handleReset(ctx)
	case EventPrompt:
		return s.handlePrompt(ctx, ev)
	case EventPromptWithSeed:
		return s.handlePromptWithSeed(ctx, ev)
	case EventPause:
		return s.handlePause()
	case EventResume:
		return s.handleResume()
	default:
		return []Outbound{{Kind: OutboundError, Message: fmt.Sprintf("unknown event %q", ev.Kind)}}, nil
	}
}

// Close transitions the session to StateClosed, used on transport
// disconnect. No user-visible error is emitted.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(StateClosed)
}

func (s *Session) verifySeed(filename string) (seedcache.Record, error) {
	rec, ok := s.seeds.Get(filename)
	if !ok {
		return seedcache.Record{}, errs.Integrityf("Seed '%s' not found - please rescan seeds", filename)
	}
	if !rec.IsSafe {
		return seedcache.Record{}, errs.Integrityf("Seed '%s' marked as unsafe", filename)
	}
	verified, err := s.seeds.Verify(filename)
	if err != nil {
		return seedcache.Record{}, err
	}
	return verified, nil
}

// setModelStates are the states from which a client may request a model
// load or switch: the initial handshake, awaiting-seed (retry before a
// seed was ever admitted), and running/paused (a mid-session model
// switch). Any other state means a load/switch/reset is already in flight
// internally and a second one would race it.
var setModelStates = map[State]bool{
	StateAwaitingHandshake: true,
	StateAwaitingSeed:      true,
	StateRunning:           true,
	StatePaused:            true,
}

// handleSetModel runs a model load or switch, emitting a "loading"
// heartbeat immediately and then again every LoadingHeartbeatInterval
// while the load is in flight, so a slow first-time model load never
// reads as a stalled connection. A switch mid-session clears the
// session's seed slot: the prior session's seed must never leak into a
// newly loaded/switched model.
func (s *Session) handleSetModel(ctx context.Context, ev Event) ([]Outbound, error) {
	if !setModelStates[s.state] {
		return []Outbound{{Kind: OutboundError, Message: "set_model not valid in current state"}}, nil
	}

	s.currentSeedFilename = ""
	s.setState(StateLoading)
	s.emitNow(Outbound{Kind: OutboundStatus, Status: StatusLoading})

	done := make(chan error, 1)
	model := ev.Model
	go func() {
		done <- s.engine.LoadOrSwitch(context.Background(), model, "", engine.Overrides{NFrames: s.nFrames})
	}()

	ticker := time.NewTicker(LoadingHeartbeatInterval)
	defer ticker.Stop()

	var err error
waitForLoad:
	for {
		select {
		case err = <-done:
			break waitForLoad
		case <-ticker.C:
			s.emitNow(Outbound{Kind: OutboundStatus, Status: StatusLoading})
		}
	}

	if err != nil {
		s.setState(StateClosed)
		return []Outbound{{Kind: OutboundError, Message: "model load failed: " + err.Error()}}, nil
	}

	if ev.Filename != "" {
		// Leave the session in awaiting-seed first so a seed that fails
		// verification can be retried with set_initial_seed rather than
		// dead-ending in the loading state.
		s.setState(StateAwaitingSeed)
		return s.admitSeed(ev.Filename, nil)
	}

	s.setState(StateAwaitingSeed)
	return []Outbound{{Kind: OutboundStatus, Status: StatusWaitingForSeed}}, nil
}

// admitSeed verifies filename and transitions to seed-verified, warming
// the engine immediately since warmup only happens once per load.
func (s *Session) admitSeed(filename string, out []Outbound) ([]Outbound, error) {
	rec, err := s.verifySeed(filename)
	if err != nil {
		return append(out, Outbound{Kind: OutboundError, Message: err.Error()}), nil
	}

	s.currentSeedFilename = filename
	s.setState(StateSeedVerified)
	return s.warmUp(rec, out)
}

// warmUp implements the FSM table's "seed-verified -> warming (if needed)
// -> ready -> (initial frame emitted) -> running" chain, with the status
// sequence warmup, init, ready. Warmup is a one-time cost per loaded
// model: if the engine already compiled its accelerator graphs for the
// currently loaded model, this session skips the warmup status and goes
// straight to a plain ResetWithSeed instead of paying for another
// discarded compile-triggering generation.
func (s *Session) warmUp(rec seedcache.Record, out []Outbound) ([]Outbound, error) {
	frame, err := s.loadSeed(rec.Path)
	if err != nil {
		s.setState(StateClosed)
		return append(out, Outbound{Kind: OutboundError, Message: "seed decode failed: " + err.Error()}), nil
	}

	if s.engine.IsWarmedUp() {
		out = append(out, Outbound{Kind: OutboundStatus, Status: StatusInit})
		if err := s.engine.ResetWithSeed(context.Background(), frame, s.currentPrompt); err != nil {
			s.setState(StateClosed)
			return append(out, Outbound{Kind: OutboundError, Message: "reset failed: " + err.Error()}), nil
		}
	} else {
		s.setState(StateWarming)
		out = append(out, Outbound{Kind: OutboundStatus, Status: StatusWarmup})

		if err := s.engine.Warmup(context.Background(), frame, s.currentPrompt); err != nil {
			s.setState(StateClosed)
			return append(out, Outbound{Kind: OutboundError, Message: "warmup failed: " + err.Error()}), nil
		}
		out = append(out, Outbound{Kind: OutboundStatus, Status: StatusInit})
	}

	s.frameCount = 0
	s.setState(StateReady)
	out = append(out, Outbound{Kind: OutboundStatus, Status: StatusReady})

	// "ready -> initial frame emitted -> running": whichever path above ran,
	// the session still owes the client a real first frame before it can
	// accept control input.
	start := time.Now()
	initial, err := s.engine.GenFrame(context.Background(), engine.Control{})
	genMS := time.Since(start).Seconds() * 1000
	if err != nil {
		s.setState(StateClosed)
		return append(out, Outbound{Kind: OutboundError, Message: "initial frame generation failed: " + err.Error()}), nil
	}

	s.frameCount++
	s.nextFrameID++
	s.setState(StateRunning)
	return append(out, Outbound{Kind: OutboundFrame, Frame: initial, FrameID: s.nextFrameID, GenMS: genMS}), nil
}

func (s *Session) handleSetInitialSeed(ctx context.Context, ev Event) ([]Outbound, error) {
	if s.state != StateAwaitingHandshake && s.state != StateAwaitingSeed {
		return []Outbound{{Kind: OutboundError, Message: "set_initial_seed not valid in current state"}}, nil
	}
	if s.state == StateAwaitingHandshake && s.engine.LoadedURI() == "" {
		return []Outbound{{Kind: OutboundError, Message: "no model loaded yet"}}, nil
	}
	return s.admitSeed(ev.Filename, nil)
}

func (s *Session) handleControl(ctx context.Context, ev Event) ([]Outbound, error) {
	if s.state != StateRunning {
		return nil, nil
	}

	var pending []Outbound
	if s.frameCount >= int64(s.nFrames-2) {
		resetOut, err := s.doReset(ctx)
		pending = append(pending, resetOut...)
		if err != nil {
			return pending, err
		}
		if s.state != StateRunning {
			return pending, nil
		}
	}

	start := time.Now()
	frame, err := s.engine.GenFrame(ctx, ev.Control)
	genMS := time.Since(start).Seconds() * 1000
	if err != nil {
		if errs.KindOf(err) == errs.AcceleratorFault {
			recoverOut, rerr := s.recover(ctx)
			return append(pending, recoverOut...), rerr
		}
		s.setState(StateClosed)
		return append(pending, Outbound{Kind: OutboundError, Message: "frame generation failed: " + err.Error()}), nil
	}

	s.frameCount++
	s.nextFrameID++
	return append(pending, Outbound{
		Kind:     OutboundFrame,
		Frame:    frame,
		FrameID:  s.nextFrameID,
		ClientTS: ev.ClientTS,
		GenMS:    genMS,
	}), nil
}

func (s *Session) handleReset(ctx context.Context) ([]Outbound, error) {
	if s.state != StateRunning && s.state != StatePaused {
		return []Outbound{{Kind: OutboundError, Message: "reset not valid in current state"}}, nil
	}
	return s.doReset(ctx)
}

// doReset clears the engine's frame history, re-appends the current seed,
// and re-applies the current prompt. It never forces a graph-compiling
// generation; that only happens once, in warmUp.
func (s *Session) doReset(ctx context.Context) ([]Outbound, error) {
	prevState := s.state
	s.setState(StateResetting)
	out := []Outbound{{Kind: OutboundStatus, Status: StatusReset}}

	if s.currentSeedFilename == "" {
		if err := s.engine.Reset(ctx); err != nil {
			return s.faultOrClose(ctx, out, "reset failed: "+err.Error(), err)
		}
		s.frameCount = 0
		s.setState(prevState)
		return out, nil
	}

	rec, err := s.verifySeed(s.currentSeedFilename)
	if err != nil {
		s.setState(StateClosed)
		return append(out, Outbound{Kind: OutboundError, Message: err.Error()}), nil
	}
	frame, err := s.loadSeed(rec.Path)
	if err != nil {
		s.setState(StateClosed)
		return append(out, Outbound{Kind: OutboundError, Message: "seed decode failed: " + err.Error()}), nil
	}
	if err := s.engine.ResetWithSeed(ctx, frame, s.currentPrompt); err != nil {
		return s.faultOrClose(ctx, out, "reset failed: "+err.Error(), err)
	}

	s.frameCount = 0
	s.setState(prevState)
	return out, nil
}

// faultOrClose routes an engine error encountered mid-reset to recovery if
// it matches the accelerator-fault heuristic, otherwise closes the session.
func (s *Session) faultOrClose(ctx context.Context, out []Outbound, msg string, err error) ([]Outbound, error) {
	if errs.KindOf(err) == errs.AcceleratorFault {
		recoverOut, rerr := s.recover(ctx)
		return append(out, recoverOut...), rerr
	}
	s.setState(StateClosed)
	return append(out, Outbound{Kind: OutboundError, Message: msg}), nil
}

func (s *Session) handlePrompt(ctx context.Context, ev Event) ([]Outbound, error) {
	if s.state != StateRunning && s.state != StatePaused {
		return []Outbound{{Kind: OutboundError, Message: "prompt not valid in current state"}}, nil
	}
	prompt := ev.Prompt
	if prompt == "" {
		prompt = s.defaultPrompt
	}
	s.currentPrompt = prompt
	return s.doReset(ctx)
}

func (s *Session) handlePromptWithSeed(ctx context.Context, ev Event) ([]Outbound, error) {
	if s.state != StateRunning && s.state != StatePaused {
		return []Outbound{{Kind: OutboundError, Message: "prompt_with_seed not valid in current state"}}, nil
	}

	if _, err := s.verifySeed(ev.Filename); err != nil {
		return []Outbound{{Kind: OutboundError, Message: err.Error()}}, nil
	}
	s.currentSeedFilename = ev.Filename
	return s.doReset(ctx)
}

func (s *Session) handlePause() ([]Outbound, error) {
	if s.state != StateRunning {
		return []Outbound{{Kind: OutboundError, Message: "pause only valid while running"}}, nil
	}
	s.setState(StatePaused)
	return nil, nil
}

func (s *Session) handleResume() ([]Outbound, error) {
	if s.state != StatePaused {
		return []Outbound{{Kind: OutboundError, Message: "resume only valid while paused"}}, nil
	}
	s.setState(StateRunning)
	return nil, nil
}

// recover drives the recovering state: engine-level recovery first, then
// the same verify/load/re-apply sequence doReset uses to put the current
// seed back. Any failure along the way is fatal for the session; the
// success status is only emitted once the engine is actually reseeded and
// running again.
func (s *Session) recover(ctx context.Context) ([]Outbound, error) {
	s.setState(StateRecovering)
	if err := s.engine.Recover(ctx); err != nil {
		s.setState(StateClosed)
		return []Outbound{{Kind: OutboundError, Message: "recovery failed, please reconnect"}}, nil
	}

	if s.currentSeedFilename != "" {
		rec, err := s.verifySeed(s.currentSeedFilename)
		if err != nil {
			s.setState(StateClosed)
			return []Outbound{{Kind: OutboundError, Message: err.Error()}}, nil
		}
		frame, err := s.loadSeed(rec.Path)
		if err != nil {
			s.setState(StateClosed)
			return []Outbound{{Kind: OutboundError, Message: "seed decode failed: " + err.Error()}}, nil
		}
		if err := s.engine.ResetWithSeed(ctx, frame, s.currentPrompt); err != nil {
			s.setState(StateClosed)
			return []Outbound{{Kind: OutboundError, Message: "recovery failed, please reconnect"}}, nil
		}
	}

	s.frameCount = 0
	s.setState(StateRunning)
	return []Outbound{{Kind: OutboundStatus, Status: StatusReset, Message: "Recovered from CUDA error - engine reset"}}, nil
}

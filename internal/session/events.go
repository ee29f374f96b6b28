package session

import "github.com/Overworldai/Biome/internal/engine"

// EventKind identifies the kind of a decoded client message.
type EventKind string

const (
	EventSetModel       EventKind = "set_model"
	EventSetInitialSeed EventKind = "set_initial_seed"
	EventControl        EventKind = "control"
	EventReset          EventKind = "reset"
	EventPrompt         EventKind = "prompt"
	EventPromptWithSeed EventKind = "prompt_with_seed"
	EventPause          EventKind = "pause"
	EventResume         EventKind = "resume"
)

// Event is the session-level representation of one decoded client
// message, already validated and translated out of its wire JSON shape by
// the transport layer.
type Event struct {
	Kind     EventKind
	Model    string
	Filename string
	Prompt   string
	Control  engine.Control
	ClientTS float64
}

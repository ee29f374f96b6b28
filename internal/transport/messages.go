// Package transport implements the WebSocket message framing and the small
// HTTP API for seed management and health. It is oblivious to session
// semantics; it only decodes/encodes wire JSON and delivers the result
// to/from the session FSM.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Overworldai/Biome/internal/engine"
	"github.com/Overworldai/Biome/internal/session"
)

// wireMessage is the raw shape every inbound client message is decoded
// into before being dispatched by type.
type wireMessage struct {
	Type     string   `json:"type"`
	Model    string   `json:"model"`
	Seed     string   `json:"seed"`
	Filename string   `json:"filename"`
	Buttons  []string `json:"buttons"`
	MouseDX  float64  `json:"mouse_dx"`
	MouseDY  float64  `json:"mouse_dy"`
	TS       float64  `json:"ts"`
	Prompt   string   `json:"prompt"`
}

// decodeEvent parses a raw client JSON message into a session.Event.
func decodeEvent(payload []byte) (session.Event, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return session.Event{}, fmt.Errorf("transport: invalid message json: %w", err)
	}

	switch w.Type {
	case "set_model":
		return session.Event{Kind: session.EventSetModel, Model: w.Model, Filename: w.Seed}, nil
	case "set_initial_seed":
		return session.Event{Kind: session.EventSetInitialSeed, Filename: w.Filename}, nil
	case "control":
		return session.Event{
			Kind: session.EventControl,
			Control: engine.Control{
				Buttons: normalizeButtons(w.Buttons),
				MouseDX: w.MouseDX,
				MouseDY: w.MouseDY,
			},
			ClientTS: w.TS,
		}, nil
	case "reset":
		return session.Event{Kind: session.EventReset}, nil
	case "prompt":
		return session.Event{Kind: session.EventPrompt, Prompt: w.Prompt}, nil
	case "prompt_with_seed":
		return session.Event{Kind: session.EventPromptWithSeed, Filename: w.Filename}, nil
	case "pause":
		return session.Event{Kind: session.EventPause}, nil
	case "resume":
		return session.Event{Kind: session.EventResume}, nil
	default:
		return session.Event{}, fmt.Errorf("transport: unknown message type %q", w.Type)
	}
}

// statusWire, errorWire, and frameWire are the wire shapes for the three
// server-to-client message kinds. Each is marshaled separately rather than
// sharing one struct with omitempty tags, because frame_id=0 and gen_ms=0
// are meaningful values on a frame message that omitempty would otherwise
// silently drop.
type statusWire struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type errorWire struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type frameWire struct {
	Type     string  `json:"type"`
	Data     string  `json:"data"`
	FrameID  int64   `json:"frame_id"`
	ClientTS float64 `json:"client_ts"`
	GenMS    float64 `json:"gen_ms"`
}

// encodeOutbound renders a session.Outbound as wire JSON, JPEG-encoding
// frame payloads inline as base64.
func encodeOutbound(out session.Outbound, jpegQuality int) ([]byte, error) {
	switch out.Kind {
	case session.OutboundStatus:
		return json.Marshal(statusWire{Type: "status", Code: string(out.Status), Message: out.Message})
	case session.OutboundError:
		return json.Marshal(errorWire{Type: "error", Message: out.Message})
	case session.OutboundFrame:
		jpegBytes, err := encodeFrameJPEG(out.Frame, jpegQuality)
		if err != nil {
			return nil, err
		}
		return json.Marshal(frameWire{
			Type:     "frame",
			Data:     base64.StdEncoding.EncodeToString(jpegBytes),
			FrameID:  out.FrameID,
			ClientTS: out.ClientTS,
			GenMS:    out.GenMS,
		})
	default:
		return nil, fmt.Errorf("transport: unknown outbound kind %q", out.Kind)
	}
}

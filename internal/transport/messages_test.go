package transport

import (
	"testing"

	"github.com/Overworldai/Biome/internal/engine"
	"github.com/Overworldai/Biome/internal/session"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent_Control(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"type":"control","buttons":["up","space"],"mouse_dx":1.5,"mouse_dy":-2,"ts":123.4}`))
	require.NoError(t, err)
	require.Equal(t, session.EventControl, ev.Kind)
	require.Equal(t, []string{"UP", "SPACE"}, ev.Control.Buttons)
	require.Equal(t, 1.5, ev.Control.MouseDX)
	require.Equal(t, 123.4, ev.ClientTS)
}

func TestDecodeEvent_SetModelWithSeed(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"type":"set_model","model":"m1","seed":"s.png"}`))
	require.NoError(t, err)
	require.Equal(t, session.EventSetModel, ev.Kind)
	require.Equal(t, "m1", ev.Model)
	require.Equal(t, "s.png", ev.Filename)
}

func TestDecodeEvent_UnknownTypeErrors(t *testing.T) {
	_, err := decodeEvent([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
}

func TestDecodeEvent_MalformedJSONErrors(t *testing.T) {
	_, err := decodeEvent([]byte(`not json`))
	require.Error(t, err)
}

func TestEncodeOutbound_Status(t *testing.T) {
	payload, err := encodeOutbound(session.Outbound{Kind: session.OutboundStatus, Status: session.StatusReady}, 80)
	require.NoError(t, err)
	require.Contains(t, string(payload), `"type":"status"`)
	require.Contains(t, string(payload), `"code":"ready"`)
}

func TestEncodeOutbound_FrameIsBase64JPEG(t *testing.T) {
	frame := engine.Frame{Width: 4, Height: 4, Pixels: make([]byte, 4*4*3)}
	payload, err := encodeOutbound(session.Outbound{Kind: session.OutboundFrame, Frame: frame, FrameID: 7}, 80)
	require.NoError(t, err)
	require.Contains(t, string(payload), `"type":"frame"`)
	require.Contains(t, string(payload), `"frame_id":7`)
}

func TestEncodeOutbound_FrameIDZeroIsNotOmitted(t *testing.T) {
	frame := engine.Frame{Width: 4, Height: 4, Pixels: make([]byte, 4*4*3)}
	payload, err := encodeOutbound(session.Outbound{Kind: session.OutboundFrame, Frame: frame, FrameID: 0}, 80)
	require.NoError(t, err)
	require.Contains(t, string(payload), `"frame_id":0`)
	require.Contains(t, string(payload), `"gen_ms":0`)
}

package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tether/internal/event"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.UnixMilli(1_700_000_000_123)

	tests := []struct {
		name string
		ev   event.Event
	}{
		{name: "session-start without metadata", ev: event.SessionStart{}},
		{name: "session-start with metadata", ev: event.SessionStart{Metadata: map[string]string{"tool": "claude"}}},
		{name: "tool-call-start", ev: event.ToolCallStart{CallID: "c1", Name: "Read", Args: map[string]string{"path": "a.go"}}},
		{name: "permission-response denied", ev: event.PermissionResponse{RequestID: "r1", Approved: false}},
		{name: "thinking text", ev: event.Text{Text: "hmm", Thinking: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := event.Envelope{Origin: event.OriginAgent, SessionID: "s1", TurnID: "t1", Event: tc.ev, TS: ts}
			data, err := event.Marshal(env)
			require.NoError(t, err)

			got, err := event.Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, env.Event, got.Event)
			assert.Equal(t, "s1", got.SessionID)
			assert.Equal(t, "t1", got.TurnID)
			assert.True(t, ts.Equal(got.TS))
		})
	}
}

func TestMarshalEvent_TagsType(t *testing.T) {
	t.Parallel()

	data, err := event.MarshalEvent(event.SessionStart{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session-start"}`, string(data))

	data, err = event.MarshalEvent(event.ToolCallEnd{CallID: "c1", Result: "ok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool-call-end","callId":"c1","result":"ok"}`, string(data))
}

func TestValidationAtBoundary(t *testing.T) {
	t.Parallel()

	t.Run("tool-call-end without callId is rejected on encode", func(t *testing.T) {
		t.Parallel()
		_, err := event.MarshalEvent(event.ToolCallEnd{Result: "x"})
		require.ErrorIs(t, err, event.ErrInvalidEvent)
	})

	t.Run("permission-response without requestId is rejected on decode", func(t *testing.T) {
		t.Parallel()
		_, err := event.UnmarshalEvent([]byte(`{"type":"permission-response","approved":true}`))
		require.ErrorIs(t, err, event.ErrInvalidEvent)
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()
		_, err := event.UnmarshalEvent([]byte(`{"type":"telepathy"}`))
		require.ErrorIs(t, err, event.ErrInvalidEvent)
	})

	t.Run("bad origin", func(t *testing.T) {
		t.Parallel()
		_, err := event.Unmarshal([]byte(`{"origin":"mars","sessionId":"s","event":{"type":"session-start"},"ts":0}`))
		require.ErrorIs(t, err, event.ErrInvalidEvent)
	})

	t.Run("missing session id", func(t *testing.T) {
		t.Parallel()
		_, err := event.Marshal(event.Envelope{Origin: event.OriginAgent, Event: event.SessionStart{}})
		require.ErrorIs(t, err, event.ErrInvalidEvent)
	})
}

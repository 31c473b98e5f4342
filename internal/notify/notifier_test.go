package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/notify"
)

// --- mocks ---

type mockSender struct {
	sent      []sentNotification
	notifyErr error
}

type sentNotification struct {
	token   string
	payload notify.Payload
}

func (m *mockSender) Notify(_ context.Context, token string, p notify.Payload) error {
	if m.notifyErr != nil {
		return m.notifyErr
	}
	m.sent = append(m.sent, sentNotification{token: token, payload: p})
	return nil
}

type mockDevices struct {
	devices []*domain.Device
	err     error
}

func (m *mockDevices) ListByUser(context.Context, string) ([]*domain.Device, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.devices, nil
}

func registryWith(senders map[string]notify.Sender) *notify.Registry {
	reg := notify.NewRegistry()
	for platform, s := range senders {
		reg.Register(platform, s)
	}
	return reg
}

// --- NotifyUser tests ---

func TestNotifyUser(t *testing.T) {
	t.Parallel()

	payload := notify.Payload{Title: "Approval needed", Message: "Write /src/**/*.ts", SessionID: "s1", RequestID: "r1"}

	t.Run("delivers to every device", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()

		slack := &mockSender{}
		logs := &mockSender{}
		devices := &mockDevices{devices: []*domain.Device{
			{ID: uuid.New(), Platform: "slack", Token: "C1"},
			{ID: uuid.New(), Platform: "slack", Token: "C2"},
			{ID: uuid.New(), Platform: "log", Token: "dev"},
		}}

		n := notify.New(registryWith(map[string]notify.Sender{"slack": slack, "log": logs}), devices)
		require.NoError(t, n.NotifyUser(ctx, "u1", payload))

		require.Len(t, slack.sent, 2)
		assert.Equal(t, "C1", slack.sent[0].token)
		assert.Equal(t, "C2", slack.sent[1].token)
		assert.Equal(t, payload, slack.sent[0].payload)
		require.Len(t, logs.sent, 1)
	})

	t.Run("no devices is not an error", func(t *testing.T) {
		t.Parallel()

		n := notify.New(notify.NewRegistry(), &mockDevices{})
		require.NoError(t, n.NotifyUser(t.Context(), "u1", payload))
	})

	t.Run("device listing error propagates", func(t *testing.T) {
		t.Parallel()

		n := notify.New(notify.NewRegistry(), &mockDevices{err: errors.New("db error")})
		err := n.NotifyUser(t.Context(), "u1", payload)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "list devices")
	})

	t.Run("one failing device does not stop the rest", func(t *testing.T) {
		t.Parallel()

		broken := &mockSender{notifyErr: errors.New("api down")}
		ok := &mockSender{}
		devices := &mockDevices{devices: []*domain.Device{
			{ID: uuid.New(), Platform: "broken", Token: "x"},
			{ID: uuid.New(), Platform: "unknown", Token: "y"},
			{ID: uuid.New(), Platform: "ok", Token: "z"},
		}}

		n := notify.New(registryWith(map[string]notify.Sender{"broken": broken, "ok": ok}), devices)
		err := n.NotifyUser(t.Context(), "u1", payload)

		require.Error(t, err)
		require.ErrorIs(t, err, notify.ErrPlatformNotFound)
		assert.Contains(t, err.Error(), "api down")
		require.Len(t, ok.sent, 1)
	})
}

// --- NotifyVia tests ---

func TestNotifyVia(t *testing.T) {
	t.Parallel()

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		s := &mockSender{}
		n := notify.New(registryWith(map[string]notify.Sender{"slack": s}), &mockDevices{})
		require.NoError(t, n.NotifyVia(t.Context(), "slack", "U123", notify.Payload{Message: "hello"}))

		require.Len(t, s.sent, 1)
		assert.Equal(t, "U123", s.sent[0].token)
		assert.Equal(t, "hello", s.sent[0].payload.Message)
	})

	t.Run("unknown platform returns ErrPlatformNotFound", func(t *testing.T) {
		t.Parallel()

		n := notify.New(notify.NewRegistry(), &mockDevices{})
		err := n.NotifyVia(t.Context(), "unknown", "U123", notify.Payload{})

		require.ErrorIs(t, err, notify.ErrPlatformNotFound)
	})

	t.Run("send error wraps", func(t *testing.T) {
		t.Parallel()

		s := &mockSender{notifyErr: errors.New("timeout")}
		n := notify.New(registryWith(map[string]notify.Sender{"slack": s}), &mockDevices{})
		err := n.NotifyVia(t.Context(), "slack", "U123", notify.Payload{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "send")
	})
}

func TestLogSender(t *testing.T) {
	t.Parallel()

	require.NoError(t, notify.LogSender{}.Notify(t.Context(), "dev", notify.Payload{Title: "t", Message: "m"}))
}

package hub_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tether/internal/auth"
	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/event"
	"github.com/gosuda/tether/internal/hub"
	"github.com/gosuda/tether/internal/notify"
	"github.com/gosuda/tether/internal/sealbox"
	"github.com/gosuda/tether/internal/secrets"
	"github.com/gosuda/tether/internal/store/memory"
	"github.com/gosuda/tether/internal/wire"
)

// --- fixtures ---

type mockNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

type notifyCall struct {
	userID  string
	payload notify.Payload
}

func (m *mockNotifier) NotifyUser(_ context.Context, userID string, p notify.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, notifyCall{userID: userID, payload: p})
	return nil
}

func (m *mockNotifier) snapshot() []notifyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notifyCall(nil), m.calls...)
}

// tokenVerifier accepts "tok-<user>" tokens.
var tokenVerifier = auth.VerifierFunc(func(_ context.Context, token string) (auth.Identity, error) { //nolint:gochecknoglobals // test fixture
	user, ok := strings.CutPrefix(token, "tok-")
	if !ok || user == "" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: user}, nil
})

// slowKeys delays relay key lookups, widening the window between receiving
// an event and broadcasting it.
type slowKeys struct {
	domain.KeyRepository
	delay time.Duration
}

func (k slowKeys) RelayKey(ctx context.Context, userID string) ([]byte, error) {
	time.Sleep(k.delay)
	return k.KeyRepository.RelayKey(ctx, userID)
}

type testEnv struct {
	hub      *hub.Hub
	store    *memory.Store
	notifier *mockNotifier
	box      *sealbox.Box
	srv      *httptest.Server
}

func newTestEnv(t *testing.T, mutate ...func(*hub.Deps)) *testEnv {
	t.Helper()

	store := memory.New()

	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	vault, err := secrets.NewVault(master)
	require.NoError(t, err)
	keys := secrets.NewKeyStore(store.SealedKeys(), vault)

	relayKey, err := sealbox.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, keys.SetRelayKey(t.Context(), "u1", relayKey))
	box, err := sealbox.New(relayKey)
	require.NoError(t, err)

	notifier := &mockNotifier{}
	deps := hub.Deps{
		Verifier:  tokenVerifier,
		Sessions:  store.Sessions(),
		Approvals: store.Approvals(),
		Keys:      keys,
		Notifier:  notifier,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	h := hub.New(deps, hub.Options{})

	srv := httptest.NewServer(http.HandlerFunc(h.ServeRelay))
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})

	return &testEnv{hub: h, store: store, notifier: notifier, box: box, srv: srv}
}

type client struct {
	t      *testing.T
	ws     *websocket.Conn
	frames chan wire.Frame
}

func (e *testEnv) dial(t *testing.T, token, machineID string) *client {
	t.Helper()

	want := e.hub.ConnCount() + 1

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set(wire.HeaderMachineID, machineID)

	ws, resp, err := websocket.Dial(t.Context(), url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.CloseNow() })

	c := &client{t: t, ws: ws, frames: make(chan wire.Frame, 256)}
	go func() {
		defer close(c.frames)
		for {
			_, data, readErr := ws.Read(context.Background())
			if readErr != nil {
				return
			}
			f, decErr := wire.DecodeFrame(data)
			if decErr != nil {
				continue
			}
			c.frames <- f
		}
	}()

	require.Eventually(t, func() bool { return e.hub.ConnCount() >= want }, 2*time.Second, 5*time.Millisecond)
	return c
}

func (c *client) send(typ wire.Type, payload any) {
	c.t.Helper()
	frame, err := wire.Encode(typ, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.Write(c.t.Context(), websocket.MessageText, frame))
}

func (c *client) next() wire.Frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		require.True(c.t, ok, "connection closed")
		return f
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for frame")
		return wire.Frame{}
	}
}

func (c *client) expectNone(d time.Duration) {
	c.t.Helper()
	select {
	case f := <-c.frames:
		c.t.Fatalf("unexpected frame %s: %s", f.Type, f.Data)
	case <-time.After(d):
	}
}

func (e *testEnv) seal(t *testing.T, sessionID string, ev event.Event) string {
	t.Helper()
	payload, err := e.box.SealEnvelope(event.New(sessionID, ev))
	require.NoError(t, err)
	return payload
}

func (e *testEnv) waitMembers(t *testing.T, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(e.hub.Rooms().Members(room)) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func decode[T any](t *testing.T, f wire.Frame) T {
	t.Helper()
	v, err := wire.DecodeData[T](f)
	require.NoError(t, err)
	return v
}

// --- tests ---

func TestServeRelay_RejectsBadHandshake(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http")

	tests := []struct {
		name   string
		header http.Header
	}{
		{name: "no token", header: http.Header{wire.HeaderMachineID: {"m1"}}},
		{name: "bad token", header: http.Header{"Authorization": {"Bearer nope"}, wire.HeaderMachineID: {"m1"}}},
		{name: "no machine id", header: http.Header{"Authorization": {"Bearer tok-u1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, resp, err := websocket.Dial(t.Context(), url, &websocket.DialOptions{HTTPHeader: tt.header})
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
	assert.Zero(t, env.hub.ConnCount())
}

func TestServeRelay_QueryParameterHandshake(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "?token=tok-u1&machineId=browser"

	ws, _, err := websocket.Dial(t.Context(), url, nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	env.waitMembers(t, hub.MachineRoom("u1", "browser"), 1)
	env.waitMembers(t, hub.UserRoom("u1"), 1)
}

func TestSessionEvent_PersistsAndBroadcastsExcludingSender(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	daemon := env.dial(t, "tok-u1", "m1")
	phone := env.dial(t, "tok-u1", "phone")

	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", event.Text{Text: "hello"})})
	require.Eventually(t, func() bool {
		s, err := env.store.Sessions().GetByID(t.Context(), "s1")
		return err == nil && s.Seq == 1
	}, 2*time.Second, 5*time.Millisecond)

	s, err := env.store.Sessions().GetByID(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "m1", s.MachineID)

	phone.send(wire.TypeSessionJoin, wire.SessionRef{SessionID: "s1"})
	env.waitMembers(t, hub.SessionRoom("s1"), 1)

	payload := env.seal(t, "s1", event.Text{Text: "second"})
	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: payload})

	f := phone.next()
	require.Equal(t, wire.TypeSessionEvent, f.Type)
	got := decode[wire.SessionEvent](t, f)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, payload, got.Payload)
	require.NotNil(t, got.Message)
	assert.Equal(t, int64(2), got.Message.Seq)

	env2, err := env.box.OpenEnvelope(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, event.Text{Text: "second"}, env2.Event)

	daemon.expectNone(100 * time.Millisecond)
}

func TestSessionEvent_ForeignSessionDropped(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	owner := env.dial(t, "tok-u1", "m1")
	owner.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", event.Text{Text: "x"})})
	require.Eventually(t, func() bool {
		_, err := env.store.Sessions().GetByID(t.Context(), "s1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	intruder := env.dial(t, "tok-u2", "m9")
	intruder.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: "forged"})
	intruder.expectNone(100 * time.Millisecond)

	msgs, err := env.store.Sessions().ListMessages(t.Context(), "s1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestJoin_UnauthorizedIsSilentlyRefused(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	daemon := env.dial(t, "tok-u1", "m1")
	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", event.Text{Text: "x"})})
	require.Eventually(t, func() bool {
		_, err := env.store.Sessions().GetByID(t.Context(), "s1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	intruder := env.dial(t, "tok-u2", "m2")
	intruder.send(wire.TypeSessionJoin, wire.SessionRef{SessionID: "s1"})
	intruder.send(wire.TypeSessionSubscribe, wire.SessionRef{SessionID: "missing"})

	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", event.Text{Text: "y"})})

	intruder.expectNone(150 * time.Millisecond)
	assert.Empty(t, env.hub.Rooms().Members(hub.SessionRoom("s1")))
}

func TestLeave_StopsDelivery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	daemon := env.dial(t, "tok-u1", "m1")
	phone := env.dial(t, "tok-u1", "phone")

	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", event.Text{Text: "x"})})
	require.Eventually(t, func() bool {
		_, err := env.store.Sessions().GetByID(t.Context(), "s1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	phone.send(wire.TypeSessionSubscribe, wire.SessionRef{SessionID: "s1"})
	env.waitMembers(t, hub.SessionRoom("s1"), 1)
	phone.send(wire.TypeSessionUnsubscribe, wire.SessionRef{SessionID: "s1"})
	env.waitMembers(t, hub.SessionRoom("s1"), 0)

	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", event.Text{Text: "y"})})
	phone.expectNone(150 * time.Millisecond)
}

func TestRemoteCommand_RoutedToOwningMachineOnly(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	daemon := env.dial(t, "tok-u1", "m1")
	otherDaemon := env.dial(t, "tok-u1", "m2")
	phone := env.dial(t, "tok-u1", "phone")

	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", event.Text{Text: "x"})})
	require.Eventually(t, func() bool {
		_, err := env.store.Sessions().GetByID(t.Context(), "s1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	phone.send(wire.TypeRemoteCommand, wire.RemoteCommand{SessionID: "s1", Payload: "sealed-command"})

	f := daemon.next()
	require.Equal(t, wire.TypeRemoteCommand, f.Type)
	cmd := decode[wire.RemoteCommand](t, f)
	assert.Equal(t, wire.RemoteCommand{SessionID: "s1", Payload: "sealed-command"}, cmd)

	otherDaemon.expectNone(100 * time.Millisecond)
	phone.expectNone(50 * time.Millisecond)
}

func TestRemoteCommand_ForeignSessionDropped(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	daemon := env.dial(t, "tok-u1", "m1")
	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", event.Text{Text: "x"})})
	require.Eventually(t, func() bool {
		_, err := env.store.Sessions().GetByID(t.Context(), "s1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	// Claims the same machine id under another account.
	impostor := env.dial(t, "tok-u2", "m1")
	impostor.send(wire.TypeRemoteCommand, wire.RemoteCommand{SessionID: "s1", Payload: "rm -rf"})
	daemon.expectNone(100 * time.Millisecond)

	phone := env.dial(t, "tok-u1", "phone")
	phone.send(wire.TypeRemoteCommand, wire.RemoteCommand{SessionID: "s1", Payload: "ls"})
	assert.Equal(t, wire.TypeRemoteCommand, daemon.next().Type)
	impostor.expectNone(100 * time.Millisecond)
}

func TestPermissionRequest_NotifiesAndRoutesApproval(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	daemon := env.dial(t, "tok-u1", "m1")
	phone := env.dial(t, "tok-u1", "phone")

	req := event.PermissionRequest{RequestID: "r1", Tool: "Write", Pattern: "/src/**/*.ts"}
	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", req)})

	f := phone.next()
	require.Equal(t, wire.TypeNotification, f.Type)
	n := decode[wire.Notification](t, f)
	assert.Equal(t, "permission-request", n.Type)
	assert.Equal(t, "s1", n.SessionID)
	assert.Equal(t, "r1", n.RequestID)
	assert.Contains(t, n.Message, "Write")

	require.Eventually(t, func() bool { return len(env.notifier.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	call := env.notifier.snapshot()[0]
	assert.Equal(t, "u1", call.userID)
	assert.Equal(t, "r1", call.payload.RequestID)

	a, err := env.store.Approvals().GetByID(t.Context(), "r1")
	require.NoError(t, err)
	assert.False(t, a.Answered())

	phone.send(wire.TypeApprovalResponse, wire.ApprovalResponse{RequestID: "r1", Approved: true})

	f = daemon.next()
	require.Equal(t, wire.TypeApprovalResponse, f.Type)
	assert.Equal(t, wire.ApprovalResponse{RequestID: "r1", Approved: true}, decode[wire.ApprovalResponse](t, f))

	a, err = env.store.Approvals().GetByID(t.Context(), "r1")
	require.NoError(t, err)
	require.True(t, a.Answered())
	assert.True(t, *a.Approved)

	// Resending overwrites: last write wins.
	phone.send(wire.TypeApprovalResponse, wire.ApprovalResponse{RequestID: "r1", Approved: false})
	f = daemon.next()
	assert.False(t, decode[wire.ApprovalResponse](t, f).Approved)
}

func TestPermissionRequest_ImmediateAnswerIsRouted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(d *hub.Deps) {
		d.Keys = slowKeys{KeyRepository: d.Keys, delay: 100 * time.Millisecond}
	})
	daemon := env.dial(t, "tok-u1", "m1")
	phone := env.dial(t, "tok-u1", "phone")

	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", event.Text{Text: "hi"})})
	require.Eventually(t, func() bool {
		s, err := env.store.Sessions().GetByID(t.Context(), "s1")
		return err == nil && s.Seq == 1
	}, 2*time.Second, 5*time.Millisecond)

	phone.send(wire.TypeSessionJoin, wire.SessionRef{SessionID: "s1"})
	env.waitMembers(t, hub.SessionRoom("s1"), 1)

	req := event.PermissionRequest{RequestID: "r1", Tool: "Write", Pattern: "a.txt"}
	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", req)})

	// Answer the moment the request is visible.
	seen := phone.next()
	for seen.Type != wire.TypeSessionEvent {
		seen = phone.next()
	}
	phone.send(wire.TypeApprovalResponse, wire.ApprovalResponse{RequestID: "r1", Approved: true})

	f := daemon.next()
	require.Equal(t, wire.TypeApprovalResponse, f.Type)
	assert.Equal(t, wire.ApprovalResponse{RequestID: "r1", Approved: true}, decode[wire.ApprovalResponse](t, f))
}

func TestSessionEvent_PayloadSealedForOtherSessionRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	daemon := env.dial(t, "tok-u1", "m1")

	first := env.seal(t, "s1", event.Text{Text: "one"})
	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: first})
	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s2", event.Text{Text: "replayed"})})
	last := env.seal(t, "s1", event.Text{Text: "two"})
	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: last})

	require.Eventually(t, func() bool {
		s, err := env.store.Sessions().GetByID(t.Context(), "s1")
		return err == nil && s.Seq == 2
	}, 2*time.Second, 5*time.Millisecond)

	msgs, err := env.store.Sessions().ListMessages(t.Context(), "s1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first, msgs[0].Content)
	assert.Equal(t, last, msgs[1].Content)
}

func TestApprovalResponse_UnknownRequestIgnored(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	daemon := env.dial(t, "tok-u1", "m1")
	phone := env.dial(t, "tok-u1", "phone")

	phone.send(wire.TypeApprovalResponse, wire.ApprovalResponse{RequestID: "nope", Approved: true})
	daemon.expectNone(100 * time.Millisecond)
	phone.expectNone(10 * time.Millisecond)
}

func TestSessionStart_RecordsProjectInfo(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	daemon := env.dial(t, "tok-u1", "m1")

	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", event.SessionStart{
		Metadata: map[string]string{wire.MetadataProjectPath: "/work/app", wire.MetadataToolKind: "claude"},
	})})

	require.Eventually(t, func() bool {
		s, err := env.store.Sessions().GetByID(t.Context(), "s1")
		return err == nil && s.ProjectPath == "/work/app" && s.ToolKind == "claude"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMalformedFrame_ReportsError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	c := env.dial(t, "tok-u1", "m1")

	require.NoError(t, c.ws.Write(t.Context(), websocket.MessageText, []byte("{not json")))
	f := c.next()
	require.Equal(t, wire.TypeError, f.Type)

	c.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "", Payload: ""})
	f = c.next()
	require.Equal(t, wire.TypeError, f.Type)

	var body wire.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &body))
	assert.Contains(t, body.Message, "session:event")
}

func TestUndecryptablePayload_StillRelayed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	daemon := env.dial(t, "tok-u1", "m1")

	daemon.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: "bm90LWEtdmFsaWQtYm94"})
	require.Eventually(t, func() bool {
		s, err := env.store.Sessions().GetByID(t.Context(), "s1")
		return err == nil && s.Seq == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, env.notifier.snapshot())
}

// Two connections write to the same session at once; every persisted seq is
// distinct and a subscriber sees them strictly increasing without gaps.
func TestConcurrentSessionEvents_SequencedPerSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	a := env.dial(t, "tok-u1", "m1")
	b := env.dial(t, "tok-u1", "m1")
	phone := env.dial(t, "tok-u1", "phone")

	a.send(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: env.seal(t, "s1", event.Text{Text: "open"})})
	require.Eventually(t, func() bool {
		_, err := env.store.Sessions().GetByID(t.Context(), "s1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	phone.send(wire.TypeSessionJoin, wire.SessionRef{SessionID: "s1"})
	env.waitMembers(t, hub.SessionRoom("s1"), 1)

	const perConn = 20
	payload := env.seal(t, "s1", event.Text{Text: "x"})

	var wg sync.WaitGroup
	for _, c := range []*client{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frame, err := wire.Encode(wire.TypeSessionEvent, wire.SessionEvent{SessionID: "s1", Payload: payload})
			if err != nil {
				return
			}
			for range perConn {
				if err := c.ws.Write(context.Background(), websocket.MessageText, frame); err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	last := int64(1)
	for range 2 * perConn {
		f := phone.next()
		require.Equal(t, wire.TypeSessionEvent, f.Type)
		msg := decode[wire.SessionEvent](t, f).Message
		require.NotNil(t, msg)
		require.Equal(t, last+1, msg.Seq, "seq must advance by exactly one")
		last = msg.Seq
	}

	s, err := env.store.Sessions().GetByID(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2*perConn+1), s.Seq)
}

func TestDisconnect_LeavesAllRooms(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	c := env.dial(t, "tok-u1", "m1")
	env.waitMembers(t, hub.UserRoom("u1"), 1)

	require.NoError(t, c.ws.Close(websocket.StatusNormalClosure, "bye"))

	env.waitMembers(t, hub.UserRoom("u1"), 0)
	env.waitMembers(t, hub.MachineRoom("u1", "m1"), 0)
	require.Eventually(t, func() bool { return env.hub.ConnCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tether/internal/event"
	"github.com/gosuda/tether/internal/sealbox"
	"github.com/gosuda/tether/internal/wire"
)

// fakeHub accepts relay connections and records what daemons send.
type fakeHub struct {
	t       *testing.T
	srv     *httptest.Server
	accepts atomic.Int32
	headers chan http.Header
	conns   chan *websocket.Conn
	frames  chan wire.Frame
	// dropFirst closes the first connection right after accepting it.
	dropFirst bool
}

func newFakeHub(t *testing.T, dropFirst bool) *fakeHub {
	t.Helper()

	h := &fakeHub{
		t:         t,
		headers:   make(chan http.Header, 8),
		conns:     make(chan *websocket.Conn, 8),
		frames:    make(chan wire.Frame, 256),
		dropFirst: dropFirst,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wire.RelayPath, h.serve)
	mux.HandleFunc(wire.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)

	return h
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	n := h.accepts.Add(1)
	h.headers <- r.Header.Clone()
	if h.dropFirst && n == 1 {
		_ = ws.Close(websocket.StatusGoingAway, "restart")
		return
	}
	h.conns <- ws

	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			return
		}
		f, err := wire.DecodeFrame(data)
		if err != nil {
			continue
		}
		h.frames <- f
	}
}

func (h *fakeHub) conn() *websocket.Conn {
	h.t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(5 * time.Second):
		h.t.Fatal("daemon did not connect")
		return nil
	}
}

func (h *fakeHub) next() wire.Frame {
	h.t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for frame")
		return wire.Frame{}
	}
}

// nextEvent returns the next session event of the given kind, skipping
// others.
func (h *fakeHub) nextEvent(box *sealbox.Box, kind event.Kind) (string, event.Event) {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-h.frames:
			if f.Type != wire.TypeSessionEvent {
				continue
			}
			se, err := wire.DecodeData[wire.SessionEvent](f)
			require.NoError(h.t, err)
			env, err := box.OpenEnvelope(se.Payload)
			require.NoError(h.t, err)
			if env.Event.Kind() == kind {
				return se.SessionID, env.Event
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", kind)
			return "", nil
		}
	}
}

func sendCommand(t *testing.T, ws *websocket.Conn, box *sealbox.Box, sessionID string, cmd wire.Command) {
	t.Helper()
	plain, err := json.Marshal(cmd)
	require.NoError(t, err)
	payload, err := box.Seal(plain)
	require.NoError(t, err)
	frame, err := wire.Encode(wire.TypeRemoteCommand, wire.RemoteCommand{SessionID: sessionID, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, ws.Write(t.Context(), websocket.MessageText, frame))
}

func sendApproval(t *testing.T, ws *websocket.Conn, requestID string, approved bool) {
	t.Helper()
	frame, err := wire.Encode(wire.TypeApprovalResponse, wire.ApprovalResponse{RequestID: requestID, Approved: approved})
	require.NoError(t, err)
	require.NoError(t, ws.Write(t.Context(), websocket.MessageText, frame))
}

type mockHandler struct {
	mu        sync.Mutex
	owned     map[string]bool
	commands  []wire.Command
	approvals map[string]bool
	stopped   bool
}

func newMockHandler(owned ...string) *mockHandler {
	h := &mockHandler{owned: map[string]bool{}, approvals: map[string]bool{}}
	for _, id := range owned {
		h.owned[id] = true
	}
	return h
}

func (h *mockHandler) HandleCommand(_ context.Context, cmd wire.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd)
	return nil
}

func (h *mockHandler) HandleApproval(requestID string, approved bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.owned[requestID] {
		return false
	}
	delete(h.owned, requestID)
	h.approvals[requestID] = approved
	return true
}

func (h *mockHandler) Stop(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}

func (h *mockHandler) snapshot() ([]wire.Command, map[string]bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	approvals := make(map[string]bool, len(h.approvals))
	for k, v := range h.approvals {
		approvals[k] = v
	}
	return append([]wire.Command(nil), h.commands...), approvals, h.stopped
}

type mockSwitcher struct {
	stopped atomic.Bool
}

func (s *mockSwitcher) Stop() { s.stopped.Store(true) }

func testKey(t *testing.T) ([]byte, *sealbox.Box) {
	t.Helper()
	key, err := sealbox.GenerateKey()
	require.NoError(t, err)
	box, err := sealbox.New(key)
	require.NoError(t, err)
	return key, box
}

func newTestManager(t *testing.T, endpoint string, key []byte, mutate ...func(*ManagerOptions)) *Manager {
	t.Helper()

	opts := ManagerOptions{
		Endpoint:    endpoint,
		Token:       "tok-u1",
		MachineID:   "m1",
		Key:         key,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	m, err := NewManager(opts)
	require.NoError(t, err)
	return m
}

// runManager starts Run and stops the manager when the test ends.
func runManager(t *testing.T, m *Manager) <-chan error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return done
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State().State == want }, 5*time.Second, 5*time.Millisecond)
}

func TestNewManager_Validates(t *testing.T) {
	t.Parallel()

	key, _ := testKey(t)

	_, err := NewManager(ManagerOptions{Token: "t", MachineID: "m", Key: key})
	require.Error(t, err)
	_, err = NewManager(ManagerOptions{Endpoint: "http://x", MachineID: "m", Key: key})
	require.Error(t, err)
	_, err = NewManager(ManagerOptions{Endpoint: "http://x", Token: "t", MachineID: "m", Key: []byte("short")})
	require.ErrorIs(t, err, sealbox.ErrInvalidKey)
}

func TestManager_Backoff(t *testing.T) {
	t.Parallel()

	key, _ := testKey(t)
	jitter := 0.0
	m := newTestManager(t, "http://hub", key, func(o *ManagerOptions) {
		o.BaseBackoff = time.Second
		o.MaxBackoff = 30 * time.Second
		o.Jitter = func() float64 { return jitter }
	})

	assert.Equal(t, time.Second, m.Backoff(0))
	assert.Equal(t, 2*time.Second, m.Backoff(1))
	assert.Equal(t, 16*time.Second, m.Backoff(4))
	assert.Equal(t, 30*time.Second, m.Backoff(5))
	assert.Equal(t, 30*time.Second, m.Backoff(50))

	jitter = 0.5
	assert.Equal(t, 1100*time.Millisecond, m.Backoff(0))
	assert.Equal(t, 33*time.Second, m.Backoff(9))
}

func TestManager_ConnectsAndSendsSealedEvents(t *testing.T) {
	t.Parallel()

	hub := newFakeHub(t, false)
	key, box := testKey(t)
	m := newTestManager(t, hub.srv.URL, key)

	require.ErrorIs(t, m.Send(t.Context(), "s1", event.New("s1", event.Text{Text: "early"})), ErrNotConnected)

	runManager(t, m)
	hub.conn()
	waitState(t, m, StateConnected)

	header := <-hub.headers
	assert.Equal(t, "Bearer tok-u1", header.Get("Authorization"))
	assert.Equal(t, "m1", header.Get(wire.HeaderMachineID))

	require.NoError(t, m.Send(t.Context(), "s1", event.New("s1", event.Text{Text: "hello"})))

	f := hub.next()
	require.Equal(t, wire.TypeSessionEvent, f.Type)
	se, err := wire.DecodeData[wire.SessionEvent](f)
	require.NoError(t, err)
	assert.Equal(t, "s1", se.SessionID)
	assert.NotContains(t, se.Payload, "hello")

	env, err := box.OpenEnvelope(se.Payload)
	require.NoError(t, err)
	assert.Equal(t, "s1", env.SessionID)
	assert.Equal(t, event.Text{Text: "hello"}, env.Event)
}

func TestManager_RoutesCommandsBySession(t *testing.T) {
	t.Parallel()

	hub := newFakeHub(t, false)
	key, box := testKey(t)
	m := newTestManager(t, hub.srv.URL, key)

	a, b := newMockHandler(), newMockHandler()
	m.Register("a", a)
	m.Register("b", b)
	m.Register("b", b)
	assert.Equal(t, 2, m.Sessions())

	runManager(t, m)
	ws := hub.conn()
	waitState(t, m, StateConnected)

	sendCommand(t, ws, box, "b", wire.Command{Type: wire.CommandInput, Text: "hi"})
	sendCommand(t, ws, box, "ghost", wire.Command{Type: wire.CommandStop})

	// Sealed with a different key: dropped.
	_, otherBox := testKey(t)
	sendCommand(t, ws, otherBox, "a", wire.Command{Type: wire.CommandStop})

	require.Eventually(t, func() bool {
		cmds, _, _ := b.snapshot()
		return len(cmds) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// A trailing command proves the earlier frames were all processed.
	sendCommand(t, ws, box, "a", wire.Command{Type: wire.CommandSwitchDevice, Device: DeviceRemote})
	require.Eventually(t, func() bool {
		cmds, _, _ := a.snapshot()
		return len(cmds) == 1
	}, 5*time.Second, 5*time.Millisecond)

	cmdsA, _, _ := a.snapshot()
	assert.Equal(t, wire.Command{Type: wire.CommandSwitchDevice, Device: DeviceRemote}, cmdsA[0])
	cmdsB, _, _ := b.snapshot()
	assert.Equal(t, wire.Command{Type: wire.CommandInput, Text: "hi"}, cmdsB[0])
	assert.Equal(t, StateConnected, m.State().State, "bad frames do not drop the connection")
}

func TestManager_ApprovalBroadcastReachesOwnerOnly(t *testing.T) {
	t.Parallel()

	hub := newFakeHub(t, false)
	key, _ := testKey(t)
	m := newTestManager(t, hub.srv.URL, key)

	a, b := newMockHandler("r-a"), newMockHandler("r-b")
	m.Register("a", a)
	m.Register("b", b)

	runManager(t, m)
	ws := hub.conn()
	waitState(t, m, StateConnected)

	sendApproval(t, ws, "r-b", true)
	sendApproval(t, ws, "r-b", false)
	sendApproval(t, ws, "unknown", true)
	sendApproval(t, ws, "r-a", false)

	require.Eventually(t, func() bool {
		_, approvals, _ := a.snapshot()
		return len(approvals) == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, approvalsA, _ := a.snapshot()
	_, approvalsB, _ := b.snapshot()
	assert.Equal(t, map[string]bool{"r-a": false}, approvalsA)
	assert.Equal(t, map[string]bool{"r-b": true}, approvalsB, "duplicate answer is ignored")
}

func TestManager_UnregisteredSessionIgnored(t *testing.T) {
	t.Parallel()

	hub := newFakeHub(t, false)
	key, box := testKey(t)
	m := newTestManager(t, hub.srv.URL, key)

	h := newMockHandler()
	m.Register("s1", h)
	m.Unregister("s1")
	m.Unregister("s1")
	assert.Zero(t, m.Sessions())

	target := newMockHandler()
	m.Register("target", target)

	runManager(t, m)
	ws := hub.conn()
	waitState(t, m, StateConnected)

	sendCommand(t, ws, box, "s1", wire.Command{Type: wire.CommandInput, Text: "x"})
	sendCommand(t, ws, box, "target", wire.Command{Type: wire.CommandInput, Text: "y"})

	require.Eventually(t, func() bool {
		cmds, _, _ := target.snapshot()
		return len(cmds) == 1
	}, 5*time.Second, 5*time.Millisecond)
	cmds, _, _ := h.snapshot()
	assert.Empty(t, cmds)
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	hub := newFakeHub(t, true)
	key, _ := testKey(t)
	m := newTestManager(t, hub.srv.URL, key)

	runManager(t, m)
	hub.conn()
	waitState(t, m, StateConnected)
	assert.Equal(t, int32(2), hub.accepts.Load())
	cs := m.State()
	assert.True(t, cs.Connected)
	assert.Zero(t, cs.ReconnectAttempts, "a successful connection resets the counter")

	require.NoError(t, m.Send(t.Context(), "s1", event.New("s1", event.Text{Text: "after reconnect"})))
	assert.Equal(t, wire.TypeSessionEvent, hub.next().Type)
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	key, _ := testKey(t)
	m := newTestManager(t, srv.URL, key, func(o *ManagerOptions) {
		o.MaxAttempts = 3
		o.BaseBackoff = time.Millisecond
		o.MaxBackoff = 2 * time.Millisecond
	})

	done := runManager(t, m)
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrGaveUp)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not give up")
	}

	assert.Equal(t, int32(3), attempts.Load())
	cs := m.State()
	assert.Equal(t, StateDisconnected, cs.State)
	assert.False(t, cs.Connected)
	assert.Equal(t, 3, cs.ReconnectAttempts)
	assert.Equal(t, srv.URL, cs.LastEndpoint)
	require.ErrorIs(t, m.Send(t.Context(), "s1", event.New("s1", event.Text{Text: "x"})), ErrNotConnected)
}

func TestManager_StopStopsSessionsAndSwitchers(t *testing.T) {
	t.Parallel()

	hub := newFakeHub(t, false)
	key, _ := testKey(t)
	m := newTestManager(t, hub.srv.URL, key)

	h := newMockHandler()
	sw := &mockSwitcher{}
	m.Register("s1", h)
	m.RegisterSwitcher("s1", sw)

	done := runManager(t, m)
	hub.conn()
	waitState(t, m, StateConnected)

	require.NoError(t, m.Stop(t.Context()))
	require.NoError(t, m.Stop(t.Context()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	_, _, stopped := h.snapshot()
	assert.True(t, stopped)
	assert.True(t, sw.stopped.Load())
	assert.Zero(t, m.Sessions())
	assert.Equal(t, StateDisconnected, m.State().State)
	require.ErrorIs(t, m.Run(t.Context()), ErrManagerStopped)
}

// farewellHandler sends a final event from Stop, the way a session reports
// its exit.
type farewellHandler struct {
	*mockHandler
	m         *Manager
	sessionID string
	sendErr   chan error
}

func (h *farewellHandler) Stop(ctx context.Context) error {
	for range 20 {
		env := event.New(h.sessionID, event.Text{Text: "bye"})
		if err := h.m.Send(ctx, h.sessionID, env); err != nil {
			h.sendErr <- err
			return err
		}
	}
	h.sendErr <- h.m.Send(ctx, h.sessionID, event.New(h.sessionID, event.SessionStop{Reason: "shutdown"}))
	return h.mockHandler.Stop(ctx)
}

func TestManager_StopFlushesFinalEvents(t *testing.T) {
	t.Parallel()

	hub := newFakeHub(t, false)
	key, box := testKey(t)
	m := newTestManager(t, hub.srv.URL, key)

	h := &farewellHandler{mockHandler: newMockHandler(), m: m, sessionID: "s1", sendErr: make(chan error, 1)}
	m.Register("s1", h)

	done := runManager(t, m)
	hub.conn()
	waitState(t, m, StateConnected)

	require.NoError(t, m.Stop(t.Context()))
	require.NoError(t, <-h.sendErr, "the link stays up while sessions stop")

	sessionID, ev := hub.nextEvent(box, event.KindSessionStop)
	assert.Equal(t, "s1", sessionID)
	assert.Equal(t, event.SessionStop{Reason: "shutdown"}, ev)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestManager_StateRecordsResolvedEndpoint(t *testing.T) {
	t.Parallel()

	hub := newFakeHub(t, false)
	key, _ := testKey(t)
	m := newTestManager(t, "https://relay.shared", key, func(o *ManagerOptions) {
		o.Resolver = NewResolver(nil, time.Second, map[string][]string{
			"relay.shared": {hub.srv.URL},
		})
	})

	assert.Equal(t, ConnectionState{State: StateDisconnected}, m.State())

	runManager(t, m)
	hub.conn()
	waitState(t, m, StateConnected)

	cs := m.State()
	assert.True(t, cs.Connected)
	assert.Equal(t, hub.srv.URL, cs.LastEndpoint)
	assert.Zero(t, cs.ReconnectAttempts)
}

func TestManager_ReconnectAttemptsCount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	key, _ := testKey(t)
	m := newTestManager(t, srv.URL, key, func(o *ManagerOptions) {
		o.MaxAttempts = 100
		o.BaseBackoff = time.Millisecond
		o.MaxBackoff = 2 * time.Millisecond
	})

	runManager(t, m)
	require.Eventually(t, func() bool { return m.State().ReconnectAttempts >= 2 }, 5*time.Second, time.Millisecond)

	cs := m.State()
	assert.False(t, cs.Connected)
	assert.Equal(t, srv.URL, cs.LastEndpoint)
}

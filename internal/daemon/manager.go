// Package daemon keeps one authenticated relay connection open for every
// agent session running on this machine and dispatches what the hub sends
// back to the session it belongs to.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"github.com/gosuda/tether/internal/event"
	"github.com/gosuda/tether/internal/sealbox"
	"github.com/gosuda/tether/internal/wire"
)

//nolint:gochecknoglobals // sentinel errors
var (
	ErrNotConnected   = errors.New("daemon: not connected")
	ErrGaveUp         = errors.New("daemon: reconnect attempts exhausted")
	ErrManagerStopped = errors.New("daemon: manager stopped")
)

// State is the relay connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 30 * time.Second
	DefaultMaxAttempts = 10

	defaultSendBuffer = 256
	dialTimeout       = 15 * time.Second
	writeTimeout      = 10 * time.Second
	readLimit         = 1 << 20
	jitterFraction    = 0.2
)

// ConnectionState is a snapshot of the relay connection.
type ConnectionState struct {
	State     State `json:"state"`
	Connected bool  `json:"connected"`
	// ReconnectAttempts counts consecutive failed attempts since the last
	// successful connection.
	ReconnectAttempts int `json:"reconnectAttempts"`
	// LastEndpoint is the endpoint most recently dialled, after probing.
	LastEndpoint string `json:"lastEndpoint,omitempty"`
}

// SessionHandler receives what the hub routes to one local session.
type SessionHandler interface {
	HandleCommand(ctx context.Context, cmd wire.Command) error
	// HandleApproval resolves requestID if this session owns it and reports
	// whether it did.
	HandleApproval(requestID string, approved bool) bool
	Stop(ctx context.Context) error
}

// Switcher is stopped together with the manager.
type Switcher interface {
	Stop()
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Endpoint  string
	Token     string
	MachineID string
	// Key is the symmetric key shared with remote clients.
	Key []byte

	Resolver    *Resolver
	HTTPClient  *http.Client
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	SendBuffer  int
	Clock       clock.Clock
	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
}

// Manager owns the daemon's single relay connection.
type Manager struct {
	opts     ManagerOptions
	box      *sealbox.Box
	resolver *Resolver

	mu        sync.Mutex
	state     State
	attempts  int
	endpoint  string
	link      *link
	handlers  map[string]SessionHandler
	switchers map[string]Switcher
	stopped   bool
	cancel    context.CancelFunc
	runDone   chan struct{}
}

// link is one live websocket connection and its outbound queue.
type link struct {
	ws   *websocket.Conn
	send chan []byte
	// done is closed when the read loop ends.
	done chan struct{}
	// drain asks the write loop to flush the queue and close the connection;
	// flushed is closed when the write loop has exited.
	drain   chan struct{}
	flushed chan struct{}
}

// NewManager validates opts and creates a disconnected manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("daemon.NewManager: endpoint is required")
	}
	if opts.Token == "" || opts.MachineID == "" {
		return nil, errors.New("daemon.NewManager: token and machine id are required")
	}

	box, err := sealbox.New(opts.Key)
	if err != nil {
		return nil, fmt.Errorf("daemon.NewManager: %w", err)
	}

	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Float64
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewResolver(opts.HTTPClient, 0, nil)
	}

	return &Manager{
		opts:      opts,
		box:       box,
		resolver:  resolver,
		state:     StateDisconnected,
		handlers:  make(map[string]SessionHandler),
		switchers: make(map[string]Switcher),
		runDone:   make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionState{
		State:             m.state,
		Connected:         m.state == StateConnected,
		ReconnectAttempts: m.attempts,
		LastEndpoint:      m.endpoint,
	}
}

// Run connects and keeps reconnecting with backoff until ctx is cancelled,
// Stop is called, or MaxAttempts consecutive attempts fail, in which case it
// returns ErrGaveUp and the manager stays disconnected. Run must be called at
// most once. Cancelling ctx drops the connection at once; Stop closes it
// only after every session's final events are written.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	m.cancel = cancel
	m.mu.Unlock()

	defer close(m.runDone)

	failures := 0
	for {
		m.setState(StateConnecting)
		connected, err := m.connectAndServe(ctx)
		m.setState(StateDisconnected)

		if ctx.Err() != nil || m.isStopped() {
			return nil
		}
		if connected {
			failures = 0
		}
		failures++
		m.setAttempts(failures)

		if err != nil {
			log.Warn().Err(err).Int("attempt", failures).Msg("daemon: relay connection lost")
		}
		if failures >= m.opts.MaxAttempts {
			log.Error().Int("attempts", failures).Msg("daemon: giving up on relay, staying offline")
			return ErrGaveUp
		}

		delay := m.Backoff(failures - 1)
		log.Info().Dur("backoff", delay).Msg("daemon: reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-m.opts.Clock.After(delay):
		}
	}
}

// Backoff returns the delay before retry number attempt (zero based):
// base*2^attempt capped at the maximum, plus up to 20% jitter.
func (m *Manager) Backoff(attempt int) time.Duration {
	d := m.opts.BaseBackoff
	for range attempt {
		d *= 2
		if d >= m.opts.MaxBackoff {
			d = m.opts.MaxBackoff
			break
		}
	}
	return d + time.Duration(float64(d)*jitterFraction*m.opts.Jitter())
}

func (m *Manager) connectAndServe(ctx context.Context) (bool, error) {
	endpoint := m.resolver.Resolve(ctx, m.opts.Endpoint)
	m.mu.Lock()
	m.endpoint = endpoint
	m.mu.Unlock()

	target, err := relayURL(endpoint)
	if err != nil {
		return false, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.opts.Token)
	header.Set(wire.HeaderMachineID, m.opts.MachineID)

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	ws, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: m.opts.HTTPClient,
	})
	cancelDial()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("daemon.Manager.connect: dial %s: %w", target, err)
	}
	ws.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l := &link{
		ws:      ws,
		send:    make(chan []byte, m.opts.SendBuffer),
		done:    make(chan struct{}),
		drain:   make(chan struct{}),
		flushed: make(chan struct{}),
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "daemon stopping")
		return true, nil
	}
	m.link = l
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()
	log.Info().Str("endpoint", endpoint).Str("machine_id", m.opts.MachineID).Msg("daemon: relay connected")

	go func() {
		m.writeLoop(connCtx, l)
		cancel()
	}()

	err = m.readLoop(connCtx, l)

	m.mu.Lock()
	if m.link == l {
		m.link = nil
	}
	m.mu.Unlock()
	close(l.done)

	_ = ws.CloseNow()

	return true, err
}

func (m *Manager) writeLoop(ctx context.Context, l *link) {
	defer close(l.flushed)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.drain:
			m.flush(ctx, l)
			return
		case frame := <-l.send:
			if err := write(ctx, l, frame); err != nil {
				log.Warn().Err(err).Msg("daemon: relay write failed")
				return
			}
		}
	}
}

// flush writes every frame still queued, then closes the connection.
func (m *Manager) flush(ctx context.Context, l *link) {
	for {
		select {
		case frame := <-l.send:
			if err := write(ctx, l, frame); err != nil {
				log.Warn().Err(err).Msg("daemon: relay write failed while draining")
				return
			}
		default:
			if err := l.ws.Close(websocket.StatusNormalClosure, "daemon stopping"); err != nil {
				log.Debug().Err(err).Msg("daemon: relay close")
			}
			return
		}
	}
}

func write(ctx context.Context, l *link, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return l.ws.Write(ctx, websocket.MessageText, frame)
}

func (m *Manager) readLoop(ctx context.Context, l *link) error {
	for {
		_, data, err := l.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("daemon.Manager.read: %w", err)
		}
		m.dispatch(ctx, data)
	}
}

// Send seals env and queues it for the hub. While disconnected the event is
// dropped and ErrNotConnected returned; nothing is buffered for later.
func (m *Manager) Send(ctx context.Context, sessionID string, env event.Envelope) error {
	m.mu.Lock()
	l := m.link
	m.mu.Unlock()

	if l == nil {
		log.Debug().Str("session_id", sessionID).Str("kind", kindOf(env)).Msg("daemon: not connected, event dropped")
		return ErrNotConnected
	}

	payload, err := m.box.SealEnvelope(env)
	if err != nil {
		return fmt.Errorf("daemon.Manager.Send: %w", err)
	}
	frame, err := wire.Encode(wire.TypeSessionEvent, wire.SessionEvent{SessionID: sessionID, Payload: payload})
	if err != nil {
		return fmt.Errorf("daemon.Manager.Send: %w", err)
	}

	select {
	case l.send <- frame:
		return nil
	case <-l.done:
		log.Debug().Str("session_id", sessionID).Msg("daemon: connection dropped, event dropped")
		return ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("daemon.Manager.Send: %w", ctx.Err())
	}
}

// Register routes commands for sessionID to h. Registering again replaces
// the previous handler.
func (m *Manager) Register(sessionID string, h SessionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[sessionID] = h
}

// Unregister removes the handler for sessionID. Unknown ids are ignored.
func (m *Manager) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, sessionID)
	delete(m.switchers, sessionID)
}

// RegisterSwitcher ties a device switcher's lifetime to the manager.
func (m *Manager) RegisterSwitcher(sessionID string, sw Switcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switchers[sessionID] = sw
}

// Sessions returns the number of registered session handlers.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// Stop stops every registered session and switcher while the relay
// connection is still up, so their final events reach the hub. It then
// flushes the outbound queue, closes the connection and waits for Run to
// return. Safe to call more than once.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	handlers := m.handlers
	switchers := m.switchers
	m.handlers = make(map[string]SessionHandler)
	m.switchers = make(map[string]Switcher)
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for id, h := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Stop(ctx); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
				emu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, sw := range switchers {
		sw.Stop()
	}

	m.mu.Lock()
	l := m.link
	m.link = nil
	cancel := m.cancel
	m.mu.Unlock()

	if l != nil {
		close(l.drain)
		select {
		case <-l.flushed:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if cancel != nil {
		cancel()
		select {
		case <-m.runDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("daemon.Manager.Stop: %w", err)
	}
	return nil
}

func (m *Manager) dispatch(ctx context.Context, data []byte) {
	f, err := wire.DecodeFrame(data)
	if err != nil {
		log.Warn().Err(err).Msg("daemon: malformed frame from hub")
		return
	}

	switch f.Type {
	case wire.TypeRemoteCommand:
		m.dispatchCommand(ctx, f)
	case wire.TypeApprovalResponse:
		m.dispatchApproval(f)
	case wire.TypeError:
		p, _ := wire.DecodeData[wire.ErrorPayload](f)
		log.Warn().Str("message", p.Message).Msg("daemon: hub reported an error")
	default:
		log.Debug().Str("type", string(f.Type)).Msg("daemon: ignoring frame")
	}
}

func (m *Manager) dispatchCommand(ctx context.Context, f wire.Frame) {
	rc, err := wire.DecodeData[wire.RemoteCommand](f)
	if err != nil {
		log.Warn().Err(err).Msg("daemon: malformed remote command")
		return
	}

	plain, err := m.box.Open(rc.Payload)
	if err != nil {
		log.Warn().Err(err).Str("session_id", rc.SessionID).Msg("daemon: undecryptable command dropped")
		return
	}
	var cmd wire.Command
	if err := json.Unmarshal(plain, &cmd); err != nil {
		log.Warn().Err(err).Str("session_id", rc.SessionID).Msg("daemon: malformed command dropped")
		return
	}

	m.mu.Lock()
	h, ok := m.handlers[rc.SessionID]
	m.mu.Unlock()
	if !ok {
		log.Warn().Str("session_id", rc.SessionID).Str("command", cmd.Type).Msg("daemon: command for unknown session ignored")
		return
	}

	if err := h.HandleCommand(ctx, cmd); err != nil {
		log.Warn().Err(err).Str("session_id", rc.SessionID).Str("command", cmd.Type).Msg("daemon: command failed")
	}
}

// dispatchApproval offers the answer to every session; only the one holding
// the request id acts on it.
func (m *Manager) dispatchApproval(f wire.Frame) {
	resp, err := wire.DecodeData[wire.ApprovalResponse](f)
	if err != nil {
		log.Warn().Err(err).Msg("daemon: malformed approval response")
		return
	}

	m.mu.Lock()
	handlers := make([]SessionHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	claimed := false
	for _, h := range handlers {
		if h.HandleApproval(resp.RequestID, resp.Approved) {
			claimed = true
		}
	}
	if !claimed {
		log.Debug().Str("request_id", resp.RequestID).Msg("daemon: approval response matched no pending request")
	}
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Manager) setAttempts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = n
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == s {
		return
	}
	m.state = s
	log.Debug().Str("state", string(s)).Msg("daemon: connection state")
}

func kindOf(env event.Envelope) string {
	if env.Event == nil {
		return ""
	}
	return string(env.Event.Kind())
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tether/internal/event"
	"github.com/gosuda/tether/internal/interceptor"
	"github.com/gosuda/tether/internal/wire"
)

const defaultSendTimeout = 5 * time.Second

// SpawnRequest describes an agent to start.
type SpawnRequest struct {
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	ProjectPath string   `json:"projectPath,omitempty"`
	ToolKind    string   `json:"toolKind,omitempty"`
	Env         []string `json:"env,omitempty"`
}

// Status is reported by the local control surface.
type Status struct {
	Running bool `json:"running"`
	PID     int  `json:"pid"`
	ConnectionState
	Sessions []SessionInfo `json:"sessions"`
}

// Options configure a Daemon.
type Options struct {
	// ApprovalTimeout overrides interceptor.DefaultApprovalTimeout.
	ApprovalTimeout time.Duration
	SendTimeout     time.Duration
}

// Daemon runs agent sessions and relays them through one Manager.
type Daemon struct {
	mgr      *Manager
	registry *Registry
	opts     Options
	newID    func() string
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(mgr *Manager, opts Options) *Daemon {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	return &Daemon{
		mgr:      mgr,
		registry: NewRegistry(),
		opts:     opts,
		newID:    uuid.NewString,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Registry exposes the session mirror.
func (d *Daemon) Registry() *Registry {
	return d.registry
}

// Run keeps the relay connection alive until ctx is cancelled. Giving up on
// the relay is not fatal: sessions keep running offline. Cancelling ctx
// leaves the connection up; Shutdown closes it once sessions have stopped.
func (d *Daemon) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- d.mgr.Run(context.WithoutCancel(ctx)) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if errors.Is(err, ErrGaveUp) {
			<-ctx.Done()
			return nil
		}
		return err
	}
}

// Shutdown stops every session and closes the relay connection.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if err := d.mgr.Stop(ctx); err != nil {
		return fmt.Errorf("daemon.Shutdown: %w", err)
	}
	return nil
}

// Status returns the daemon's current state.
func (d *Daemon) Status() Status {
	return Status{
		Running:         true,
		PID:             os.Getpid(),
		ConnectionState: d.mgr.State(),
		Sessions:        d.registry.List(),
	}
}

// Session returns a running session by id.
func (d *Daemon) Session(sessionID string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	return s, ok
}

// Spawn starts an agent under a fresh session id and wires it to the relay.
func (d *Daemon) Spawn(ctx context.Context, req SpawnRequest) (SessionInfo, error) {
	if req.Command == "" {
		return SessionInfo{}, errors.New("daemon.Spawn: command is required")
	}

	id := d.newID()
	sink := d.sink(ctx, id)

	metadata := map[string]string{}
	if req.ProjectPath != "" {
		metadata[wire.MetadataProjectPath] = req.ProjectPath
	}
	if req.ToolKind != "" {
		metadata[wire.MetadataToolKind] = req.ToolKind
	}

	var icptOpts []interceptor.Option
	if d.opts.ApprovalTimeout > 0 {
		icptOpts = append(icptOpts, interceptor.WithApprovalTimeout(d.opts.ApprovalTimeout))
	}

	proc, err := interceptor.Start(interceptor.ProcessOptions{
		SessionID: id,
		Command:   req.Command,
		Args:      req.Args,
		Dir:       req.ProjectPath,
		Env:       req.Env,
		Metadata:  metadata,
	}, sink, icptOpts...)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("daemon.Spawn: %w", err)
	}

	switcher := NewDeviceSwitcher(id, sink.Emit, func(device string) {
		d.registry.SetDevice(id, device)
	})
	s := &Session{id: id, proc: proc, switcher: switcher}

	now := d.now()
	info := SessionInfo{
		SessionID:      id,
		ProjectPath:    req.ProjectPath,
		ToolKind:       req.ToolKind,
		PID:            proc.PID(),
		Device:         switcher.Device(),
		StartedAt:      now,
		LastActivityAt: now,
	}

	d.mu.Lock()
	d.sessions[id] = s
	d.mu.Unlock()
	d.registry.Add(info)
	d.mgr.Register(id, s)
	d.mgr.RegisterSwitcher(id, switcher)

	go d.reap(s)

	log.Info().Str("session_id", id).Str("command", req.Command).Int("pid", info.PID).Msg("daemon: session started")
	return info, nil
}

func (d *Daemon) reap(s *Session) {
	<-s.Done()

	d.mgr.Unregister(s.id)
	d.registry.Remove(s.id)

	d.mu.Lock()
	delete(d.sessions, s.id)
	d.mu.Unlock()

	log.Info().Str("session_id", s.id).Msg("daemon: session ended")
}

// sink relays a session's events. Events emitted while offline are dropped.
func (d *Daemon) sink(ctx context.Context, sessionID string) interceptor.SinkFunc {
	base := context.WithoutCancel(ctx)
	return func(ev event.Event) {
		d.registry.Touch(sessionID, d.now())

		sendCtx, cancel := context.WithTimeout(base, d.opts.SendTimeout)
		defer cancel()

		err := d.mgr.Send(sendCtx, sessionID, event.New(sessionID, ev))
		if err != nil && !errors.Is(err, ErrNotConnected) {
			log.Warn().Err(err).Str("session_id", sessionID).Str("kind", string(ev.Kind())).Msg("daemon: relay event")
		}
	}
}

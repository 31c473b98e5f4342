package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// DefaultControlAddr is where the daemon listens for local tooling.
const DefaultControlAddr = "127.0.0.1:7421"

// ErrNotLoopback is returned when the control address is reachable from
// other hosts.
var ErrNotLoopback = errors.New("daemon: control address must be loopback") //nolint:gochecknoglobals // sentinel error

// Controller is what the control surface drives. *Daemon satisfies it.
type Controller interface {
	Status() Status
	Spawn(ctx context.Context, req SpawnRequest) (SessionInfo, error)
}

type EmptyInput struct{}

type StatusOutput struct {
	Body Status
}

type StopOutput struct {
	Body struct {
		Stopping bool `json:"stopping"`
	}
}

type SpawnInput struct {
	Body SpawnRequest
}

type SpawnOutput struct {
	Body SessionInfo
}

// RegisterControlRoutes mounts the control operations on api. stop is called
// asynchronously when a client requests shutdown.
func RegisterControlRoutes(api huma.API, ctl Controller, stop func()) {
	huma.Register(api, huma.Operation{
		OperationID: "daemon-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Report daemon state and running sessions",
		Tags:        []string{"Daemon"},
	}, func(_ context.Context, _ *EmptyInput) (*StatusOutput, error) {
		return &StatusOutput{Body: ctl.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "daemon-stop",
		Method:      http.MethodPost,
		Path:        "/stop",
		Summary:     "Stop the daemon and all sessions",
		Tags:        []string{"Daemon"},
	}, func(_ context.Context, _ *EmptyInput) (*StopOutput, error) {
		go stop()
		out := &StopOutput{}
		out.Body.Stopping = true
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "daemon-spawn-session",
		Method:      http.MethodPost,
		Path:        "/sessions",
		Summary:     "Spawn an agent session",
		Tags:        []string{"Daemon"},
	}, func(ctx context.Context, input *SpawnInput) (*SpawnOutput, error) {
		if input.Body.Command == "" {
			return nil, huma.Error400BadRequest("command is required")
		}
		info, err := ctl.Spawn(ctx, input.Body)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to spawn session", err)
		}
		return &SpawnOutput{Body: info}, nil
	})
}

// ControlServer serves the control surface on a loopback address.
type ControlServer struct {
	httpServer *http.Server
}

// NewControlServer builds the control server. addr must resolve to a
// loopback interface.
func NewControlServer(addr string, ctl Controller, stop func()) (*ControlServer, error) {
	if err := checkLoopback(addr); err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)

	cfg := huma.DefaultConfig("tether daemon", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)
	RegisterControlRoutes(api, ctl, stop)

	return &ControlServer{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Handler exposes the router for tests.
func (s *ControlServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until Shutdown is called.
func (s *ControlServer) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("daemon: control server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("daemon.ControlServer.Start: %w", err)
	}
	return nil
}

func (s *ControlServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("daemon.ControlServer.Shutdown: %w", err)
	}
	return nil
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("daemon.checkLoopback: %w", err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("daemon.checkLoopback: %q: %w", addr, ErrNotLoopback)
	}
	return nil
}

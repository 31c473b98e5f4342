// Package hub implements the relay hub: it authenticates daemon and client
// connections, partitions them into rooms, sequences and persists session
// events, and routes commands and approvals to the owning machine.
package hub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/tether/internal/auth"
	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/notify"
	"github.com/gosuda/tether/internal/wire"
)

const (
	defaultSendBuffer    = 256
	defaultIngressRate   = 50
	defaultIngressBurst  = 100
	defaultReadLimit     = 1 << 20
	defaultNotifyTimeout = 10 * time.Second
)

// UserNotifier sends out-of-band alerts to all of a user's devices.
type UserNotifier interface {
	NotifyUser(ctx context.Context, userID string, p notify.Payload) error
}

// Deps are the external collaborators the hub consumes.
type Deps struct {
	Verifier    auth.Verifier
	Sessions    domain.SessionRepository
	Approvals   domain.ApprovalRepository
	Keys        domain.KeyRepository
	Notifier    UserNotifier
	Broadcaster *Broadcaster
	Rooms       *Rooms
}

// Options tune connection handling. Zero values take defaults.
type Options struct {
	IngressRate    float64
	IngressBurst   int
	SendBuffer     int
	ReadLimit      int64
	OriginPatterns []string
	NotifyTimeout  time.Duration
}

// Hub serves relay websocket connections.
type Hub struct {
	verifier    auth.Verifier
	sessions    domain.SessionRepository
	approvals   domain.ApprovalRepository
	keys        domain.KeyRepository
	notifier    UserNotifier
	rooms       *Rooms
	broadcaster *Broadcaster
	sequencer   *Sequencer
	opts        Options
	now         func() time.Time

	mu    sync.Mutex
	conns map[*Conn]struct{}

	bg sync.WaitGroup
}

// New creates a hub. Rooms and Broadcaster are created when not supplied;
// Keys and Notifier may be nil, which disables payload inspection or
// out-of-band delivery respectively.
func New(deps Deps, opts Options) *Hub {
	if opts.IngressRate <= 0 {
		opts.IngressRate = defaultIngressRate
	}
	if opts.IngressBurst <= 0 {
		opts.IngressBurst = defaultIngressBurst
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}

	rooms := deps.Rooms
	if rooms == nil {
		rooms = NewRooms()
	}
	b := deps.Broadcaster
	if b == nil {
		b = NewBroadcaster(rooms, nil, "")
	}

	return &Hub{
		verifier:    deps.Verifier,
		sessions:    deps.Sessions,
		approvals:   deps.Approvals,
		keys:        deps.Keys,
		notifier:    deps.Notifier,
		rooms:       rooms,
		broadcaster: b,
		sequencer:   NewSequencer(),
		opts:        opts,
		now:         time.Now,
		conns:       make(map[*Conn]struct{}),
	}
}

// Rooms exposes the room index.
func (h *Hub) Rooms() *Rooms {
	return h.rooms
}

// ConnCount returns the number of live connections on this replica.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ServeRelay authenticates the handshake and then serves one relay
// connection until it closes. Authentication failures are rejected before
// the websocket upgrade.
func (h *Hub) ServeRelay(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	machineID := r.Header.Get(wire.HeaderMachineID)
	if machineID == "" {
		machineID = r.URL.Query().Get(wire.QueryMachineID)
	}

	if token == "" || machineID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		log.Debug().Err(err).Str("machine_id", machineID).Msg("hub: handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Relay connections outlive the server's request timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(h.opts.ReadLimit)

	c := newConn(ws, identity.UserID, machineID, h.opts.SendBuffer,
		rate.NewLimiter(rate.Limit(h.opts.IngressRate), h.opts.IngressBurst))

	h.register(c)
	defer h.unregister(c)

	log.Info().Str("conn_id", c.id).Str("user_id", c.userID).Str("machine_id", c.machineID).Msg("hub: connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		c.writeLoop(ctx)
		cancel()
	}()

	h.readLoop(ctx, c)

	log.Info().Str("conn_id", c.id).Str("user_id", c.userID).Msg("hub: connection closed")
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

// Close disconnects every connection and waits for background deliveries.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.conns {
		c.Close()
	}
	h.mu.Unlock()

	h.bg.Wait()
}

func (h *Hub) register(c *Conn) {
	h.rooms.Join(UserRoom(c.userID), c)
	h.rooms.Join(MachineRoom(c.userID, c.machineID), c)

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Conn) {
	c.Close()
	h.rooms.LeaveAll(c)

	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("hub: websocket read")
			}
			return
		}

		if !c.allow() {
			log.Warn().Str("conn_id", c.id).Str("user_id", c.userID).Msg("hub: ingress rate exceeded, frame dropped")
			continue
		}

		h.HandleFrame(ctx, c, data)
	}
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get(wire.QueryToken)
}

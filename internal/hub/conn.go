package hub

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const writeTimeout = 10 * time.Second

// Conn is one authenticated relay connection. It owns its room membership
// and an outbound queue drained by a single writer.
type Conn struct {
	id        string
	userID    string
	machineID string

	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool

	done chan struct{}
}

func newConn(ws *websocket.Conn, userID, machineID string, sendBuffer int, limiter *rate.Limiter) *Conn {
	return &Conn{
		id:        uuid.NewString(),
		userID:    userID,
		machineID: machineID,
		ws:        ws,
		send:      make(chan []byte, sendBuffer),
		limiter:   limiter,
		rooms:     make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string        { return c.id }
func (c *Conn) UserID() string    { return c.userID }
func (c *Conn) MachineID() string { return c.machineID }

// InRoom reports whether the connection has joined room.
func (c *Conn) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Enqueue queues a frame for delivery. A connection whose queue is full is
// too slow to keep ordered delivery and is closed; the client recovers by
// reconnecting and replaying from its last seq.
func (c *Conn) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		log.Warn().Str("conn_id", c.id).Str("user_id", c.userID).Msg("hub: send queue full, closing slow connection")
		c.closeLocked()
		return false
	}
}

// Close stops delivery. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Done is closed when the connection stops accepting frames.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Conn) addRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

func (c *Conn) removeRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

func (c *Conn) drainRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	clear(c.rooms)
	return out
}

// writeLoop drains the send queue until ctx ends or the connection closes.
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("hub: websocket write")
				c.Close()
				return
			}
		}
	}
}

package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Fanout carries broadcasts between hub replicas. Satisfied by
// *redis.PubSub from internal/store/redis.
type Fanout interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// remoteBroadcast is what replicas exchange over the fanout channel.
type remoteBroadcast struct {
	Instance string          `json:"instance"`
	Room     string          `json:"room"`
	Exclude  string          `json:"exclude,omitempty"`
	Frame    json.RawMessage `json:"frame"`
}

// Broadcaster delivers frames to every member of a room. With a Fanout it
// also forwards each broadcast to the other replicas, which deliver it to
// their own local members.
type Broadcaster struct {
	rooms    *Rooms
	fanout   Fanout
	channel  string
	instance string
}

// NewBroadcaster creates a broadcaster over rooms. fanout may be nil for a
// single replica deployment.
func NewBroadcaster(rooms *Rooms, fanout Fanout, channel string) *Broadcaster {
	return &Broadcaster{
		rooms:    rooms,
		fanout:   fanout,
		channel:  channel,
		instance: uuid.NewString(),
	}
}

// Instance identifies this replica on the fanout channel.
func (b *Broadcaster) Instance() string {
	return b.instance
}

// Broadcast sends frame to every member of room except the connection with
// id excludeConnID. It returns the number of local deliveries.
func (b *Broadcaster) Broadcast(ctx context.Context, room string, frame []byte, excludeConnID string) int {
	n := b.deliver(room, frame, excludeConnID)

	if b.fanout == nil {
		return n
	}

	payload, err := json.Marshal(remoteBroadcast{
		Instance: b.instance,
		Room:     room,
		Exclude:  excludeConnID,
		Frame:    frame,
	})
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("hub.Broadcaster: marshal fanout")
		return n
	}
	if err := b.fanout.Publish(ctx, b.channel, payload); err != nil {
		log.Error().Err(err).Str("room", room).Msg("hub.Broadcaster: publish fanout")
	}

	return n
}

// Run receives broadcasts from other replicas until ctx is done. It returns
// immediately when no fanout is configured.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.fanout == nil {
		return nil
	}

	messages, cleanup, err := b.fanout.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("hub.Broadcaster.Run: %w", err)
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.receive(msg)
		}
	}
}

func (b *Broadcaster) receive(msg []byte) {
	var rb remoteBroadcast
	if err := json.Unmarshal(msg, &rb); err != nil {
		log.Warn().Err(err).Msg("hub.Broadcaster: malformed fanout message")
		return
	}
	if rb.Instance == b.instance {
		return
	}
	b.deliver(rb.Room, rb.Frame, rb.Exclude)
}

func (b *Broadcaster) deliver(room string, frame []byte, excludeConnID string) int {
	n := 0
	for _, c := range b.rooms.Members(room) {
		if c.ID() == excludeConnID {
			continue
		}
		if c.Enqueue(frame) {
			n++
		}
	}
	return n
}

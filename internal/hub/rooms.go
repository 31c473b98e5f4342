package hub

import "sync"

// Room names. Machine ids are chosen by the client, so machine rooms are
// scoped to the owning user.
func UserRoom(userID string) string       { return "user:" + userID }
func SessionRoom(sessionID string) string { return "session:" + sessionID }

func MachineRoom(userID, machineID string) string {
	return "machine:" + userID + ":" + machineID
}

// Rooms is the hub-wide lookup index from room name to member connections.
// Each Conn owns its own membership set; Rooms mirrors it for delivery.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[*Conn]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{members: make(map[string]map[*Conn]struct{})}
}

// Join adds c to room in both the connection's set and the index.
func (r *Rooms) Join(room string, c *Conn) {
	if !c.addRoom(room) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[room]
	if !ok {
		set = make(map[*Conn]struct{})
		r.members[room] = set
	}
	set[c] = struct{}{}
}

// Leave removes c from room.
func (r *Rooms) Leave(room string, c *Conn) {
	if !c.removeRoom(room) {
		return
	}
	r.remove(room, c)
}

// LeaveAll removes c from every room it joined.
func (r *Rooms) LeaveAll(c *Conn) {
	for _, room := range c.drainRooms() {
		r.remove(room, c)
	}
}

// Members returns a snapshot of the connections in room.
func (r *Rooms) Members(room string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[room]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Rooms) remove(room string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[room]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.members, room)
	}
}

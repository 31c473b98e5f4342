package daemon

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// SessionInfo is the daemon's view of one running session.
type SessionInfo struct {
	SessionID      string    `json:"sessionId"`
	ProjectPath    string    `json:"projectPath,omitempty"`
	ToolKind       string    `json:"toolKind,omitempty"`
	PID            int       `json:"pid"`
	Device         string    `json:"device"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Registry mirrors the sessions this daemon is running.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]SessionInfo
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]SessionInfo)}
}

// Add records or replaces a session.
func (r *Registry) Add(info SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[info.SessionID] = info
}

// Remove forgets a session. Unknown ids are ignored.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Registry) Get(sessionID string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sessions[sessionID]
	return info, ok
}

// Touch records activity on a session.
func (r *Registry) Touch(sessionID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[sessionID]; ok {
		info.LastActivityAt = at
		r.sessions[sessionID] = info
	}
}

// SetDevice records which device drives a session.
func (r *Registry) SetDevice(sessionID, device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[sessionID]; ok {
		info.Device = device
		r.sessions[sessionID] = info
	}
}

// List returns all sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, info)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

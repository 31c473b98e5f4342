// Package memory provides in-process repositories with the same semantics
// as the postgres store. Used by tests and by the hub when no database DSN
// is configured.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/secrets"
)

type Store struct {
	sessions  *SessionRepo
	approvals *ApprovalRepo
	devices   *DeviceRepo
	keys      *SealedKeyRepo
}

func New() *Store {
	return &Store{
		sessions:  NewSessionRepo(),
		approvals: NewApprovalRepo(),
		devices:   NewDeviceRepo(),
		keys:      NewSealedKeyRepo(),
	}
}

func (s *Store) Sessions() domain.SessionRepository   { return s.sessions }
func (s *Store) Approvals() domain.ApprovalRepository { return s.approvals }
func (s *Store) Devices() domain.DeviceRepository     { return s.devices }
func (s *Store) SealedKeys() secrets.SealedKeyRepository {
	return s.keys
}

type SessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	messages map[string][]*domain.Message
	now      func() time.Time
}

func NewSessionRepo() *SessionRepo {
	return &SessionRepo{
		sessions: make(map[string]*domain.Session),
		messages: make(map[string][]*domain.Message),
		now:      time.Now,
	}
}

func (r *SessionRepo) Create(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("memory.SessionRepo.Create: %w", domain.ErrConflict)
	}

	s.Seq = 0
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	s.LastActivityAt = s.CreatedAt

	stored := *s
	r.sessions[s.ID] = &stored

	return nil
}

func (r *SessionRepo) GetByID(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("memory.SessionRepo.GetByID: %w", domain.ErrNotFound)
	}
	cp := *s

	return &cp, nil
}

func (r *SessionRepo) ListByUser(_ context.Context, userID string, limit int) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Session) int {
		return b.LastActivityAt.Compare(a.LastActivityAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *SessionRepo) UpdateInfo(_ context.Context, id, projectPath, toolKind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("memory.SessionRepo.UpdateInfo: %w", domain.ErrNotFound)
	}
	s.ProjectPath = projectPath
	s.ToolKind = toolKind

	return nil
}

func (r *SessionRepo) AppendMessage(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[msg.SessionID]
	if !ok {
		return fmt.Errorf("memory.SessionRepo.AppendMessage: %w", domain.ErrNotFound)
	}

	s.Seq++
	s.LastActivityAt = r.now()

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.Seq = s.Seq
	msg.CreatedAt = s.LastActivityAt

	stored := *msg
	r.messages[msg.SessionID] = append(r.messages[msg.SessionID], &stored)

	return nil
}

func (r *SessionRepo) ListMessages(_ context.Context, sessionID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.messages[sessionID]
	start, _ := slices.BinarySearchFunc(msgs, afterSeq+1, func(m *domain.Message, seq int64) int {
		return cmp.Compare(m.Seq, seq)
	})

	var out []*domain.Message
	for _, m := range msgs[start:] {
		if limit > 0 && len(out) == limit {
			break
		}
		cp := *m
		out = append(out, &cp)
	}

	return out, nil
}

type ApprovalRepo struct {
	mu        sync.Mutex
	approvals map[string]*domain.ApprovalRequest
}

func NewApprovalRepo() *ApprovalRepo {
	return &ApprovalRepo{approvals: make(map[string]*domain.ApprovalRequest)}
}

func (r *ApprovalRepo) Create(_ context.Context, a *domain.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.approvals[a.RequestID]; ok {
		return nil
	}
	stored := *a
	r.approvals[a.RequestID] = &stored

	return nil
}

func (r *ApprovalRepo) GetByID(_ context.Context, requestID string) (*domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.approvals[requestID]
	if !ok {
		return nil, fmt.Errorf("memory.ApprovalRepo.GetByID: %w", domain.ErrNotFound)
	}
	cp := *a

	return &cp, nil
}

func (r *ApprovalRepo) Respond(_ context.Context, requestID, userID string, approved bool) (*domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.approvals[requestID]
	if !ok || a.UserID != userID {
		return nil, fmt.Errorf("memory.ApprovalRepo.Respond: %w", domain.ErrNotFound)
	}

	now := time.Now()
	a.Approved = &approved
	a.RespondedAt = &now
	cp := *a

	return &cp, nil
}

type DeviceRepo struct {
	mu      sync.Mutex
	devices []*domain.Device
}

func NewDeviceRepo() *DeviceRepo {
	return &DeviceRepo{}
}

func (r *DeviceRepo) Register(_ context.Context, d *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.devices {
		if existing.UserID == d.UserID && existing.Platform == d.Platform && existing.Token == d.Token {
			existing.Name = d.Name
			d.ID = existing.ID
			d.CreatedAt = existing.CreatedAt
			return nil
		}
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	stored := *d
	r.devices = append(r.devices, &stored)

	return nil
}

func (r *DeviceRepo) ListByUser(_ context.Context, userID string) ([]*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Device
	for _, d := range r.devices {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}

	return out, nil
}

func (r *DeviceRepo) Delete(_ context.Context, userID string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.devices {
		if d.UserID == userID && d.ID == id {
			r.devices = slices.Delete(r.devices, i, i+1)
			return nil
		}
	}

	return fmt.Errorf("memory.DeviceRepo.Delete: %w", domain.ErrNotFound)
}

// SealedKeyRepo implements secrets.SealedKeyRepository.
type SealedKeyRepo struct {
	mu   sync.Mutex
	keys map[string]string
}

func NewSealedKeyRepo() *SealedKeyRepo {
	return &SealedKeyRepo{keys: make(map[string]string)}
}

func (r *SealedKeyRepo) GetSealedKey(_ context.Context, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sealed, ok := r.keys[userID]
	if !ok {
		return "", fmt.Errorf("memory.SealedKeyRepo.GetSealedKey: %w", domain.ErrNotFound)
	}

	return sealed, nil
}

func (r *SealedKeyRepo) PutSealedKey(_ context.Context, userID, sealed string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys[userID] = sealed

	return nil
}

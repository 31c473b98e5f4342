package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session is one intercepted agent run as persisted by the hub. ID is chosen
// by the daemon; Seq is the last sequence number assigned to a message.
type Session struct {
	ID             string
	UserID         string
	MachineID      string
	ProjectPath    string
	ToolKind       string
	Seq            int64
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// OwnedBy reports whether userID owns the session.
func (s *Session) OwnedBy(userID string) bool {
	return s != nil && userID != "" && s.UserID == userID
}

// Message is one sealed event stored against a session. Content is the
// encrypted payload exactly as received.
type Message struct {
	ID        uuid.UUID
	SessionID string
	Seq       int64
	Content   string
	CreatedAt time.Time
}

type SessionRepository interface {
	// Create inserts a new session. Returns ErrConflict if the id is taken.
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error)
	UpdateInfo(ctx context.Context, id, projectPath, toolKind string) error

	// AppendMessage advances the session's seq by one and stores msg under
	// the new value in a single atomic step. msg.Seq, msg.ID and
	// msg.CreatedAt are filled in on success.
	AppendMessage(ctx context.Context, msg *Message) error
	// ListMessages returns messages with seq > afterSeq in ascending order.
	ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*Message, error)
}

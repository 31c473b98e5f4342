package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/server/middleware"
)

// Session is the REST view of a relayed session.
type Session struct {
	ID             string    `json:"id" doc:"Session ID chosen by the daemon"`
	MachineID      string    `json:"machineId" doc:"Machine that owns the agent process"`
	ProjectPath    string    `json:"projectPath,omitempty" doc:"Working directory of the agent"`
	ToolKind       string    `json:"toolKind,omitempty" doc:"Kind of coding agent"`
	Seq            int64     `json:"seq" doc:"Last assigned message sequence number"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Message is one sealed event as persisted by the hub. Content is opaque
// to the hub and decrypted by the client.
type Message struct {
	Seq       int64     `json:"seq"`
	Content   string    `json:"content" doc:"Sealed envelope, base64"`
	CreatedAt time.Time `json:"createdAt"`
}

type ListSessionsInput struct {
	Limit int `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Maximum number of sessions"`
}

type ListSessionsOutput struct {
	Body []Session
}

type GetSessionInput struct {
	ID string `path:"id" doc:"Session ID"`
}

type GetSessionOutput struct {
	Body Session
}

type ListMessagesInput struct {
	ID    string `path:"id" doc:"Session ID"`
	After int64  `query:"after" minimum:"0" doc:"Return messages with seq greater than this"`
	Limit int    `query:"limit" minimum:"1" maximum:"1000" default:"100" doc:"Maximum number of messages"`
}

type ListMessagesOutput struct {
	Body []Message
}

func RegisterSessionRoutes(api huma.API, store DataStore) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List the caller's sessions, most recently active first",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ListSessionsInput) (*ListSessionsOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing user context")
		}

		sessions, err := store.Sessions().ListByUser(ctx, userID, input.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list sessions", err)
		}

		out := make([]Session, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, toSession(s))
		}
		return &ListSessionsOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session by ID",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
		s, err := ownedSession(ctx, store, input.ID)
		if err != nil {
			return nil, err
		}
		return &GetSessionOutput{Body: toSession(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-messages",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/messages",
		Summary:     "Replay a session's messages after a sequence number",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ListMessagesInput) (*ListMessagesOutput, error) {
		if _, err := ownedSession(ctx, store, input.ID); err != nil {
			return nil, err
		}

		msgs, err := store.Sessions().ListMessages(ctx, input.ID, input.After, input.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list messages", err)
		}

		out := make([]Message, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, Message{Seq: m.Seq, Content: m.Content, CreatedAt: m.CreatedAt})
		}
		return &ListMessagesOutput{Body: out}, nil
	})
}

// ownedSession loads a session the caller owns. Sessions owned by someone
// else are reported as not found so ids cannot be enumerated.
func ownedSession(ctx context.Context, store DataStore, id string) (*domain.Session, error) {
	userID, ok := middleware.UserIDFromContext(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("missing user context")
	}

	s, err := store.Sessions().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, huma.Error404NotFound("session not found")
		}
		return nil, huma.Error500InternalServerError("failed to get session", err)
	}
	if !s.OwnedBy(userID) {
		return nil, huma.Error404NotFound("session not found")
	}
	return s, nil
}

func toSession(s *domain.Session) Session {
	return Session{
		ID:             s.ID,
		MachineID:      s.MachineID,
		ProjectPath:    s.ProjectPath,
		ToolKind:       s.ToolKind,
		Seq:            s.Seq,
		LastActivityAt: s.LastActivityAt,
		CreatedAt:      s.CreatedAt,
	}
}

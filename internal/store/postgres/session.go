package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tether/internal/domain"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, machine_id, project_path, tool_kind, seq, last_activity_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.UserID, s.MachineID, s.ProjectPath, s.ToolKind, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.Create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionRepo.Create: %w", domain.ErrConflict)
	}

	s.Seq = 0
	s.LastActivityAt = s.CreatedAt

	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session

	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, machine_id, project_path, tool_kind, seq, last_activity_at, created_at
		 FROM sessions WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.UserID, &s.MachineID, &s.ProjectPath, &s.ToolKind, &s.Seq, &s.LastActivityAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sessionRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.GetByID: %w", err)
	}

	return &s, nil
}

func (r *SessionRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, machine_id, project_path, tool_kind, seq, last_activity_at, created_at
		 FROM sessions WHERE user_id = $1
		 ORDER BY last_activity_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.ListByUser: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		var s domain.Session

		err = rows.Scan(&s.ID, &s.UserID, &s.MachineID, &s.ProjectPath, &s.ToolKind, &s.Seq, &s.LastActivityAt, &s.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("sessionRepo.ListByUser: scan: %w", err)
		}
		sessions = append(sessions, &s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionRepo.ListByUser: rows: %w", err)
	}

	return sessions, nil
}

func (r *SessionRepo) UpdateInfo(ctx context.Context, id, projectPath, toolKind string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET project_path = $1, tool_kind = $2 WHERE id = $3`,
		projectPath, toolKind, id,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpdateInfo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionRepo.UpdateInfo: %w", domain.ErrNotFound)
	}

	return nil
}

// AppendMessage increments seq and inserts the message in one transaction.
// The UPDATE takes the session row lock, so concurrent appends for the same
// session are serialized by the database as well as by the caller.
func (r *SessionRepo) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE sessions SET seq = seq + 1, last_activity_at = now()
			 WHERE id = $1
			 RETURNING seq, last_activity_at`,
			msg.SessionID,
		).Scan(&msg.Seq, &msg.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("advance seq: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO session_messages (id, session_id, seq, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			msg.ID, msg.SessionID, msg.Seq, msg.Content, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("sessionRepo.AppendMessage: %w", err)
	}

	return nil
}

func (r *SessionRepo) ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, seq, content, created_at
		 FROM session_messages WHERE session_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.ListMessages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var m domain.Message

		err = rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Content, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("sessionRepo.ListMessages: scan: %w", err)
		}
		messages = append(messages, &m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionRepo.ListMessages: rows: %w", err)
	}

	return messages, nil
}

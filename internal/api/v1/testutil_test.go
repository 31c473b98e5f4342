package v1_test

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Context helpers: inject the authenticated user for DoCtx
// ---------------------------------------------------------------------------

func userCtx(userID string) context.Context {
	return middleware.WithUserID(context.Background(), userID)
}

// ---------------------------------------------------------------------------
// Mock DataStore
// ---------------------------------------------------------------------------

type mockDataStore struct {
	sessions  domain.SessionRepository
	approvals domain.ApprovalRepository
	devices   domain.DeviceRepository
}

func (m *mockDataStore) Sessions() domain.SessionRepository   { return m.sessions }
func (m *mockDataStore) Approvals() domain.ApprovalRepository { return m.approvals }
func (m *mockDataStore) Devices() domain.DeviceRepository     { return m.devices }

// ---------------------------------------------------------------------------
// Mock SessionRepository
// ---------------------------------------------------------------------------

type mockSessionRepo struct {
	getByIDFunc      func(ctx context.Context, id string) (*domain.Session, error)
	listByUserFunc   func(ctx context.Context, userID string, limit int) ([]*domain.Session, error)
	listMessagesFunc func(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*domain.Message, error)
}

func (m *mockSessionRepo) Create(_ context.Context, _ *domain.Session) error {
	panic("unexpected call to Create")
}

func (m *mockSessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockSessionRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	return m.listByUserFunc(ctx, userID, limit)
}

func (m *mockSessionRepo) UpdateInfo(_ context.Context, _, _, _ string) error {
	panic("unexpected call to UpdateInfo")
}

func (m *mockSessionRepo) AppendMessage(_ context.Context, _ *domain.Message) error {
	panic("unexpected call to AppendMessage")
}

func (m *mockSessionRepo) ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	return m.listMessagesFunc(ctx, sessionID, afterSeq, limit)
}

// ---------------------------------------------------------------------------
// Mock ApprovalRepository
// ---------------------------------------------------------------------------

type mockApprovalRepo struct {
	getByIDFunc func(ctx context.Context, requestID string) (*domain.ApprovalRequest, error)
}

func (m *mockApprovalRepo) Create(_ context.Context, _ *domain.ApprovalRequest) error {
	panic("unexpected call to Create")
}

func (m *mockApprovalRepo) GetByID(ctx context.Context, requestID string) (*domain.ApprovalRequest, error) {
	return m.getByIDFunc(ctx, requestID)
}

func (m *mockApprovalRepo) Respond(_ context.Context, _, _ string, _ bool) (*domain.ApprovalRequest, error) {
	panic("unexpected call to Respond")
}

// ---------------------------------------------------------------------------
// Mock DeviceRepository
// ---------------------------------------------------------------------------

type mockDeviceRepo struct {
	registerFunc   func(ctx context.Context, d *domain.Device) error
	listByUserFunc func(ctx context.Context, userID string) ([]*domain.Device, error)
	deleteFunc     func(ctx context.Context, userID string, id uuid.UUID) error
}

func (m *mockDeviceRepo) Register(ctx context.Context, d *domain.Device) error {
	return m.registerFunc(ctx, d)
}

func (m *mockDeviceRepo) ListByUser(ctx context.Context, userID string) ([]*domain.Device, error) {
	return m.listByUserFunc(ctx, userID)
}

func (m *mockDeviceRepo) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	return m.deleteFunc(ctx, userID, id)
}

package v1

import (
	"github.com/gosuda/tether/internal/domain"
)

// DataStore abstracts the repository accessor pattern for handler testing.
// *postgres.Store and *memory.Store satisfy this interface.
type DataStore interface {
	Sessions() domain.SessionRepository
	Approvals() domain.ApprovalRepository
	Devices() domain.DeviceRepository
}

package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/ringforge/ringforge/pkg/log"
	"github.com/ringforge/ringforge/pkg/storage"
	"github.com/ringforge/ringforge/pkg/types"
)

// RetentionDays is how long audit records are kept.
const RetentionDays = 365

// Sink receives security-relevant records. Recording is best-effort:
// a sink failure never fails the action being audited.
type Sink interface {
	Record(tenantID string, action types.AuditAction, actorID string, detail map[string]string)
}

// StoreSink persists audit records in the metadata store.
type StoreSink struct {
	store storage.Store
}

// NewStoreSink creates a store-backed sink.
func NewStoreSink(store storage.Store) *StoreSink {
	return &StoreSink{store: store}
}

// Record appends one audit record.
func (s *StoreSink) Record(tenantID string, action types.AuditAction, actorID string, detail map[string]string) {
	rec := &types.AuditRecord{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Action:    action,
		ActorID:   actorID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendAudit(rec); err != nil {
		logger := log.WithComponent("audit")
		logger.Error().Err(err).Str("action", string(action)).Msg("audit append failed")
	}
}

// List returns a tenant's records since the given instant.
func (s *StoreSink) List(tenantID string, since time.Time) ([]*types.AuditRecord, error) {
	return s.store.ListAudit(tenantID, since)
}

// Prune drops records past retention.
func (s *StoreSink) Prune() error {
	return s.store.PruneAudit(time.Now().AddDate(0, 0, -RetentionDays))
}

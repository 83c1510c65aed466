package limits

import (
	"sync"
	"time"

	"github.com/ringforge/ringforge/pkg/config"
	"github.com/ringforge/ringforge/pkg/metrics"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
)

// Quota counter names, used in rejections and metrics labels.
const (
	CounterAgents   = "agents"
	CounterMessages = "messages"
	CounterMemory   = "memory_entries"
	CounterFleets   = "fleets"
	CounterStorage  = "storage_bytes"
)

// QuotaManager enforces per-plan quotas. Gauges (agents, memory entries,
// fleets, storage) are compared against live readings supplied by the
// caller; the daily message counter is owned here and resets at midnight
// UTC.
type QuotaManager struct {
	cfg *config.Config

	mu       sync.Mutex
	messages map[string]*dayCounter // tenant id
}

type dayCounter struct {
	day   string // UTC date, 2006-01-02
	count int64
}

// NewQuotaManager creates the quota manager.
func NewQuotaManager(cfg *config.Config) *QuotaManager {
	return &QuotaManager{cfg: cfg, messages: make(map[string]*dayCounter)}
}

// CheckMessage counts one message against the tenant's daily budget.
// Returns warn=true from 80% of the budget onward. At the hard limit the
// message is rejected and not counted.
func (q *QuotaManager) CheckMessage(tenant *types.Tenant) (warn bool, err error) {
	limit := q.cfg.PlanQuota(tenant.Plan).MessagesPerDay
	today := time.Now().UTC().Format("2006-01-02")

	q.mu.Lock()
	defer q.mu.Unlock()
	dc := q.messages[tenant.ID]
	if dc == nil || dc.day != today {
		dc = &dayCounter{day: today}
		q.messages[tenant.ID] = dc
	}
	if dc.count >= limit {
		metrics.QuotaRejectedTotal.WithLabelValues(CounterMessages).Inc()
		return false, protocol.NewError(protocol.CodeQuotaExceeded, "daily message quota exhausted")
	}
	dc.count++
	return dc.count*5 >= limit*4, nil
}

// MessagesToday returns the tenant's message count for the current UTC day.
func (q *QuotaManager) MessagesToday(tenantID string) int64 {
	today := time.Now().UTC().Format("2006-01-02")
	q.mu.Lock()
	defer q.mu.Unlock()
	if dc := q.messages[tenantID]; dc != nil && dc.day == today {
		return dc.count
	}
	return 0
}

// CheckAgents gates a new session against the concurrent-agent cap.
// current is the tenant's live agent count before the new session.
func (q *QuotaManager) CheckAgents(tenant *types.Tenant, current int) error {
	limit := q.cfg.PlanQuota(tenant.Plan).MaxAgents
	if current >= limit {
		metrics.QuotaRejectedTotal.WithLabelValues(CounterAgents).Inc()
		return protocol.NewError(protocol.CodeFleetFull, "concurrent agent quota exhausted")
	}
	return nil
}

// CheckMemoryEntries gates a new memory key. Upserts of existing keys
// pass current < limit trivially since they add no entry.
func (q *QuotaManager) CheckMemoryEntries(tenant *types.Tenant, current int) (warn bool, err error) {
	limit := q.cfg.PlanQuota(tenant.Plan).MaxMemoryEntries
	if current >= limit {
		metrics.QuotaRejectedTotal.WithLabelValues(CounterMemory).Inc()
		return false, protocol.NewError(protocol.CodeQuotaExceeded, "memory entry quota exhausted")
	}
	return (current+1)*5 >= limit*4, nil
}

// CheckStorage gates added stored bytes against the plan's cap.
func (q *QuotaManager) CheckStorage(tenant *types.Tenant, current, adding int64) (warn bool, err error) {
	limit := q.cfg.PlanQuota(tenant.Plan).MaxStorageBytes
	if current+adding > limit {
		metrics.QuotaRejectedTotal.WithLabelValues(CounterStorage).Inc()
		return false, protocol.NewError(protocol.CodeQuotaExceeded, "storage quota exhausted")
	}
	return (current+adding)*5 >= limit*4, nil
}

// CheckFleets gates fleet creation.
func (q *QuotaManager) CheckFleets(tenant *types.Tenant, current int) error {
	limit := q.cfg.PlanQuota(tenant.Plan).MaxFleets
	if current >= limit {
		metrics.QuotaRejectedTotal.WithLabelValues(CounterFleets).Inc()
		return protocol.NewError(protocol.CodeQuotaExceeded, "fleet quota exhausted")
	}
	return nil
}

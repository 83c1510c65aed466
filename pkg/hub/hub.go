package hub

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ringforge/ringforge/pkg/audit"
	"github.com/ringforge/ringforge/pkg/auth"
	"github.com/ringforge/ringforge/pkg/blob"
	"github.com/ringforge/ringforge/pkg/bus"
	"github.com/ringforge/ringforge/pkg/config"
	"github.com/ringforge/ringforge/pkg/eventlog"
	"github.com/ringforge/ringforge/pkg/gateway"
	"github.com/ringforge/ringforge/pkg/limits"
	"github.com/ringforge/ringforge/pkg/log"
	"github.com/ringforge/ringforge/pkg/memory"
	"github.com/ringforge/ringforge/pkg/messaging"
	"github.com/ringforge/ringforge/pkg/presence"
	"github.com/ringforge/ringforge/pkg/replay"
	"github.com/ringforge/ringforge/pkg/storage"
	"github.com/ringforge/ringforge/pkg/tasks"
	"github.com/ringforge/ringforge/pkg/types"
)

// Hub wires every component together: store, event log, bus, presence,
// memory, messaging, tasks, replay, gates, and the gateway. One Hub per
// process.
type Hub struct {
	cfg *config.Config

	store     storage.Store
	elog      eventlog.Log
	router    *bus.Router
	presence  *presence.Index
	memory    *memory.Service
	messaging *messaging.Service
	tasks     *tasks.Router
	replays   *replay.Engine
	quotas    *limits.QuotaManager
	rates     *limits.RateLimiter
	idem      *limits.IdempotencyCache
	authn     *auth.Authenticator
	audits    *audit.StoreSink
	blobs     blob.Signer
	gateway   *gateway.Gateway

	msgMu     sync.Mutex
	msgCounts map[string]int64 // tenant/fleet/agent -> gated messages this session epoch

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a hub from configuration, opening the data files under
// cfg.DataDir and rebuilding the memory projections from the log.
func New(cfg *config.Config) (*Hub, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	elog, err := eventlog.NewBoltLog(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}

	h := &Hub{
		cfg:       cfg,
		store:     store,
		elog:      elog,
		router:    bus.NewRouter(),
		msgCounts: make(map[string]int64),
		stopCh:    make(chan struct{}),
	}

	h.presence = presence.NewIndex(
		time.Duration(cfg.Presence.SweepSeconds)*time.Second,
		time.Duration(cfg.Presence.StaleSeconds)*time.Second,
		h.onPresenceExpired,
	)
	h.memory = memory.NewService(elog, h.router, time.Minute)
	h.messaging = messaging.NewService(elog, h.router, h.presence,
		cfg.Messaging.QueueLimit,
		time.Duration(cfg.Messaging.QueueTTLSeconds)*time.Second)
	h.tasks = tasks.NewRouter(elog, h.router, h.presence,
		time.Duration(cfg.Tasks.ClaimGraceSeconds)*time.Second,
		time.Duration(cfg.Tasks.DefaultTTLSeconds)*time.Second)
	h.replays = replay.NewEngine(elog,
		cfg.Replay.ItemsPerSecond, cfg.Replay.DefaultLimit, cfg.Replay.MaxLimit)
	h.quotas = limits.NewQuotaManager(cfg)
	h.rates = limits.NewRateLimiter(time.Duration(cfg.Limits.WindowSeconds) * time.Second)
	h.idem = limits.NewIdempotencyCache(cfg.Limits.IdempotencyCacheSize,
		time.Duration(cfg.Limits.IdempotencyTTLSeconds)*time.Second)
	h.authn = auth.New(store)
	h.audits = audit.NewStoreSink(store)
	h.blobs = blob.NewHMACSigner(cfg.BlobSecret, cfg.BlobBaseURL)
	h.gateway = gateway.New(cfg.Gateway, h, h.router, h.replays, h.rates, h.idem)

	if err := h.rebuildMemory(); err != nil {
		h.closeStores()
		return nil, fmt.Errorf("rebuild memory projections: %w", err)
	}
	return h, nil
}

// Gateway returns the session plane handler.
func (h *Hub) Gateway() http.Handler { return h.gateway }

// Store returns the metadata store (control plane surface).
func (h *Hub) Store() storage.Store { return h.store }

// Authn returns the key authenticator (control plane surface).
func (h *Hub) Authn() *auth.Authenticator { return h.authn }

// Audits returns the audit sink.
func (h *Hub) Audits() *audit.StoreSink { return h.audits }

// Presence returns the presence index.
func (h *Hub) Presence() *presence.Index { return h.presence }

// Memory returns the shared memory service.
func (h *Hub) Memory() *memory.Service { return h.memory }

// Quotas returns the quota manager.
func (h *Hub) Quotas() *limits.QuotaManager { return h.quotas }

// Rates returns the rate limiter.
func (h *Hub) Rates() *limits.RateLimiter { return h.rates }

// Config returns the hub configuration.
func (h *Hub) Config() *config.Config { return h.cfg }

// Tasks returns the task router.
func (h *Hub) Tasks() *tasks.Router { return h.tasks }

// Start launches the sweepers and maintenance loops.
func (h *Hub) Start() {
	h.presence.Start()
	h.memory.Start()
	h.messaging.Start()

	h.wg.Add(1)
	go h.maintenance()
	logger := log.WithComponent("hub")
	logger.Info().Msg("hub started")
}

// Stop shuts everything down. Live sessions are closed by their listener.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
	h.presence.Stop()
	h.memory.Stop()
	h.messaging.Stop()
	h.tasks.Stop()
	h.closeStores()
	logger := log.WithComponent("hub")
	logger.Info().Msg("hub stopped")
}

func (h *Hub) closeStores() {
	h.elog.Close()
	h.store.Close()
}

// rebuildMemory replays every fleet's compacted memory projection into
// the hot maps before any session is accepted.
func (h *Hub) rebuildMemory() error {
	tenants, err := h.store.ListTenants()
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		fleets, err := h.store.ListFleets(tenant.ID)
		if err != nil {
			return err
		}
		for _, fleet := range fleets {
			if err := h.memory.Rebuild(tenant.ID, fleet.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// maintenance runs retention compaction hourly and audit pruning daily.
func (h *Hub) maintenance() {
	defer h.wg.Done()
	logger := log.WithComponent("hub")
	compact := time.NewTicker(time.Hour)
	prune := time.NewTicker(24 * time.Hour)
	defer compact.Stop()
	defer prune.Stop()

	for {
		select {
		case <-compact.C:
			h.compactLogs()
		case <-prune.C:
			if err := h.audits.Prune(); err != nil {
				logger.Error().Err(err).Msg("audit prune failed")
			}
		case <-h.stopCh:
			return
		}
	}
}

// compactLogs enforces each plan's event log retention.
func (h *Hub) compactLogs() {
	logger := log.WithComponent("hub")
	tenants, err := h.store.ListTenants()
	if err != nil {
		logger.Error().Err(err).Msg("list tenants for compaction")
		return
	}
	for _, tenant := range tenants {
		before := time.Now().Add(-h.cfg.Retention(tenant.Plan))
		fleets, err := h.store.ListFleets(tenant.ID)
		if err != nil {
			continue
		}
		for _, fleet := range fleets {
			if err := h.elog.Compact(tenant.ID, fleet.ID, before); err != nil {
				logger.Error().Err(err).
					Str("tenant_id", tenant.ID).
					Str("fleet_id", fleet.ID).
					Msg("compaction failed")
			}
		}
	}
}

// emit appends a state-changing event to the log, then fans it out. The
// append assigns id, position, and the monotonic timestamp; a failed
// append means nothing is published.
func (h *Hub) emit(e *types.Event) error {
	if _, err := h.elog.Append(e); err != nil {
		return err
	}
	h.router.Publish(e)
	return nil
}

// onPresenceExpired is the sweeper callback for stale heartbeats.
func (h *Hub) onPresenceExpired(tenantID, fleetID string, entry *types.PresenceEntry) {
	h.emit(&types.Event{
		TenantID: tenantID,
		FleetID:  fleetID,
		AgentID:  entry.AgentID,
		Kind:     types.EventLeft,
		Payload:  map[string]any{"agent_name": entry.Name, "reason": "heartbeat_timeout"},
	})
	h.tasks.OnPresenceChange(tenantID, fleetID)
}

// KickAgent force-disconnects an agent's live sessions. The gateway
// reacts to the security event; the log keeps the trace.
func (h *Hub) KickAgent(tenantID, fleetID, agentID, byKeyID string) error {
	err := h.emit(&types.Event{
		TenantID: tenantID,
		FleetID:  fleetID,
		AgentID:  agentID,
		Kind:     types.EventSecurity,
		Scope:    types.Scope{Kind: types.ScopeDirect, AgentID: agentID},
		Payload:  map[string]any{"action": "kick"},
	})
	if err != nil {
		return err
	}
	h.audits.Record(tenantID, types.AuditAgentKicked, byKeyID, map[string]string{"agent": agentID})
	return nil
}

// DeleteFleet cascades a fleet deletion across every component.
func (h *Hub) DeleteFleet(tenantID, fleetID string) error {
	if err := h.store.DeleteFleet(tenantID, fleetID); err != nil {
		return err
	}
	h.memory.DropFleet(tenantID, fleetID)
	return h.elog.DropFleet(tenantID, fleetID)
}

// DeleteTenant cascades a tenant deletion: fleets first (logs and hot
// maps included), then the tenant's own rows.
func (h *Hub) DeleteTenant(tenantID string) error {
	fleets, err := h.store.ListFleets(tenantID)
	if err != nil {
		return err
	}
	for _, fleet := range fleets {
		h.memory.DropFleet(tenantID, fleet.ID)
		if err := h.elog.DropFleet(tenantID, fleet.ID); err != nil {
			return err
		}
	}
	return h.store.DeleteTenant(tenantID)
}

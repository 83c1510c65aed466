package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/ringforge/ringforge/pkg/log"
	"github.com/ringforge/ringforge/pkg/metrics"
	"github.com/ringforge/ringforge/pkg/types"
)

// Index is the in-memory presence map, keyed (tenant, fleet) then agent.
// An entry exists iff an authenticated session exists; offline is the
// absence of an entry. The index is a cache — it is empty on boot and
// rebuilt by agents reconnecting.
type Index struct {
	mu       sync.RWMutex
	fleets   map[string]map[string]*types.PresenceEntry
	sessions map[string]int // tenant/fleet/agent -> live session count

	sweepEvery time.Duration
	staleAfter time.Duration
	onExpire   func(tenantID, fleetID string, entry *types.PresenceEntry)
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewIndex creates a presence index. onExpire is invoked (outside the
// index lock) for entries removed by the sweeper so the owner can emit
// the left event.
func NewIndex(sweepEvery, staleAfter time.Duration, onExpire func(tenantID, fleetID string, entry *types.PresenceEntry)) *Index {
	return &Index{
		fleets:     make(map[string]map[string]*types.PresenceEntry),
		sessions:   make(map[string]int),
		sweepEvery: sweepEvery,
		staleAfter: staleAfter,
		onExpire:   onExpire,
		stopCh:     make(chan struct{}),
	}
}

func fleetKey(tenantID, fleetID string) string {
	return tenantID + "/" + fleetID
}

// Start begins the stale-entry sweeper.
func (i *Index) Start() {
	go i.run()
}

// Stop stops the sweeper.
func (i *Index) Stop() {
	i.stopOnce.Do(func() { close(i.stopCh) })
}

// Join registers a live session for the agent. An agent may hold several
// sessions; the entry lives until the last one leaves. Returns true when
// this session took the agent from offline to online.
func (i *Index) Join(tenantID, fleetID string, entry *types.PresenceEntry) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := fleetKey(tenantID, fleetID)
	fleet := i.fleets[key]
	if fleet == nil {
		fleet = make(map[string]*types.PresenceEntry)
		i.fleets[key] = fleet
	}
	skey := key + "/" + entry.AgentID
	if existing, ok := fleet[entry.AgentID]; ok {
		// Additional session for an already-online agent. Live state
		// (presence, task, load) survives; identity fields refresh.
		i.sessions[skey]++
		existing.Name = entry.Name
		if len(entry.Capabilities) > 0 {
			existing.Capabilities = entry.Capabilities
		}
		existing.LastHeartbeat = time.Now()
		return false
	}
	metrics.AgentsOnline.Inc()
	entry.LastHeartbeat = time.Now()
	fleet[entry.AgentID] = entry
	i.sessions[skey] = 1
	return true
}

// Leave drops one of the agent's sessions. Returns the removed entry when
// that was the last session, nil otherwise.
func (i *Index) Leave(tenantID, fleetID, agentID string) *types.PresenceEntry {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := fleetKey(tenantID, fleetID)
	fleet := i.fleets[key]
	entry, ok := fleet[agentID]
	if !ok {
		return nil
	}
	skey := key + "/" + agentID
	if i.sessions[skey] > 1 {
		i.sessions[skey]--
		return nil
	}
	delete(i.sessions, skey)
	delete(fleet, agentID)
	metrics.AgentsOnline.Dec()
	return entry
}

// Update mutates the agent's state and task. Returns the updated entry or
// nil if the agent has no live entry. Counts as an implicit heartbeat.
func (i *Index) Update(tenantID, fleetID, agentID string, state types.PresenceState, task string, load float64) *types.PresenceEntry {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry := i.fleets[fleetKey(tenantID, fleetID)][agentID]
	if entry == nil {
		return nil
	}
	entry.State = state
	entry.CurrentTask = task
	if load > 0 {
		entry.Load = load
	}
	entry.LastHeartbeat = time.Now()
	snapshot := *entry
	return &snapshot
}

// Touch refreshes the agent's heartbeat instant.
func (i *Index) Touch(tenantID, fleetID, agentID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if entry := i.fleets[fleetKey(tenantID, fleetID)][agentID]; entry != nil {
		entry.LastHeartbeat = time.Now()
	}
}

// Get returns a copy of the agent's entry, or nil if offline.
func (i *Index) Get(tenantID, fleetID, agentID string) *types.PresenceEntry {
	i.mu.RLock()
	defer i.mu.RUnlock()
	entry := i.fleets[fleetKey(tenantID, fleetID)][agentID]
	if entry == nil {
		return nil
	}
	snapshot := *entry
	return &snapshot
}

// Roster returns a stable snapshot of the fleet's live entries, sorted by
// agent name. Task candidate selection reads this consistent copy.
func (i *Index) Roster(tenantID, fleetID string) []*types.PresenceEntry {
	i.mu.RLock()
	defer i.mu.RUnlock()
	fleet := i.fleets[fleetKey(tenantID, fleetID)]
	roster := make([]*types.PresenceEntry, 0, len(fleet))
	for _, entry := range fleet {
		snapshot := *entry
		roster = append(roster, &snapshot)
	}
	sort.Slice(roster, func(a, b int) bool { return roster[a].Name < roster[b].Name })
	return roster
}

// Count returns the number of live entries in the fleet.
func (i *Index) Count(tenantID, fleetID string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.fleets[fleetKey(tenantID, fleetID)])
}

// CountTenant returns the number of live entries across a tenant.
func (i *Index) CountTenant(tenantID string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	n := 0
	prefix := tenantID + "/"
	for key, fleet := range i.fleets {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			n += len(fleet)
		}
	}
	return n
}

func (i *Index) run() {
	ticker := time.NewTicker(i.sweepEvery)
	defer ticker.Stop()
	logger := log.WithComponent("presence")

	for {
		select {
		case <-ticker.C:
			for _, expired := range i.sweep(time.Now().Add(-i.staleAfter)) {
				logger.Debug().
					Str("agent_id", expired.entry.AgentID).
					Msg("presence entry expired")
				if i.onExpire != nil {
					i.onExpire(expired.tenantID, expired.fleetID, expired.entry)
				}
			}
		case <-i.stopCh:
			return
		}
	}
}

type expiredEntry struct {
	tenantID string
	fleetID  string
	entry    *types.PresenceEntry
}

// sweep removes entries whose heartbeat is older than cutoff.
func (i *Index) sweep(cutoff time.Time) []expiredEntry {
	i.mu.Lock()
	defer i.mu.Unlock()
	var expired []expiredEntry
	for key, fleet := range i.fleets {
		for agentID, entry := range fleet {
			if entry.LastHeartbeat.Before(cutoff) {
				delete(fleet, agentID)
				delete(i.sessions, key+"/"+agentID)
				metrics.AgentsOnline.Dec()
				tenantID, fleetID := splitFleetKey(key)
				expired = append(expired, expiredEntry{tenantID, fleetID, entry})
			}
		}
	}
	return expired
}

func splitFleetKey(key string) (tenantID, fleetID string) {
	for idx := 0; idx < len(key); idx++ {
		if key[idx] == '/' {
			return key[:idx], key[idx+1:]
		}
	}
	return key, ""
}

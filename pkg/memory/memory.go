package memory

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ringforge/ringforge/pkg/bus"
	"github.com/ringforge/ringforge/pkg/eventlog"
	"github.com/ringforge/ringforge/pkg/log"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
)

// Service is the per-fleet shared memory. The event log is the source of
// truth: every mutation is appended before the in-memory map is updated
// or a notification published (fail-closed), and the hot map is rebuilt
// from the log's compacted projection on boot.
type Service struct {
	elog   eventlog.Log
	router *bus.Router

	mu      sync.RWMutex
	fleets  map[string]*fleetMemory
	entries map[string]int   // tenant id -> live entry count
	bytes   map[string]int64 // tenant id -> stored value bytes

	sweepEvery time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
}

type fleetMemory struct {
	tenantID string
	fleetID  string

	mu      sync.Mutex // guards the maps; never held across a log append
	entries map[string]*types.MemoryEntry
	keyMu   map[string]*sync.Mutex // serializes mutations per key
}

// keyLock returns the key's mutation lock, allocating it on first use.
// Locks live as long as the fleet; only the holder mutates that key.
func (fm *fleetMemory) keyLock(key string) *sync.Mutex {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	m := fm.keyMu[key]
	if m == nil {
		m = &sync.Mutex{}
		fm.keyMu[key] = m
	}
	return m
}

// NewService creates the shared memory service.
func NewService(elog eventlog.Log, router *bus.Router, sweepEvery time.Duration) *Service {
	return &Service{
		elog:       elog,
		router:     router,
		fleets:     make(map[string]*fleetMemory),
		entries:    make(map[string]int),
		bytes:      make(map[string]int64),
		sweepEvery: sweepEvery,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the TTL sweeper.
func (s *Service) Start() {
	go s.run()
}

// Stop stops the TTL sweeper.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Service) fleet(tenantID, fleetID string) *fleetMemory {
	key := tenantID + "/" + fleetID
	s.mu.RLock()
	fm := s.fleets[key]
	s.mu.RUnlock()
	if fm != nil {
		return fm
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fm = s.fleets[key]; fm == nil {
		fm = &fleetMemory{
			tenantID: tenantID,
			fleetID:  fleetID,
			entries:  make(map[string]*types.MemoryEntry),
			keyMu:    make(map[string]*sync.Mutex),
		}
		s.fleets[key] = fm
	}
	return fm
}

// ValidKey reports whether k is printable ASCII within the length bound.
func ValidKey(k string) bool {
	if k == "" || len(k) > types.MemoryKeyMaxLen {
		return false
	}
	for i := 0; i < len(k); i++ {
		if k[i] < 0x20 || k[i] > 0x7e {
			return false
		}
	}
	return true
}

// MatchPattern reports whether a subscription glob matches a key.
// * matches within one path segment, ** crosses segments.
func MatchPattern(pattern, key string) bool {
	ok, err := doublestar.Match(pattern, key)
	return err == nil && ok
}

// Set upserts an entry. On an existing key the version becomes prev+1 and
// updated_at moves; created_at and the version chain survive the upsert.
// Last writer wins on concurrent writes; versions distinguish them.
func (s *Service) Set(tenantID, fleetID, authorID string, req *protocol.MemorySetRequest) (*types.MemoryEntry, error) {
	if !ValidKey(req.Key) {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "invalid memory key")
	}
	if len(req.Value) > types.MemoryValueMaxLen {
		return nil, protocol.NewError(protocol.CodePayloadTooLarge, "memory value exceeds 1 MiB")
	}
	valueType := types.ValueType(req.Type)
	if valueType == "" {
		valueType = types.ValueText
	}
	switch valueType {
	case types.ValueText, types.ValueJSON, types.ValueEmbedding, types.ValueBlob:
	default:
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "invalid value type")
	}

	fm := s.fleet(tenantID, fleetID)
	kl := fm.keyLock(req.Key)
	kl.Lock()
	defer kl.Unlock()

	now := time.Now().UTC()
	fm.mu.Lock()
	prev := fm.entries[req.Key]
	fm.mu.Unlock()
	entry := &types.MemoryEntry{
		Key:        req.Key,
		Value:      req.Value,
		Type:       valueType,
		Tags:       req.Tags,
		AuthorID:   authorID,
		Version:    1,
		TTLSeconds: req.TTLSeconds,
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev != nil {
		entry.Version = prev.Version + 1
		entry.CreatedAt = prev.CreatedAt
		entry.AccessCount = prev.AccessCount
	}

	// Log first: a failed append means no state change and no broadcast.
	// The append runs under the key lock only, so a slow log stalls this
	// key's writers, not the fleet.
	event := &types.Event{
		TenantID: tenantID,
		FleetID:  fleetID,
		AgentID:  authorID,
		Kind:     types.EventMemorySet,
		Tags:     entry.Tags,
		Payload:  map[string]any{"key": entry.Key, "version": entry.Version, "entry": entry},
	}
	if _, err := s.elog.Append(event); err != nil {
		logger := log.WithComponent("memory")
		logger.Error().Err(err).Str("key", req.Key).Msg("append failed, set rejected")
		return nil, protocol.NewError(protocol.CodeUnavailable, "event log unavailable")
	}

	fm.mu.Lock()
	fm.entries[req.Key] = entry
	fm.mu.Unlock()
	s.account(tenantID, prev, entry)
	s.router.Publish(event)

	snapshot := *entry
	return &snapshot, nil
}

// Has reports whether the key holds a live entry, without touching the
// access count. Quota gates use this to tell inserts from upserts.
func (s *Service) Has(tenantID, fleetID, key string) bool {
	fm := s.fleet(tenantID, fleetID)
	fm.mu.Lock()
	defer fm.mu.Unlock()
	entry := fm.entries[key]
	return entry != nil && !entry.Expired(time.Now())
}

// Get returns the entry and bumps its access count.
func (s *Service) Get(tenantID, fleetID, key string) (*types.MemoryEntry, error) {
	fm := s.fleet(tenantID, fleetID)
	fm.mu.Lock()
	defer fm.mu.Unlock()
	entry := fm.entries[key]
	if entry == nil || entry.Expired(time.Now()) {
		return nil, protocol.NewError(protocol.CodeNotFound, "no such key")
	}
	entry.AccessCount++
	snapshot := *entry
	return &snapshot, nil
}

// Delete removes the entry and broadcasts the deletion.
func (s *Service) Delete(tenantID, fleetID, agentID, key string) error {
	fm := s.fleet(tenantID, fleetID)
	kl := fm.keyLock(key)
	kl.Lock()
	defer kl.Unlock()

	fm.mu.Lock()
	entry := fm.entries[key]
	fm.mu.Unlock()
	if entry == nil {
		return protocol.NewError(protocol.CodeNotFound, "no such key")
	}

	event := &types.Event{
		TenantID: tenantID,
		FleetID:  fleetID,
		AgentID:  agentID,
		Kind:     types.EventMemoryDelete,
		Payload:  map[string]any{"key": key, "version": entry.Version},
	}
	if _, err := s.elog.Append(event); err != nil {
		return protocol.NewError(protocol.CodeUnavailable, "event log unavailable")
	}

	fm.mu.Lock()
	delete(fm.entries, key)
	fm.mu.Unlock()
	s.account(tenantID, entry, nil)
	s.router.Publish(event)
	return nil
}

// Count returns the tenant's live entry count (quota gauge).
func (s *Service) Count(tenantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[tenantID]
}

// Bytes returns the tenant's stored value bytes (quota gauge).
func (s *Service) Bytes(tenantID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes[tenantID]
}

// account adjusts tenant gauges for a mutation. prev/next may be nil.
func (s *Service) account(tenantID string, prev, next *types.MemoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev != nil {
		s.entries[tenantID]--
		s.bytes[tenantID] -= int64(len(prev.Value))
	}
	if next != nil {
		s.entries[tenantID]++
		s.bytes[tenantID] += int64(len(next.Value))
	}
}

// DropFleet discards a fleet's hot map (fleet deletion cascade).
func (s *Service) DropFleet(tenantID, fleetID string) {
	key := tenantID + "/" + fleetID
	s.mu.Lock()
	fm := s.fleets[key]
	delete(s.fleets, key)
	s.mu.Unlock()
	if fm == nil {
		return
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for _, entry := range fm.entries {
		s.account(tenantID, entry, nil)
	}
	fm.entries = nil
}

// Rebuild replays the fleet's compacted memory projection from the log
// into the hot map. Called at boot before the gateway accepts sessions.
func (s *Service) Rebuild(tenantID, fleetID string) error {
	fm := s.fleet(tenantID, fleetID)
	fm.mu.Lock()
	defer fm.mu.Unlock()

	filter := eventlog.Filter{Kinds: []types.EventKind{types.EventMemorySet, types.EventMemoryDelete}}
	err := s.elog.Scan(tenantID, fleetID, filter, func(e *types.Event) bool {
		key, _ := e.Payload["key"].(string)
		if key == "" {
			return true
		}
		switch e.Kind {
		case types.EventMemoryDelete:
			if prev := fm.entries[key]; prev != nil {
				delete(fm.entries, key)
				s.account(tenantID, prev, nil)
			}
		case types.EventMemorySet:
			raw, err := json.Marshal(e.Payload["entry"])
			if err != nil {
				return true
			}
			var entry types.MemoryEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return true
			}
			s.account(tenantID, fm.entries[key], &entry)
			fm.entries[key] = &entry
		}
		return true
	})
	return err
}

func (s *Service) run() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopCh:
			return
		}
	}
}

// sweepExpired expires TTL'd entries, logging and broadcasting each
// deletion with reason=expired.
func (s *Service) sweepExpired() {
	now := time.Now()
	s.mu.RLock()
	fleets := make([]*fleetMemory, 0, len(s.fleets))
	for _, fm := range s.fleets {
		fleets = append(fleets, fm)
	}
	s.mu.RUnlock()

	for _, fm := range fleets {
		fm.mu.Lock()
		var expired []string
		for key, entry := range fm.entries {
			if entry.Expired(now) {
				expired = append(expired, key)
			}
		}
		fm.mu.Unlock()

		for _, key := range expired {
			s.expireKey(fm, key, now)
		}
	}
}

// expireKey logs and removes one expired entry under its key lock. A
// concurrent Set that revived the key wins; the recheck skips it.
func (s *Service) expireKey(fm *fleetMemory, key string, now time.Time) {
	kl := fm.keyLock(key)
	kl.Lock()
	defer kl.Unlock()

	fm.mu.Lock()
	entry := fm.entries[key]
	fm.mu.Unlock()
	if entry == nil || !entry.Expired(now) {
		return
	}

	event := &types.Event{
		TenantID: fm.tenantID,
		FleetID:  fm.fleetID,
		Kind:     types.EventMemoryDelete,
		Payload:  map[string]any{"key": key, "version": entry.Version, "reason": "expired"},
	}
	if _, err := s.elog.Append(event); err != nil {
		// Leave the entry for the next sweep rather than diverge from
		// the log.
		return
	}
	fm.mu.Lock()
	delete(fm.entries, key)
	fm.mu.Unlock()
	s.account(fm.tenantID, entry, nil)
	s.router.Publish(event)
}

// tagsIntersect reports whether a and b share at least one tag.
func tagsIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

package bus

import (
	"sync"
	"sync/atomic"

	"github.com/ringforge/ringforge/pkg/metrics"
	"github.com/ringforge/ringforge/pkg/types"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

// Subscription is one session's attachment to its fleet topic. Events
// arrive on C; a full buffer drops the event for this subscriber only and
// bumps the drop counter (durability is the log's job, not the bus's).
type Subscription struct {
	id      uint64
	agentID string
	C       chan *types.Event

	mu   sync.RWMutex
	tags map[string]struct{}

	drops atomic.Int64
}

// AgentID returns the subscribing agent.
func (s *Subscription) AgentID() string { return s.agentID }

// Drops returns how many events were dropped for this subscriber.
func (s *Subscription) Drops() int64 { return s.drops.Load() }

// SetTags replaces the subscription's tag subtopics.
func (s *Subscription) SetTags(tags []string) {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	s.mu.Lock()
	s.tags = set
	s.mu.Unlock()
}

func (s *Subscription) matchesTags(tags []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range tags {
		if _, ok := s.tags[t]; ok {
			return true
		}
	}
	return false
}

type topic struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
}

// Router is the per-fleet pub/sub fabric. Topics are keyed
// (tenant, fleet); a publisher can only reach the topic its event names,
// so tenant isolation holds structurally. Delivery is best-effort
// in-process and preserves per-publisher order (Publish is synchronous
// from the publishing goroutine).
type Router struct {
	mu     sync.RWMutex
	topics map[string]*topic
	nextID atomic.Uint64
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{topics: make(map[string]*topic)}
}

func topicKey(tenantID, fleetID string) string {
	return tenantID + "/" + fleetID
}

func (r *Router) topic(tenantID, fleetID string, create bool) *topic {
	key := topicKey(tenantID, fleetID)
	r.mu.RLock()
	t := r.topics[key]
	r.mu.RUnlock()
	if t != nil || !create {
		return t
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t = r.topics[key]; t == nil {
		t = &topic{subs: make(map[uint64]*Subscription)}
		r.topics[key] = t
	}
	return t
}

// Subscribe attaches a session to its fleet topic.
func (r *Router) Subscribe(tenantID, fleetID, agentID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		id:      r.nextID.Add(1),
		agentID: agentID,
		C:       make(chan *types.Event, buffer),
		tags:    make(map[string]struct{}),
	}
	t := r.topic(tenantID, fleetID, true)
	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()
	return sub
}

// Unsubscribe detaches and closes the subscription.
func (r *Router) Unsubscribe(tenantID, fleetID string, sub *Subscription) {
	t := r.topic(tenantID, fleetID, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	if _, ok := t.subs[sub.id]; ok {
		delete(t.subs, sub.id)
		close(sub.C)
	}
	t.mu.Unlock()
}

// Publish fans the event out to subscribers matching its scope. Slow
// subscribers are skipped for this event only.
func (r *Router) Publish(e *types.Event) {
	t := r.topic(e.TenantID, e.FleetID, false)
	if t == nil {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		if !matchScope(sub, e) {
			continue
		}
		select {
		case sub.C <- e:
		default:
			sub.drops.Add(1)
			metrics.FanoutDropsTotal.Inc()
		}
	}
}

// SubscriberCount returns the number of live subscriptions on a fleet.
func (r *Router) SubscriberCount(tenantID, fleetID string) int {
	t := r.topic(tenantID, fleetID, false)
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func matchScope(sub *Subscription, e *types.Event) bool {
	switch e.Scope.Kind {
	case types.ScopeTagged:
		return sub.matchesTags(e.Scope.Tags)
	case types.ScopeDirect:
		return sub.agentID == e.Scope.AgentID
	default: // fleet scope
		return true
	}
}

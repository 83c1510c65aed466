package messaging

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ringforge/ringforge/pkg/bus"
	"github.com/ringforge/ringforge/pkg/eventlog"
	"github.com/ringforge/ringforge/pkg/log"
	"github.com/ringforge/ringforge/pkg/presence"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
)

// Service routes direct messages. Online recipients get the message via
// the bus's direct scope; offline recipients get a bounded per-recipient
// queue (FIFO, TTL'd). DM payloads never reach the event log — only their
// metadata does.
type Service struct {
	elog     eventlog.Log
	router   *bus.Router
	presence *presence.Index

	queueLimit int
	queueTTL   time.Duration

	mu     sync.Mutex
	queues map[string][]*queuedMessage

	stopCh   chan struct{}
	stopOnce sync.Once
}

type queuedMessage struct {
	msg      *types.DirectMessage
	expires  time.Time
	notified bool // dropped notice already sent
}

// NewService creates the direct messaging service.
func NewService(elog eventlog.Log, router *bus.Router, idx *presence.Index, queueLimit int, queueTTL time.Duration) *Service {
	return &Service{
		elog:       elog,
		router:     router,
		presence:   idx,
		queueLimit: queueLimit,
		queueTTL:   queueTTL,
		queues:     make(map[string][]*queuedMessage),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the queue TTL sweeper.
func (s *Service) Start() {
	go s.run()
}

// Stop stops the sweeper.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func recipientKey(tenantID, fleetID, agentID string) string {
	return tenantID + "/" + fleetID + "/" + agentID
}

// Send delivers (or queues) a DM and returns its final delivery state.
func (s *Service) Send(tenantID, fleetID, fromAgentID string, req *protocol.DirectSendRequest) (*types.DirectMessage, error) {
	if req.To == "" {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "missing recipient")
	}
	msg := &types.DirectMessage{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		FleetID:       fleetID,
		FromAgentID:   fromAgentID,
		ToAgentID:     req.To,
		CorrelationID: req.CorrelationID,
		Payload:       req.Payload,
		SentAt:        time.Now().UTC(),
	}

	// The delivery state is final before the log sees it: an offline
	// recipient's queue slot is reserved first, so a full queue logs
	// dropped, not queued.
	online := s.presence.Get(tenantID, fleetID, req.To) != nil
	queued := false
	switch {
	case online:
		msg.State = types.DeliveryDelivered
	case s.enqueue(msg):
		queued = true
		msg.State = types.DeliveryQueued
	default:
		msg.State = types.DeliveryDropped
	}

	// Metadata only: correlation and endpoints, never the payload.
	logEvent := &types.Event{
		TenantID: tenantID,
		FleetID:  fleetID,
		AgentID:  fromAgentID,
		Kind:     types.EventDMSent,
		Payload: map[string]any{
			"message_id":  msg.ID,
			"to":          msg.ToAgentID,
			"correlation": msg.CorrelationID,
			"delivery":    string(msg.State),
		},
	}
	if _, err := s.elog.Append(logEvent); err != nil {
		if queued {
			s.unqueue(msg)
		}
		return nil, protocol.NewError(protocol.CodeUnavailable, "event log unavailable")
	}

	if online {
		s.deliver(msg)
	}
	return msg, nil
}

// deliver publishes the full message to the recipient's sessions.
func (s *Service) deliver(msg *types.DirectMessage) {
	s.router.Publish(&types.Event{
		ID:       msg.ID,
		TenantID: msg.TenantID,
		FleetID:  msg.FleetID,
		AgentID:  msg.FromAgentID,
		Kind:     types.EventDMSent,
		Scope:    types.Scope{Kind: types.ScopeDirect, AgentID: msg.ToAgentID},
		Payload: map[string]any{
			"message_id":  msg.ID,
			"from":        msg.FromAgentID,
			"correlation": msg.CorrelationID,
			"payload":     msg.Payload,
			"sent_at":     msg.SentAt.UnixMilli(),
		},
		Timestamp: msg.SentAt,
	})
}

// enqueue adds the message to the recipient's offline queue. Returns
// false when the queue is full (the message is dropped).
func (s *Service) enqueue(msg *types.DirectMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recipientKey(msg.TenantID, msg.FleetID, msg.ToAgentID)
	if len(s.queues[key]) >= s.queueLimit {
		return false
	}
	s.queues[key] = append(s.queues[key], &queuedMessage{
		msg:     msg,
		expires: time.Now().Add(s.queueTTL),
	})
	return true
}

// unqueue releases a reserved slot after a failed log append.
func (s *Service) unqueue(msg *types.DirectMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recipientKey(msg.TenantID, msg.FleetID, msg.ToAgentID)
	queue := s.queues[key]
	for i, qm := range queue {
		if qm.msg.ID == msg.ID {
			s.queues[key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(s.queues[key]) == 0 {
		delete(s.queues, key)
	}
}

// Drain returns the recipient's queued messages in enqueue order and
// empties the queue. The gateway calls this on successful auth, before
// the session sees any live event. Expired stragglers are dropped with a
// notice to their senders.
func (s *Service) Drain(tenantID, fleetID, agentID string) []*types.DirectMessage {
	s.mu.Lock()
	key := recipientKey(tenantID, fleetID, agentID)
	queued := s.queues[key]
	delete(s.queues, key)
	s.mu.Unlock()

	now := time.Now()
	var out []*types.DirectMessage
	for _, qm := range queued {
		if qm.expires.Before(now) {
			s.notifyDropped(qm)
			continue
		}
		qm.msg.State = types.DeliveryDelivered
		out = append(out, qm.msg)
	}
	return out
}

// QueueDepth returns the recipient's current queue length.
func (s *Service) QueueDepth(tenantID, fleetID, agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[recipientKey(tenantID, fleetID, agentID)])
}

func (s *Service) run() {
	ticker := time.NewTicker(s.queueTTL / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// sweep expires TTL'd queue entries, notifying each sender exactly once.
func (s *Service) sweep(now time.Time) {
	s.mu.Lock()
	var dropped []*queuedMessage
	for key, queue := range s.queues {
		kept := queue[:0]
		for _, qm := range queue {
			if qm.expires.Before(now) {
				dropped = append(dropped, qm)
				continue
			}
			kept = append(kept, qm)
		}
		if len(kept) == 0 {
			delete(s.queues, key)
		} else {
			s.queues[key] = kept
		}
	}
	s.mu.Unlock()

	for _, qm := range dropped {
		s.notifyDropped(qm)
	}
}

// notifyDropped tells the sender (if still online) that a queued message
// expired undelivered.
func (s *Service) notifyDropped(qm *queuedMessage) {
	if qm.notified {
		return
	}
	qm.notified = true
	msg := qm.msg
	msg.State = types.DeliveryDropped
	logger := log.WithComponent("messaging")
	logger.Debug().
		Str("message_id", msg.ID).
		Str("to", msg.ToAgentID).
		Msg("queued dm expired")

	if s.presence.Get(msg.TenantID, msg.FleetID, msg.FromAgentID) == nil {
		return
	}
	s.router.Publish(&types.Event{
		ID:       uuid.New().String(),
		TenantID: msg.TenantID,
		FleetID:  msg.FleetID,
		Kind:     types.EventSystem,
		Scope:    types.Scope{Kind: types.ScopeDirect, AgentID: msg.FromAgentID},
		Payload: map[string]any{
			"notice":      "dm_dropped",
			"message_id":  msg.ID,
			"to":          msg.ToAgentID,
			"correlation": msg.CorrelationID,
		},
		Timestamp: time.Now().UTC(),
	})
}

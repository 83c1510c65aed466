package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ringforge/ringforge/pkg/auth"
	"github.com/ringforge/ringforge/pkg/limits"
	"github.com/ringforge/ringforge/pkg/log"
	"github.com/ringforge/ringforge/pkg/memory"
	"github.com/ringforge/ringforge/pkg/metrics"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const writeTimeout = 10 * time.Second

// memorySub is a session-lived key-pattern subscription.
type memorySub struct {
	pattern string
	set     bool
	del     bool
}

// session is one websocket connection's lifecycle: auth handshake, reader
// loop, writer pump, bus fan-in, and teardown. All per-session work runs
// off the single reader loop, so one agent's messages never reorder.
type session struct {
	g      *Gateway
	conn   *websocket.Conn
	remote string
	logger zerolog.Logger

	id  *Identity
	sub busSubscription

	outCh chan *protocol.Envelope
	done  chan struct{}

	msgLimiter *rate.Limiter

	mu        sync.Mutex
	memSubs   []memorySub
	replaying bool

	localDrops  atomic.Int64
	closeOnce   sync.Once
	closeReason string
}

// busSubscription is the narrow slice of bus.Subscription the session
// uses, held as an interface so tests can stub delivery.
type busSubscription interface {
	AgentID() string
	Drops() int64
	SetTags(tags []string)
}

func newSession(g *Gateway, conn *websocket.Conn, remote string) *session {
	return &session{
		g:      g,
		conn:   conn,
		remote: remote,
		logger: log.WithComponent("gateway"),
		outCh:  make(chan *protocol.Envelope, g.cfg.OutboundBuffer),
		done:   make(chan struct{}),
	}
}

func (s *session) run() {
	defer s.conn.Close()

	s.conn.SetReadLimit(protocol.MaxFrameBytes)

	challenge, err := auth.NewChallenge()
	if err != nil {
		return
	}
	// The handshake prompt goes out immediately on connect.
	s.writeNow(protocol.Reply(&protocol.Envelope{Type: protocol.TypeAuth, Action: "required"}, map[string]any{
		"challenge":         hex.EncodeToString(challenge),
		"heartbeat_seconds": s.g.cfg.HeartbeatSeconds,
		"server_time":       time.Now().UnixMilli(),
	}))

	authEnv := s.authenticate(challenge)
	if authEnv == nil {
		return
	}

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	s.logger = s.logger.With().
		Str("agent_id", s.id.Agent.ID).
		Str("session_id", s.id.Session.ID).
		Logger()
	s.logger.Info().Str("fleet_id", s.id.Fleet.ID).Msg("session authenticated")

	sub := s.g.router.Subscribe(s.id.Tenant.ID, s.id.Fleet.ID, s.id.Agent.ID, s.g.cfg.OutboundBuffer)
	s.sub = sub
	s.msgLimiter = rate.NewLimiter(rate.Limit(s.g.cfg.MessagesPerSecond), s.g.cfg.MessagesPerSecond*2)

	go s.writer()
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.g.readTimeout()))
		s.g.backend.Touch(s.id)
		return nil
	})

	s.send(protocol.Reply(authEnv, map[string]any{
		"agent_id":          s.id.Agent.ID,
		"agent_name":        s.id.Agent.Name,
		"session_id":        s.id.Session.ID,
		"fleet_id":          s.id.Fleet.ID,
		"heartbeat_seconds": s.g.cfg.HeartbeatSeconds,
	}))

	// Queued DMs flush before the live pump starts, so the recipient sees
	// them in enqueue order ahead of any live event.
	for _, dm := range s.g.backend.DrainQueued(s.id) {
		if s.sendBlocking(directEnvelope(dm)) != nil {
			break
		}
	}
	go s.pump(sub.C)

	s.readLoop()

	s.close("connection_closed")
	close(s.done)
	s.g.router.Unsubscribe(s.id.Tenant.ID, s.id.Fleet.ID, sub)
	reason := s.reason()
	s.g.backend.SessionClosed(s.id, reason)
	s.logger.Info().Str("reason", reason).Msg("session closed")
}

// authenticate runs the handshake: limited attempts, hard deadline.
// Returns the accepted auth envelope, or nil if the session never
// authenticated.
func (s *session) authenticate(challenge []byte) *protocol.Envelope {
	deadline := time.Now().Add(s.g.authTimeout())
	for {
		s.conn.SetReadDeadline(deadline)
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return nil
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			s.writeNow(protocol.ErrorReply(nil, err))
			continue
		}
		if env.Type != protocol.TypeAuth {
			s.writeNow(protocol.ErrorReply(env, protocol.NewError(protocol.CodeUnauthorized, "authenticate first")))
			continue
		}
		if err := s.g.rates.Allow(limits.ScopeAuth, s.remote, s.g.cfg.AuthAttemptsPerMin); err != nil {
			metrics.AuthFailuresTotal.WithLabelValues(string(protocol.CodeRateLimited)).Inc()
			s.writeNow(protocol.ErrorReply(env, err))
			continue
		}
		var req protocol.AuthRequest
		if err := env.DecodePayload(&req); err != nil {
			s.writeNow(protocol.ErrorReply(env, err))
			continue
		}
		id, err := s.g.backend.Authenticate(s.remote, challenge, &req)
		if err != nil {
			metrics.AuthFailuresTotal.WithLabelValues(string(protocol.AsError(err).Code)).Inc()
			s.writeNow(protocol.ErrorReply(env, err))
			continue
		}
		s.id = id
		return env
	}
}

// oversizeCloseCount is how many oversize envelopes a session may send
// before it is disconnected.
const oversizeCloseCount = 3

// readLoop consumes inbound frames until the connection dies.
func (s *session) readLoop() {
	oversize := 0
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.g.readTimeout()))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.close("payload_too_large")
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					s.close("heartbeat_timeout")
				}
			}
			return
		}
		s.g.backend.Touch(s.id)

		env, derr := protocol.Decode(raw)
		if derr != nil {
			s.send(protocol.ErrorReply(nil, derr))
			continue
		}
		if len(raw) > protocol.MaxEnvelopeBytes && !envelopeHeadroom(env) {
			s.send(protocol.ErrorReply(env, protocol.NewError(protocol.CodePayloadTooLarge, "envelope exceeds limit")))
			if oversize++; oversize >= oversizeCloseCount {
				s.close("payload_too_large")
				return
			}
			continue
		}
		metrics.MessagesTotal.WithLabelValues(env.Type).Inc()
		if !s.msgLimiter.Allow() {
			s.send(protocol.ErrorReply(env, protocol.NewRetryError(protocol.CodeRateLimited, "session message rate exceeded", time.Second.Milliseconds())))
			continue
		}
		s.dispatch(env)
	}
}

// dispatch routes one authenticated envelope. Session-scoped operations
// (tag subtopics, memory patterns, replay) are handled here; the rest go
// through the gates to the backend.
func (s *session) dispatch(env *protocol.Envelope) {
	switch {
	case env.Type == protocol.TypeAuth:
		s.send(protocol.ErrorReply(env, protocol.NewError(protocol.CodeConflict, "already authenticated")))
	case env.Type == protocol.TypeSystem && env.Action == "ping":
		s.send(protocol.Reply(env, map[string]any{"pong": true, "server_time": time.Now().UnixMilli()}))
	case env.Type == protocol.TypeActivity && env.Action == "subscribe":
		s.subscribeTags(env)
	case env.Type == protocol.TypeMemory && env.Action == "subscribe":
		s.subscribeMemory(env)
	case env.Type == protocol.TypeMemory && env.Action == "unsubscribe":
		s.unsubscribeMemory(env)
	case env.Type == protocol.TypeReplay:
		s.startReplay(env)
	default:
		s.handleGated(env)
	}
}

// handleGated runs the quota, rate-limit, and idempotency gates, then the
// backend handler.
func (s *session) handleGated(env *protocol.Envelope) {
	warn, err := s.g.backend.MessageGate(s.id, env)
	if err != nil {
		s.send(protocol.ErrorReply(env, err))
		return
	}
	if warn {
		s.send(protocol.ServerEvent(protocol.TypeSystem, "quota_warning", uuid.New().String(), time.Now(), map[string]any{
			"counter": "messages",
		}))
	}

	idempotent := env.Ref != "" && mutating(env)
	if idempotent {
		if cached, ok := s.g.idem.Get(s.id.Agent.ID, env.Ref); ok {
			s.sendRaw(cached)
			return
		}
	}

	var reply *protocol.Envelope
	payload, herr := s.g.backend.HandleRequest(s.id, env)
	if herr != nil {
		reply = protocol.ErrorReply(env, herr)
	} else {
		reply = protocol.Reply(env, payload)
	}
	if idempotent && herr == nil {
		if data, err := reply.Encode(); err == nil {
			s.g.idem.Put(s.id.Agent.ID, env.Ref, data)
		}
	}
	s.send(reply)
}

// envelopeHeadroom reports whether the operation may exceed
// MaxEnvelopeBytes, up to the transport read limit. Only memory.set
// qualifies: its value alone may be a mebibyte.
func envelopeHeadroom(env *protocol.Envelope) bool {
	return env.Type == protocol.TypeMemory && env.Action == "set"
}

// mutating reports whether the operation re-executes on retry and thus
// participates in idempotency caching.
func mutating(env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeDirect, protocol.TypeGroup:
		return true
	case protocol.TypeActivity:
		return env.Action == "publish"
	case protocol.TypeMemory:
		return env.Action == "set" || env.Action == "delete"
	case protocol.TypeTask:
		return env.Action == "submit"
	}
	return false
}

func (s *session) subscribeTags(env *protocol.Envelope) {
	var req protocol.SubscribeTagsRequest
	if err := env.DecodePayload(&req); err != nil {
		s.send(protocol.ErrorReply(env, err))
		return
	}
	s.sub.SetTags(req.Tags)
	s.send(protocol.Reply(env, map[string]any{"tags": req.Tags}))
}

func (s *session) subscribeMemory(env *protocol.Envelope) {
	var req protocol.MemorySubscribeRequest
	if err := env.DecodePayload(&req); err != nil {
		s.send(protocol.ErrorReply(env, err))
		return
	}
	if req.Pattern == "" {
		s.send(protocol.ErrorReply(env, protocol.NewError(protocol.CodeInvalidMessage, "missing pattern")))
		return
	}
	ms := memorySub{pattern: req.Pattern}
	if len(req.Events) == 0 {
		ms.set, ms.del = true, true
	}
	for _, ev := range req.Events {
		switch ev {
		case "set":
			ms.set = true
		case "delete":
			ms.del = true
		default:
			s.send(protocol.ErrorReply(env, protocol.NewError(protocol.CodeInvalidMessage, "unknown subscription event")))
			return
		}
	}
	s.mu.Lock()
	replaced := false
	for i := range s.memSubs {
		if s.memSubs[i].pattern == ms.pattern {
			s.memSubs[i] = ms
			replaced = true
			break
		}
	}
	if !replaced {
		s.memSubs = append(s.memSubs, ms)
	}
	s.mu.Unlock()
	s.send(protocol.Reply(env, map[string]any{"pattern": ms.pattern}))
}

func (s *session) unsubscribeMemory(env *protocol.Envelope) {
	var req protocol.MemorySubscribeRequest
	if err := env.DecodePayload(&req); err != nil {
		s.send(protocol.ErrorReply(env, err))
		return
	}
	s.mu.Lock()
	kept := s.memSubs[:0]
	for _, ms := range s.memSubs {
		if ms.pattern != req.Pattern {
			kept = append(kept, ms)
		}
	}
	s.memSubs = kept
	s.mu.Unlock()
	s.send(protocol.Reply(env, map[string]any{"pattern": req.Pattern}))
}

// startReplay opens a one-shot paced cursor. One replay per session at a
// time; it streams concurrently with live traffic.
func (s *session) startReplay(env *protocol.Envelope) {
	var req protocol.ReplayRequest
	if err := env.DecodePayload(&req); err != nil {
		s.send(protocol.ErrorReply(env, err))
		return
	}
	s.mu.Lock()
	if s.replaying {
		s.mu.Unlock()
		s.send(protocol.ErrorReply(env, protocol.NewError(protocol.CodeConflict, "replay already running")))
		return
	}
	s.replaying = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.replaying = false
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-s.done
			cancel()
		}()

		count, err := s.g.replays.Run(ctx, s.id.Tenant.ID, s.id.Fleet.ID, &req, func(ev *types.Event, index int) error {
			item := protocol.Reply(env, map[string]any{"index": index, "event": ev})
			item.Action = "item"
			return s.sendBlocking(item)
		})
		if err != nil {
			s.send(protocol.ErrorReply(env, err))
			return
		}
		end := protocol.Reply(env, map[string]any{"count": count})
		end.Action = "end"
		s.send(end)
	}()
}

// pump forwards bus events to the writer, applying the session's memory
// pattern filter. Sustained drops disconnect the session to protect the
// fleet.
func (s *session) pump(events <-chan *types.Event) {
	for ev := range events {
		if ev.Kind == types.EventSecurity {
			if action, _ := ev.Payload["action"].(string); action == "kick" {
				s.send(eventEnvelope(ev))
				s.close("kicked")
				return
			}
		}
		if !s.wantsEvent(ev) {
			continue
		}
		s.send(eventEnvelope(ev))
		if s.localDrops.Load()+s.dropCount() >= int64(s.g.cfg.DropDisconnectCount) {
			s.send(protocol.ErrorReply(nil, protocol.NewError(protocol.CodeUnavailable, "session too slow")))
			s.close("slow_consumer")
			return
		}
	}
}

func (s *session) dropCount() int64 {
	if s.sub == nil {
		return 0
	}
	return s.sub.Drops()
}

// wantsEvent applies session-local filtering. Memory change events reach
// only sessions holding a matching pattern subscription.
func (s *session) wantsEvent(ev *types.Event) bool {
	switch ev.Kind {
	case types.EventMemorySet, types.EventMemoryDelete:
		key, _ := ev.Payload["key"].(string)
		if key == "" {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, ms := range s.memSubs {
			if ev.Kind == types.EventMemorySet && !ms.set {
				continue
			}
			if ev.Kind == types.EventMemoryDelete && !ms.del {
				continue
			}
			if memory.MatchPattern(ms.pattern, key) {
				return true
			}
		}
		return false
	}
	return true
}

// send enqueues an envelope for the writer, dropping when the outbound
// buffer is full.
func (s *session) send(env *protocol.Envelope) {
	select {
	case s.outCh <- env:
	case <-s.done:
	default:
		s.localDrops.Add(1)
		metrics.FanoutDropsTotal.Inc()
	}
}

// sendBlocking enqueues without dropping; replay items are paced, not
// best-effort.
func (s *session) sendBlocking(env *protocol.Envelope) error {
	select {
	case s.outCh <- env:
		return nil
	case <-s.done:
		return context.Canceled
	}
}

func (s *session) sendRaw(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	s.send(&env)
}

// writer owns all connection writes: queued envelopes and pings.
func (s *session) writer() {
	ticker := time.NewTicker(s.g.heartbeat())
	defer ticker.Stop()

	for {
		select {
		case env := <-s.outCh:
			if !s.writeNow(env) {
				s.close("write_error")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close("write_error")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) writeNow(env *protocol.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		return true
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		s.conn.WriteMessage(websocket.CloseMessage, msg)
		s.conn.Close()
	})
}

func (s *session) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

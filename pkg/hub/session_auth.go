package hub

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ringforge/ringforge/pkg/auth"
	"github.com/ringforge/ringforge/pkg/gateway"
	"github.com/ringforge/ringforge/pkg/limits"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
)

// Authenticate implements gateway.Backend. Every auth presents a fleet
// API key; a returning agent additionally proves identity with an
// ed25519 signature over the session's challenge.
func (h *Hub) Authenticate(remoteAddr string, challenge []byte, req *protocol.AuthRequest) (*gateway.Identity, error) {
	key, err := h.authn.VerifyKey(req.APIKey)
	if err != nil {
		h.audits.Record("", types.AuditAuthFailure, "", map[string]string{
			"reason": string(protocol.AsError(err).Code),
			"addr":   remoteAddr,
		})
		return nil, err
	}
	if key.Type == types.KeyTypeAdmin || key.FleetID == "" {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "key cannot open sessions")
	}

	tenant, err := h.store.GetTenant(key.TenantID)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "tenant gone")
	}
	fleet, err := h.store.GetFleet(key.TenantID, key.FleetID)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "fleet gone")
	}
	if err := h.quotas.CheckAgents(tenant, h.presence.CountTenant(tenant.ID)); err != nil {
		h.audits.Record(tenant.ID, types.AuditAuthFailure, key.ID, map[string]string{
			"reason": "fleet_full",
			"addr":   remoteAddr,
		})
		return nil, err
	}

	agent, err := h.resolveAgent(tenant, fleet, challenge, req)
	if err != nil {
		h.audits.Record(tenant.ID, types.AuditAuthFailure, key.ID, map[string]string{
			"reason": string(protocol.AsError(err).Code),
			"addr":   remoteAddr,
			"agent":  req.Name,
		})
		return nil, err
	}

	agent.Connections++
	agent.LastSeenAt = time.Now().UTC()
	if req.Framework != "" {
		agent.Framework = req.Framework
	}
	if len(req.Capabilities) > 0 {
		agent.Capabilities = req.Capabilities
	}
	if err := h.store.UpdateAgent(agent); err != nil {
		return nil, protocol.NewError(protocol.CodeServerError, "persist agent")
	}

	session := &types.Session{
		ID:          uuid.New().String(),
		TenantID:    tenant.ID,
		FleetID:     fleet.ID,
		AgentID:     agent.ID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now().UTC(),
	}
	if err := h.store.CreateSession(session); err != nil {
		return nil, protocol.NewError(protocol.CodeServerError, "persist session")
	}

	first := h.presence.Join(tenant.ID, fleet.ID, &types.PresenceEntry{
		AgentID:      agent.ID,
		Name:         agent.Name,
		State:        types.PresenceOnline,
		Capabilities: agent.Capabilities,
	})
	// The joined event marks offline-to-online; an agent opening a second
	// session is already online.
	if first {
		h.emit(&types.Event{
			TenantID: tenant.ID,
			FleetID:  fleet.ID,
			AgentID:  agent.ID,
			Kind:     types.EventJoined,
			Payload: map[string]any{
				"agent_name":   agent.Name,
				"framework":    agent.Framework,
				"capabilities": agent.Capabilities,
			},
		})
	}
	if cost, err := strconv.ParseFloat(agent.Metadata["cost"], 64); err == nil {
		h.tasks.SetAgentCost(tenant.ID, fleet.ID, agent.ID, cost)
	}
	h.tasks.OnPresenceChange(tenant.ID, fleet.ID)

	h.audits.Record(tenant.ID, types.AuditAuthSuccess, agent.ID, map[string]string{
		"session": session.ID,
		"addr":    remoteAddr,
	})
	return &gateway.Identity{Tenant: tenant, Fleet: fleet, Agent: agent, Session: session}, nil
}

// resolveAgent finds or registers the durable agent row. An agent that
// registered a public key must sign the challenge on every connect.
func (h *Hub) resolveAgent(tenant *types.Tenant, fleet *types.Fleet, challenge []byte, req *protocol.AuthRequest) (*types.Agent, error) {
	var agent *types.Agent
	switch {
	case req.AgentID != "":
		found, err := h.store.GetAgent(tenant.ID, fleet.ID, req.AgentID)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeUnauthorized, "unknown agent")
		}
		agent = found
	case req.Name != "":
		found, err := h.store.GetAgentByName(tenant.ID, fleet.ID, req.Name)
		if err == nil {
			agent = found
			break
		}
		agent = &types.Agent{
			ID:           uuid.New().String(),
			TenantID:     tenant.ID,
			FleetID:      fleet.ID,
			Name:         req.Name,
			Framework:    req.Framework,
			Capabilities: req.Capabilities,
			CreatedAt:    time.Now().UTC(),
		}
		if req.PublicKey != "" {
			pub, err := hex.DecodeString(req.PublicKey)
			if err != nil {
				return nil, protocol.NewError(protocol.CodeInvalidMessage, "malformed public key")
			}
			agent.PublicKey = pub
		}
		if err := h.store.CreateAgent(agent); err != nil {
			return nil, protocol.NewError(protocol.CodeServerError, "persist agent")
		}
		return agent, nil
	default:
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "missing agent identity")
	}

	if len(agent.PublicKey) > 0 && !auth.VerifySignature(agent.PublicKey, challenge, req.Signature) {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "challenge signature invalid")
	}
	return agent, nil
}

// Touch implements gateway.Backend.
func (h *Hub) Touch(id *gateway.Identity) {
	h.presence.Touch(id.Tenant.ID, id.Fleet.ID, id.Agent.ID)
}

// DrainQueued implements gateway.Backend.
func (h *Hub) DrainQueued(id *gateway.Identity) []*types.DirectMessage {
	return h.messaging.Drain(id.Tenant.ID, id.Fleet.ID, id.Agent.ID)
}

// SessionClosed implements gateway.Backend.
func (h *Hub) SessionClosed(id *gateway.Identity, reason string) {
	now := time.Now().UTC()
	id.Session.DisconnectedAt = &now
	id.Session.Reason = reason
	h.store.UpdateSession(id.Session)
	h.flushMessageCount(id)

	if removed := h.presence.Leave(id.Tenant.ID, id.Fleet.ID, id.Agent.ID); removed != nil {
		h.emit(&types.Event{
			TenantID: id.Tenant.ID,
			FleetID:  id.Fleet.ID,
			AgentID:  id.Agent.ID,
			Kind:     types.EventLeft,
			Payload:  map[string]any{"agent_name": removed.Name, "reason": reason},
		})
	}
}

// MessageGate implements gateway.Backend: the daily message quota plus
// the per-operation rate limits.
func (h *Hub) MessageGate(id *gateway.Identity, env *protocol.Envelope) (bool, error) {
	warn, err := h.quotas.CheckMessage(id.Tenant)
	if err != nil {
		return false, err
	}
	switch {
	case env.Type == protocol.TypeMemory && (env.Action == "set" || env.Action == "delete"):
		err = h.rates.Allow(limits.ScopeMemory, id.Agent.ID, h.cfg.Limits.MemoryWritesPerMin)
	case env.Type == protocol.TypeTask && env.Action == "submit":
		err = h.rates.Allow(limits.ScopeTask, id.Agent.ID, h.cfg.Limits.TaskSubmitsPerMin)
	}
	if err == nil {
		h.countMessage(id)
	}
	return warn, err
}

// countMessage tracks messages that cleared the gates. The counter lives
// in memory while sessions are up; SessionClosed folds the delta into the
// agent's durable MessagesTotal.
func (h *Hub) countMessage(id *gateway.Identity) {
	key := id.Tenant.ID + "/" + id.Fleet.ID + "/" + id.Agent.ID
	h.msgMu.Lock()
	h.msgCounts[key]++
	h.msgMu.Unlock()
}

// flushMessageCount persists the agent's accumulated message delta. The
// count is keyed per agent, so one session closing flushes for all of the
// agent's sessions; the delta resets either way.
func (h *Hub) flushMessageCount(id *gateway.Identity) {
	key := id.Tenant.ID + "/" + id.Fleet.ID + "/" + id.Agent.ID
	h.msgMu.Lock()
	delta := h.msgCounts[key]
	delete(h.msgCounts, key)
	h.msgMu.Unlock()
	if delta == 0 {
		return
	}
	agent, err := h.store.GetAgent(id.Tenant.ID, id.Fleet.ID, id.Agent.ID)
	if err != nil {
		return
	}
	agent.MessagesTotal += delta
	h.store.UpdateAgent(agent)
}

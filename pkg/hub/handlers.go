package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/ringforge/ringforge/pkg/blob"
	"github.com/ringforge/ringforge/pkg/gateway"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
)

// HandleRequest implements gateway.Backend: the domain operations behind
// the gates. Session-scoped operations (tag subtopics, memory patterns,
// replay) never reach here; the gateway owns those.
func (h *Hub) HandleRequest(id *gateway.Identity, env *protocol.Envelope) (any, error) {
	switch env.Type {
	case protocol.TypePresence:
		return h.handlePresence(id, env)
	case protocol.TypeActivity:
		return h.handleActivity(id, env)
	case protocol.TypeMemory:
		return h.handleMemory(id, env)
	case protocol.TypeDirect:
		return h.handleDirect(id, env)
	case protocol.TypeTask:
		return h.handleTask(id, env)
	case protocol.TypeFile:
		return h.handleFile(id, env)
	case protocol.TypeGroup:
		return h.handleGroup(id, env)
	}
	return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown message type")
}

func (h *Hub) handlePresence(id *gateway.Identity, env *protocol.Envelope) (any, error) {
	switch env.Action {
	case "update":
		var req protocol.PresenceUpdateRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		state := types.PresenceState(req.State)
		if !state.Valid() {
			return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown presence state")
		}
		entry := h.presence.Update(id.Tenant.ID, id.Fleet.ID, id.Agent.ID, state, req.Task, req.Load)
		if entry == nil {
			return nil, protocol.NewError(protocol.CodeConflict, "no live presence entry")
		}
		h.emit(&types.Event{
			TenantID: id.Tenant.ID,
			FleetID:  id.Fleet.ID,
			AgentID:  id.Agent.ID,
			Kind:     types.EventStateChanged,
			Payload: map[string]any{
				"agent_name": entry.Name,
				"state":      string(entry.State),
				"task":       entry.CurrentTask,
				"load":       entry.Load,
			},
		})
		h.tasks.OnPresenceChange(id.Tenant.ID, id.Fleet.ID)
		return entry, nil

	case "roster":
		roster := h.presence.Roster(id.Tenant.ID, id.Fleet.ID)
		return map[string]any{"agents": roster, "count": len(roster)}, nil

	case "profile":
		var req protocol.PresenceProfileRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		if req.DisplayName != "" {
			id.Agent.DisplayName = req.DisplayName
		}
		if req.Tags != nil {
			id.Agent.Tags = req.Tags
		}
		if req.Metadata != nil {
			id.Agent.Metadata = req.Metadata
		}
		if err := h.store.UpdateAgent(id.Agent); err != nil {
			return nil, protocol.NewError(protocol.CodeServerError, "persist agent")
		}
		return id.Agent, nil
	}
	return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown presence action")
}

func (h *Hub) handleActivity(id *gateway.Identity, env *protocol.Envelope) (any, error) {
	if env.Action != "publish" {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown activity action")
	}
	var req protocol.ActivityPublishRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	kind := types.ActivityKind(req.Kind)
	if !kind.Valid() {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown activity kind")
	}
	scope, err := parseScope(req.Scope, req.ScopeTags, req.ScopeAgent)
	if err != nil {
		return nil, err
	}

	event := &types.Event{
		TenantID: id.Tenant.ID,
		FleetID:  id.Fleet.ID,
		AgentID:  id.Agent.ID,
		Kind:     types.EventActivity,
		Scope:    scope,
		Tags:     req.Tags,
		Payload: map[string]any{
			"kind":        string(kind),
			"description": req.Description,
			"data":        req.Data,
			"agent_name":  id.Agent.Name,
		},
	}
	if err := h.emit(event); err != nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "event log unavailable")
	}
	return map[string]any{
		"event_id": event.ID,
		"position": event.Position,
		"ts":       event.Timestamp.UnixMilli(),
	}, nil
}

func parseScope(scope string, tags []string, agentID string) (types.Scope, error) {
	switch scope {
	case "", "fleet":
		return types.Scope{}, nil
	case "tagged":
		if len(tags) == 0 {
			return types.Scope{}, protocol.NewError(protocol.CodeInvalidMessage, "tagged scope needs scope_tags")
		}
		return types.Scope{Kind: types.ScopeTagged, Tags: tags}, nil
	case "direct":
		if agentID == "" {
			return types.Scope{}, protocol.NewError(protocol.CodeInvalidMessage, "direct scope needs scope_agent")
		}
		return types.Scope{Kind: types.ScopeDirect, AgentID: agentID}, nil
	}
	return types.Scope{}, protocol.NewError(protocol.CodeInvalidMessage, "unknown scope")
}

func (h *Hub) handleMemory(id *gateway.Identity, env *protocol.Envelope) (any, error) {
	switch env.Action {
	case "set":
		var req protocol.MemorySetRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		if !h.memory.Has(id.Tenant.ID, id.Fleet.ID, req.Key) {
			if _, err := h.quotas.CheckMemoryEntries(id.Tenant, h.memory.Count(id.Tenant.ID)); err != nil {
				return nil, err
			}
		}
		if _, err := h.quotas.CheckStorage(id.Tenant, h.memory.Bytes(id.Tenant.ID), int64(len(req.Value))); err != nil {
			return nil, err
		}
		return h.memory.Set(id.Tenant.ID, id.Fleet.ID, id.Agent.ID, &req)

	case "get":
		var req protocol.MemoryKeyRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		return h.memory.Get(id.Tenant.ID, id.Fleet.ID, req.Key)

	case "delete":
		var req protocol.MemoryKeyRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		if err := h.memory.Delete(id.Tenant.ID, id.Fleet.ID, id.Agent.ID, req.Key); err != nil {
			return nil, err
		}
		return map[string]any{"key": req.Key, "deleted": true}, nil

	case "query":
		var req protocol.MemoryQueryRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		entries, total, err := h.memory.Query(id.Tenant.ID, id.Fleet.ID, &req)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries, "total": total}, nil
	}
	return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown memory action")
}

func (h *Hub) handleDirect(id *gateway.Identity, env *protocol.Envelope) (any, error) {
	if env.Action != "send" {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown direct action")
	}
	var req protocol.DirectSendRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	if _, err := h.store.GetAgent(id.Tenant.ID, id.Fleet.ID, req.To); err != nil {
		return nil, protocol.NewError(protocol.CodeNotFound, "unknown recipient")
	}
	msg, err := h.messaging.Send(id.Tenant.ID, id.Fleet.ID, id.Agent.ID, &req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"message_id": msg.ID,
		"delivery":   string(msg.State),
		"sent_at":    msg.SentAt.UnixMilli(),
	}, nil
}

func (h *Hub) handleTask(id *gateway.Identity, env *protocol.Envelope) (any, error) {
	switch env.Action {
	case "submit":
		var req protocol.TaskSubmitRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		return h.tasks.Submit(id.Tenant.ID, id.Fleet.ID, id.Agent.ID, &req)

	case "claim", "start", "complete", "fail", "get":
		var req protocol.TaskUpdateRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		if req.TaskID == "" {
			return nil, protocol.NewError(protocol.CodeInvalidMessage, "missing task_id")
		}
		switch env.Action {
		case "claim":
			return h.tasks.Claim(id.Tenant.ID, id.Fleet.ID, id.Agent.ID, req.TaskID)
		case "start":
			return h.tasks.Start(id.Tenant.ID, id.Fleet.ID, id.Agent.ID, req.TaskID)
		case "complete":
			return h.tasks.Complete(id.Tenant.ID, id.Fleet.ID, id.Agent.ID, req.TaskID, req.Result)
		case "fail":
			return h.tasks.Fail(id.Tenant.ID, id.Fleet.ID, id.Agent.ID, req.TaskID, req.Reason)
		default:
			return h.tasks.Get(id.Tenant.ID, id.Fleet.ID, req.TaskID)
		}

	case "list":
		return map[string]any{"tasks": h.tasks.ListFleet(id.Tenant.ID, id.Fleet.ID)}, nil
	}
	return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown task action")
}

func (h *Hub) handleFile(id *gateway.Identity, env *protocol.Envelope) (any, error) {
	switch env.Action {
	case "upload_url":
		var req protocol.FileUploadURLRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		if _, err := h.quotas.CheckStorage(id.Tenant, h.memory.Bytes(id.Tenant.ID), req.Size); err != nil {
			return nil, err
		}
		fileID, uploadURL, err := h.blobs.UploadURL(id.Tenant.ID, id.Fleet.ID, req.Filename, req.ContentType, req.Size)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"file_id":            fileID,
			"upload_url":         uploadURL,
			"expires_in_seconds": int(blob.URLTTL / time.Second),
		}, nil

	case "download_url":
		var req protocol.FileDownloadURLRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		url, err := h.blobs.DownloadURL(id.Tenant.ID, id.Fleet.ID, req.FileID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"url":                url,
			"expires_in_seconds": int(blob.URLTTL / time.Second),
		}, nil
	}
	return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown file action")
}

func (h *Hub) handleGroup(id *gateway.Identity, env *protocol.Envelope) (any, error) {
	switch env.Action {
	case "create":
		var req protocol.GroupCreateRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		if req.Name == "" {
			return nil, protocol.NewError(protocol.CodeInvalidMessage, "missing group name")
		}
		gtype := types.GroupType(req.Type)
		switch gtype {
		case types.GroupSquad, types.GroupPod, types.GroupChannel:
		default:
			return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown group type")
		}
		members := map[string]types.GroupRole{id.Agent.ID: types.GroupOwner}
		for _, m := range req.Members {
			if _, err := h.store.GetAgent(id.Tenant.ID, id.Fleet.ID, m); err != nil {
				return nil, protocol.NewError(protocol.CodeNotFound, "unknown member agent")
			}
			if _, ok := members[m]; !ok {
				members[m] = types.GroupMember
			}
		}
		group := &types.Group{
			ID:        uuid.New().String(),
			TenantID:  id.Tenant.ID,
			FleetID:   id.Fleet.ID,
			Name:      req.Name,
			Type:      gtype,
			Members:   members,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.store.CreateGroup(group); err != nil {
			return nil, protocol.NewError(protocol.CodeConflict, "group exists")
		}
		return group, nil

	case "list":
		groups, err := h.store.ListGroups(id.Tenant.ID, id.Fleet.ID)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeServerError, "list groups")
		}
		return map[string]any{"groups": groups}, nil

	case "add_member", "remove_member":
		var req protocol.GroupMemberRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		group, err := h.store.GetGroup(id.Tenant.ID, id.Fleet.ID, req.GroupID)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeNotFound, "no such group")
		}
		if group.Dissolved {
			return nil, protocol.NewError(protocol.CodeConflict, "group dissolved")
		}
		if group.Members[id.Agent.ID] != types.GroupOwner {
			return nil, protocol.NewError(protocol.CodeForbidden, "only the owner manages members")
		}
		if env.Action == "add_member" {
			if _, err := h.store.GetAgent(id.Tenant.ID, id.Fleet.ID, req.AgentID); err != nil {
				return nil, protocol.NewError(protocol.CodeNotFound, "unknown member agent")
			}
			role := types.GroupRole(req.Role)
			switch role {
			case "":
				role = types.GroupMember
			case types.GroupMember, types.GroupAdmin:
			default:
				return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown group role")
			}
			group.Members[req.AgentID] = role
		} else {
			if group.Members[req.AgentID] == types.GroupOwner {
				return nil, protocol.NewError(protocol.CodeInvalidMessage, "owner cannot be removed")
			}
			delete(group.Members, req.AgentID)
		}
		if err := h.store.UpdateGroup(group); err != nil {
			return nil, protocol.NewError(protocol.CodeServerError, "persist group")
		}
		return group, nil

	case "dissolve":
		var req protocol.GroupDissolveRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil, err
		}
		group, err := h.store.GetGroup(id.Tenant.ID, id.Fleet.ID, req.GroupID)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeNotFound, "no such group")
		}
		if group.Members[id.Agent.ID] != types.GroupOwner {
			return nil, protocol.NewError(protocol.CodeForbidden, "only the owner dissolves a group")
		}
		if !group.Dissolved {
			group.Dissolved = true
			group.DissolvedAt = time.Now().UTC()
			if err := h.store.UpdateGroup(group); err != nil {
				return nil, protocol.NewError(protocol.CodeServerError, "persist group")
			}
		}
		return group, nil
	}
	return nil, protocol.NewError(protocol.CodeInvalidMessage, "unknown group action")
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ringforge/ringforge/pkg/auth"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
)

type createTenantRequest struct {
	Name     string `json:"name"`
	Plan     string `json:"plan"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, protocol.NewError(protocol.CodeInvalidMessage, "missing tenant name"))
		return
	}
	plan := types.Plan(req.Plan)
	if req.Plan == "" {
		plan = types.PlanFree
	}
	if !plan.Valid() {
		writeError(w, protocol.NewError(protocol.CodeInvalidMessage, "unknown plan"))
		return
	}

	tenant := &types.Tenant{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Plan:      plan,
		Email:     req.Email,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeError(w, protocol.NewError(protocol.CodeServerError, "hash password"))
			return
		}
		tenant.PasswordHash = hash
	}
	if err := s.hub.Store().CreateTenant(tenant); err != nil {
		writeError(w, protocol.NewError(protocol.CodeConflict, "tenant exists"))
		return
	}

	plaintext, key, err := s.hub.Authn().MintKey(tenant.ID, "", types.KeyTypeAdmin, nil)
	if err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "mint admin key"))
		return
	}
	s.hub.Audits().Record(tenant.ID, types.AuditKeyMinted, key.ID, map[string]string{"type": "admin"})

	writeJSON(w, http.StatusCreated, map[string]any{
		"tenant":    sanitizeTenant(tenant),
		"admin_key": plaintext,
		"key":       sanitizeKey(key),
	})
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.hub.Store().GetTenant(id); err != nil {
		forbidden(w)
		return
	}
	if err := s.hub.DeleteTenant(id); err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "delete tenant"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	writeJSON(w, http.StatusOK, sanitizeTenant(tenant))
}

type updateTenantRequest struct {
	Name string `json:"name,omitempty"`
	Plan string `json:"plan,omitempty"`
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	var req updateTenantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" && req.Plan == "" {
		writeError(w, protocol.NewError(protocol.CodeInvalidMessage, "nothing to update"))
		return
	}
	if req.Plan != "" {
		plan := types.Plan(req.Plan)
		if !plan.Valid() {
			writeError(w, protocol.NewError(protocol.CodeInvalidMessage, "unknown plan"))
			return
		}
		tenant.Plan = plan
		s.hub.Audits().Record(tenant.ID, types.AuditQuotaOverride, key.ID, map[string]string{"plan": req.Plan})
	}
	if req.Name != "" {
		tenant.Name = req.Name
	}
	tenant.UpdatedAt = time.Now().UTC()
	if err := s.hub.Store().UpdateTenant(tenant); err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "persist tenant"))
		return
	}
	writeJSON(w, http.StatusOK, sanitizeTenant(tenant))
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	fleets, err := s.hub.Store().ListFleets(tenant.ID)
	if err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "list fleets"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan":           tenant.Plan,
		"messages_today": s.hub.Quotas().MessagesToday(tenant.ID),
		"agents_online":  s.hub.Presence().CountTenant(tenant.ID),
		"memory_entries": s.hub.Memory().Count(tenant.ID),
		"memory_bytes":   s.hub.Memory().Bytes(tenant.ID),
		"fleets":         len(fleets),
		"quota":          s.hub.Config().PlanQuota(tenant.Plan),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	hours := 24
	if v := r.URL.Query().Get("since_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, protocol.NewError(protocol.CodeInvalidMessage, "invalid since_hours"))
			return
		}
		hours = n
	}
	records, err := s.hub.Audits().List(tenant.ID, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "list audit"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleListFleets(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	fleets, err := s.hub.Store().ListFleets(tenant.ID)
	if err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "list fleets"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fleets": fleets})
}

type createFleetRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateFleet(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	var req createFleetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, protocol.NewError(protocol.CodeInvalidMessage, "missing fleet name"))
		return
	}
	fleets, err := s.hub.Store().ListFleets(tenant.ID)
	if err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "list fleets"))
		return
	}
	if err := s.hub.Quotas().CheckFleets(tenant, len(fleets)); err != nil {
		writeError(w, err)
		return
	}
	fleet := &types.Fleet{
		ID:        uuid.New().String(),
		TenantID:  tenant.ID,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.hub.Store().CreateFleet(fleet); err != nil {
		writeError(w, protocol.NewError(protocol.CodeConflict, "fleet name taken"))
		return
	}
	writeJSON(w, http.StatusCreated, fleet)
}

func (s *Server) handleDeleteFleet(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	id := r.PathValue("fleet")
	if _, err := s.hub.Store().GetFleet(tenant.ID, id); err != nil {
		forbidden(w)
		return
	}
	if err := s.hub.DeleteFleet(tenant.ID, id); err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "delete fleet"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListAgents reports every agent across the tenant's fleets with
// its live presence, if any.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	fleets, err := s.hub.Store().ListFleets(tenant.ID)
	if err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "list fleets"))
		return
	}
	type agentStatus struct {
		*types.Agent
		Online bool                 `json:"online"`
		Live   *types.PresenceEntry `json:"presence,omitempty"`
	}
	var out []agentStatus
	for _, fleet := range fleets {
		agents, err := s.hub.Store().ListAgents(tenant.ID, fleet.ID)
		if err != nil {
			writeError(w, protocol.NewError(protocol.CodeServerError, "list agents"))
			return
		}
		for _, a := range agents {
			live := s.hub.Presence().Get(tenant.ID, fleet.ID, a.ID)
			out = append(out, agentStatus{Agent: a, Online: live != nil, Live: live})
		}
	}
	if out == nil {
		out = []agentStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

type mintKeyRequest struct {
	FleetID        string `json:"fleet_id,omitempty"`
	Type           string `json:"type"`
	ExpiresInHours int    `json:"expires_in_hours,omitempty"`
}

func (s *Server) handleMintKey(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	var req mintKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	keyType := types.KeyType(req.Type)
	switch keyType {
	case types.KeyTypeLive, types.KeyTypeTest:
		if req.FleetID == "" {
			writeError(w, protocol.NewError(protocol.CodeInvalidMessage, "session keys need fleet_id"))
			return
		}
		if _, err := s.hub.Store().GetFleet(tenant.ID, req.FleetID); err != nil {
			forbidden(w)
			return
		}
	case types.KeyTypeAdmin:
		req.FleetID = ""
	default:
		writeError(w, protocol.NewError(protocol.CodeInvalidMessage, "unknown key type"))
		return
	}
	var expires *time.Time
	if req.ExpiresInHours > 0 {
		t := time.Now().UTC().Add(time.Duration(req.ExpiresInHours) * time.Hour)
		expires = &t
	}
	plaintext, minted, err := s.hub.Authn().MintKey(tenant.ID, req.FleetID, keyType, expires)
	if err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "mint key"))
		return
	}
	s.hub.Audits().Record(tenant.ID, types.AuditKeyMinted, key.ID, map[string]string{
		"key":  minted.ID,
		"type": string(keyType),
	})
	writeJSON(w, http.StatusCreated, map[string]any{"api_key": plaintext, "key": sanitizeKey(minted)})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	keys, err := s.hub.Store().ListKeys(tenant.ID)
	if err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "list keys"))
		return
	}
	out := make([]*types.APIKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, sanitizeKey(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	id := r.PathValue("id")
	if _, err := s.hub.Store().GetKey(tenant.ID, id); err != nil {
		forbidden(w)
		return
	}
	plaintext, minted, err := s.hub.Authn().RotateKey(tenant.ID, id)
	if err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "rotate key"))
		return
	}
	s.hub.Audits().Record(tenant.ID, types.AuditKeyRotated, key.ID, map[string]string{
		"old": id,
		"new": minted.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"api_key": plaintext, "key": sanitizeKey(minted)})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	id := r.PathValue("id")
	revoked, err := s.hub.Authn().RevokeKey(tenant.ID, id)
	if err != nil {
		forbidden(w)
		return
	}
	s.hub.Audits().Record(tenant.ID, types.AuditKeyRevoked, key.ID, map[string]string{"key": id})
	writeJSON(w, http.StatusOK, sanitizeKey(revoked))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	fleetID, agentID := r.PathValue("fleet"), r.PathValue("agent")
	if _, err := s.hub.Store().GetAgent(tenant.ID, fleetID, agentID); err != nil {
		forbidden(w)
		return
	}
	sessions, err := s.hub.Store().ListSessions(tenant.ID, fleetID, agentID)
	if err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "list sessions"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleKickAgent(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
	fleetID, agentID := r.PathValue("fleet"), r.PathValue("agent")
	if _, err := s.hub.Store().GetAgent(tenant.ID, fleetID, agentID); err != nil {
		forbidden(w)
		return
	}
	if err := s.hub.KickAgent(tenant.ID, fleetID, agentID, key.ID); err != nil {
		writeError(w, protocol.NewError(protocol.CodeServerError, "kick agent"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kicked": agentID})
}

// sanitizeTenant strips credential material from responses.
func sanitizeTenant(t *types.Tenant) *types.Tenant {
	clean := *t
	clean.PasswordHash = nil
	return &clean
}

// sanitizeKey strips the stored hash; only the prefix is displayable.
func sanitizeKey(k *types.APIKey) *types.APIKey {
	clean := *k
	clean.Hash = nil
	return &clean
}

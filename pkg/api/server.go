package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ringforge/ringforge/pkg/hub"
	"github.com/ringforge/ringforge/pkg/limits"
	"github.com/ringforge/ringforge/pkg/log"
	"github.com/ringforge/ringforge/pkg/metrics"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
)

// Server is the control plane: tenant, fleet, and key administration
// plus health and metrics. It authenticates with admin API keys; tenant
// bootstrap additionally accepts the configured bootstrap key.
type Server struct {
	hub  *hub.Hub
	mux  *http.ServeMux
	http *http.Server
}

// NewServer builds the control plane over a hub.
func NewServer(h *hub.Hub) *Server {
	s := &Server{hub: h, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/live", s.handleHealth)
	s.mux.HandleFunc("GET /health/ready", s.handleReady)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("POST /api/v1/tenants", s.bootstrap(s.handleCreateTenant))
	s.mux.HandleFunc("DELETE /api/v1/tenants/{id}", s.bootstrap(s.handleDeleteTenant))

	s.mux.HandleFunc("GET /api/v1/tenants/{id}", s.tenantScoped(s.handleGetTenant))
	s.mux.HandleFunc("PATCH /api/v1/tenants/{id}", s.tenantScoped(s.handleUpdateTenant))
	s.mux.HandleFunc("GET /api/v1/tenants/{id}/usage", s.tenantScoped(s.handleUsage))
	s.mux.HandleFunc("GET /api/v1/tenants/{id}/audit", s.tenantScoped(s.handleAudit))
	s.mux.HandleFunc("GET /api/v1/tenants/{id}/agents", s.tenantScoped(s.handleListAgents))

	s.mux.HandleFunc("GET /api/v1/tenants/{id}/fleets", s.tenantScoped(s.handleListFleets))
	s.mux.HandleFunc("POST /api/v1/tenants/{id}/fleets", s.tenantScoped(s.handleCreateFleet))
	s.mux.HandleFunc("DELETE /api/v1/tenants/{id}/fleets/{fleet}", s.tenantScoped(s.handleDeleteFleet))

	s.mux.HandleFunc("GET /api/v1/tenants/{id}/keys", s.tenantScoped(s.handleListKeys))
	s.mux.HandleFunc("POST /api/v1/tenants/{id}/keys", s.tenantScoped(s.handleMintKey))
	s.mux.HandleFunc("POST /api/v1/keys/{id}/rotate", s.admin(s.handleRotateKey))
	s.mux.HandleFunc("DELETE /api/v1/keys/{id}", s.admin(s.handleRevokeKey))

	s.mux.HandleFunc("GET /api/v1/tenants/{id}/fleets/{fleet}/agents/{agent}/sessions", s.tenantScoped(s.handleListSessions))
	s.mux.HandleFunc("POST /api/v1/tenants/{id}/fleets/{fleet}/agents/{agent}/kick", s.tenantScoped(s.handleKickAgent))

	return s
}

// Start serves the control plane until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.instrumented(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("control plane listening")
	return s.http.ListenAndServe()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.instrumented() }

func (s *Server) instrumented() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// adminHandler runs with the key's tenant resolved.
type adminHandler func(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey)

// admin authenticates an admin API key and scopes the request to its
// tenant. Lookup misses inside the tenant surface render forbidden, not
// not_found, so key holders cannot probe other tenants' id space.
func (s *Server) admin(next adminHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		key, err := s.hub.Authn().VerifyKey(token)
		if err != nil {
			writeError(w, protocol.NewError(protocol.CodeUnauthorized, "admin key required"))
			return
		}
		if key.Type != types.KeyTypeAdmin {
			writeError(w, protocol.NewError(protocol.CodeForbidden, "not an admin key"))
			return
		}
		if err := s.hub.Rates().Allow(limits.ScopeAPI, key.ID, s.hub.Config().Limits.APIRequestsPerMin); err != nil {
			writeError(w, err)
			return
		}
		tenant, err := s.hub.Store().GetTenant(key.TenantID)
		if err != nil {
			writeError(w, protocol.NewError(protocol.CodeUnauthorized, "tenant gone"))
			return
		}
		next(w, r, tenant, key)
	}
}

// tenantScoped wraps admin for routes whose path names a tenant. The id
// segment must be the key's own tenant; any other id renders forbidden,
// so admin keys cannot probe or reach across tenants.
func (s *Server) tenantScoped(next adminHandler) http.HandlerFunc {
	return s.admin(func(w http.ResponseWriter, r *http.Request, tenant *types.Tenant, key *types.APIKey) {
		if r.PathValue("id") != tenant.ID {
			forbidden(w)
			return
		}
		next(w, r, tenant, key)
	})
}

// bootstrap guards tenant lifecycle endpoints with the operator's
// bootstrap key.
func (s *Server) bootstrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configured := s.hub.Config().BootstrapKey
		if configured == "" {
			writeError(w, protocol.NewError(protocol.CodeForbidden, "tenant bootstrap disabled"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(bearer(r)), []byte(configured)) != 1 {
			writeError(w, protocol.NewError(protocol.CodeUnauthorized, "bootstrap key required"))
			return
		}
		next(w, r)
	}
}

func bearer(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	perr := protocol.AsError(err)
	writeJSON(w, perr.Code.HTTPStatus(), map[string]any{"error": perr})
}

// forbidden renders the cross-tenant probe response.
func forbidden(w http.ResponseWriter) {
	writeError(w, protocol.NewError(protocol.CodeForbidden, "forbidden"))
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return protocol.NewError(protocol.CodeInvalidMessage, "malformed request body")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "timestamp": time.Now().UTC()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok"}
	status := http.StatusOK
	if _, err := s.hub.Store().ListTenants(); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
}

package storage

import (
	"errors"
	"time"

	"github.com/ringforge/ringforge/pkg/types"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Store is the metadata persistence port: durable CRUD for tenants,
// fleets, agents, keys, sessions, groups, and audit records.
// Transactional per entity, not distributed. Every method below a tenant
// takes the caller's tenant id; implementations key rows by tenant so a
// cross-tenant read is structurally impossible.
type Store interface {
	// Tenants
	CreateTenant(t *types.Tenant) error
	GetTenant(id string) (*types.Tenant, error)
	UpdateTenant(t *types.Tenant) error
	ListTenants() ([]*types.Tenant, error)
	// DeleteTenant cascades through every per-tenant prefix.
	DeleteTenant(id string) error

	// Fleets
	CreateFleet(f *types.Fleet) error
	GetFleet(tenantID, id string) (*types.Fleet, error)
	GetFleetByName(tenantID, name string) (*types.Fleet, error)
	ListFleets(tenantID string) ([]*types.Fleet, error)
	// DeleteFleet cascades to agents and groups in the fleet.
	DeleteFleet(tenantID, id string) error

	// Agents
	CreateAgent(a *types.Agent) error
	GetAgent(tenantID, fleetID, id string) (*types.Agent, error)
	GetAgentByName(tenantID, fleetID, name string) (*types.Agent, error)
	UpdateAgent(a *types.Agent) error
	ListAgents(tenantID, fleetID string) ([]*types.Agent, error)
	ListTenantAgents(tenantID string) ([]*types.Agent, error)
	DeleteAgent(tenantID, fleetID, id string) error

	// API keys. Lookup by hash is global (a live hash resolves to exactly
	// one tenant); everything else is tenant scoped.
	CreateKey(k *types.APIKey) error
	GetKey(tenantID, id string) (*types.APIKey, error)
	GetKeyByHash(hash []byte) (*types.APIKey, error)
	UpdateKey(k *types.APIKey) error
	ListKeys(tenantID string) ([]*types.APIKey, error)

	// Sessions. CreateSession prunes history beyond
	// types.SessionHistoryLimit rows per agent.
	CreateSession(s *types.Session) error
	UpdateSession(s *types.Session) error
	ListSessions(tenantID, fleetID, agentID string) ([]*types.Session, error)

	// Groups
	CreateGroup(g *types.Group) error
	GetGroup(tenantID, fleetID, id string) (*types.Group, error)
	UpdateGroup(g *types.Group) error
	ListGroups(tenantID, fleetID string) ([]*types.Group, error)

	// Audit
	AppendAudit(r *types.AuditRecord) error
	ListAudit(tenantID string, since time.Time) ([]*types.AuditRecord, error)
	PruneAudit(before time.Time) error

	Close() error
}

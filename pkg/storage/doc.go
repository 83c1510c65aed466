/*
Package storage provides the bbolt-backed metadata store.

The store holds the control plane's durable rows: tenants, fleets,
agents, API keys, sessions, groups, and audit records. Event data
never lives here; pkg/eventlog owns that file.

# Layout

One bbolt database, one bucket per entity, rows keyed with the tenant
in the prefix:

	meta.db
	├── tenants/    <tenant>                       → Tenant
	├── fleets/     <tenant>/<fleet>               → Fleet
	├── agents/     <tenant>/<fleet>/<agent>       → Agent
	├── keys/       <tenant>/<key>                 → APIKey
	├── key_hash/   sha256(plaintext)              → <tenant>/<key>
	├── sessions/   <tenant>/<fleet>/<agent>/<ts>  → Session
	├── groups/     <tenant>/<fleet>/<group>       → Group
	└── audit/      <tenant>/<ts>/<id>             → AuditRecord

Tenant isolation is structural: every read builds its key from the
caller's tenant, so a cross-tenant id simply misses. The key_hash
bucket is the one global index, needed because authentication starts
from a plaintext key with no tenant in hand.

# Cascades

DeleteFleet removes the fleet's agents, sessions, groups, and
fleet-scoped keys (hash index included). DeleteTenant removes every
prefixed row of the tenant. Callers that also hold hot state (memory
projections, event logs) cascade those separately.

# Session History

Session rows are keyed by zero-padded ConnectedAt nanoseconds; at most
SessionHistoryLimit rows are retained per agent, oldest pruned on
insert.

# Errors

ErrNotFound and ErrConflict are the only sentinel errors; everything
else is an I/O failure wrapped with context.

# Usage

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.CreateTenant(&types.Tenant{ID: id, Name: "acme", Plan: types.PlanFree})
	fleet, err := store.GetFleetByName(id, "prod")

# See Also

  - pkg/eventlog for event data
  - pkg/auth for the key_hash consumers
*/
package storage

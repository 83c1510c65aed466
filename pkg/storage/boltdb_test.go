package storage

import (
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"github.com/ringforge/ringforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTenant(t *testing.T, s *BoltStore, id string) *types.Tenant {
	t.Helper()
	tenant := &types.Tenant{ID: id, Name: id, Plan: types.PlanFree, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateTenant(tenant))
	return tenant
}

func seedFleet(t *testing.T, s *BoltStore, tenantID, id, name string) *types.Fleet {
	t.Helper()
	fleet := &types.Fleet{ID: id, TenantID: tenantID, Name: name, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateFleet(fleet))
	return fleet
}

func TestTenantCRUD(t *testing.T) {
	s := newTestStore(t)
	seedTenant(t, s, "t1")

	got, err := s.GetTenant("t1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanFree, got.Plan)

	got.Plan = types.PlanPro
	require.NoError(t, s.UpdateTenant(got))
	got, err = s.GetTenant("t1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanPro, got.Plan)

	assert.ErrorIs(t, s.CreateTenant(&types.Tenant{ID: "t1"}), ErrConflict)
	_, err = s.GetTenant("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFleetNameUniquePerTenant(t *testing.T) {
	s := newTestStore(t)
	seedTenant(t, s, "t1")
	seedFleet(t, s, "t1", "f1", "prod")

	err := s.CreateFleet(&types.Fleet{ID: "f2", TenantID: "t1", Name: "prod"})
	assert.ErrorIs(t, err, ErrConflict)

	// Same name under another tenant is fine.
	seedTenant(t, s, "t2")
	assert.NoError(t, s.CreateFleet(&types.Fleet{ID: "f3", TenantID: "t2", Name: "prod"}))
}

func TestGetFleetByName(t *testing.T) {
	s := newTestStore(t)
	seedTenant(t, s, "t1")
	seedFleet(t, s, "t1", "f1", "prod")

	got, err := s.GetFleetByName("t1", "prod")
	require.NoError(t, err)
	assert.Equal(t, "f1", got.ID)

	_, err = s.GetFleetByName("t2", "prod")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(&types.Agent{ID: "a1", TenantID: "t1", FleetID: "f1", Name: "alpha"}))

	_, err := s.GetAgent("t2", "f1", "a1")
	assert.ErrorIs(t, err, ErrNotFound, "rows are keyed by tenant, cross-tenant reads miss structurally")

	_, err = s.GetAgentByName("t2", "f1", "alpha")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFleetDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	seedTenant(t, s, "t1")
	seedFleet(t, s, "t1", "f1", "prod")
	require.NoError(t, s.CreateAgent(&types.Agent{ID: "a1", TenantID: "t1", FleetID: "f1", Name: "alpha"}))
	require.NoError(t, s.CreateGroup(&types.Group{ID: "g1", TenantID: "t1", FleetID: "f1", Name: "squad"}))

	hash := sha256.Sum256([]byte("some-key"))
	require.NoError(t, s.CreateKey(&types.APIKey{ID: "k1", TenantID: "t1", FleetID: "f1", Type: types.KeyTypeLive, Hash: hash[:]}))

	require.NoError(t, s.DeleteFleet("t1", "f1"))

	_, err := s.GetAgent("t1", "f1", "a1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetGroup("t1", "f1", "g1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetKeyByHash(hash[:])
	assert.ErrorIs(t, err, ErrNotFound, "fleet-scoped keys die with the fleet")
}

func TestTenantDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	seedTenant(t, s, "t1")
	seedFleet(t, s, "t1", "f1", "prod")
	require.NoError(t, s.CreateAgent(&types.Agent{ID: "a1", TenantID: "t1", FleetID: "f1", Name: "alpha"}))

	hash := sha256.Sum256([]byte("admin-key"))
	require.NoError(t, s.CreateKey(&types.APIKey{ID: "k1", TenantID: "t1", Type: types.KeyTypeAdmin, Hash: hash[:]}))

	require.NoError(t, s.DeleteTenant("t1"))

	_, err := s.GetTenant("t1")
	assert.ErrorIs(t, err, ErrNotFound)
	fleets, err := s.ListFleets("t1")
	require.NoError(t, err)
	assert.Empty(t, fleets)
	_, err = s.GetKeyByHash(hash[:])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyHashLookup(t *testing.T) {
	s := newTestStore(t)
	hash := sha256.Sum256([]byte("plaintext"))
	require.NoError(t, s.CreateKey(&types.APIKey{ID: "k1", TenantID: "t1", Type: types.KeyTypeLive, Hash: hash[:]}))

	got, err := s.GetKeyByHash(hash[:])
	require.NoError(t, err)
	assert.Equal(t, "k1", got.ID)
	assert.Equal(t, "t1", got.TenantID)

	other := sha256.Sum256([]byte("different"))
	_, err = s.GetKeyByHash(other[:])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionHistoryPruned(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < types.SessionHistoryLimit+10; i++ {
		require.NoError(t, s.CreateSession(&types.Session{
			ID:          fmt.Sprintf("s%03d", i),
			TenantID:    "t1",
			FleetID:     "f1",
			AgentID:     "a1",
			ConnectedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	sessions, err := s.ListSessions("t1", "f1", "a1")
	require.NoError(t, err)
	require.Len(t, sessions, types.SessionHistoryLimit)
	assert.Equal(t, "s010", sessions[0].ID, "oldest rows are pruned first")
}

func TestUpdateSession(t *testing.T) {
	s := newTestStore(t)
	connectedAt := time.Now().UTC()
	sess := &types.Session{ID: "s1", TenantID: "t1", FleetID: "f1", AgentID: "a1", ConnectedAt: connectedAt}
	require.NoError(t, s.CreateSession(sess))

	disconnected := connectedAt.Add(time.Minute)
	sess.DisconnectedAt = &disconnected
	sess.Reason = "client_close"
	require.NoError(t, s.UpdateSession(sess))

	sessions, err := s.ListSessions("t1", "f1", "a1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "client_close", sessions[0].Reason)
	require.NotNil(t, sessions[0].DisconnectedAt)
}

func TestGroupNameUniqueAmongLive(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateGroup(&types.Group{ID: "g1", TenantID: "t1", FleetID: "f1", Name: "squad"}))
	assert.ErrorIs(t, s.CreateGroup(&types.Group{ID: "g2", TenantID: "t1", FleetID: "f1", Name: "squad"}), ErrConflict)

	// A dissolved group frees its name.
	g, err := s.GetGroup("t1", "f1", "g1")
	require.NoError(t, err)
	g.Dissolved = true
	require.NoError(t, s.UpdateGroup(g))
	assert.NoError(t, s.CreateGroup(&types.Group{ID: "g3", TenantID: "t1", FleetID: "f1", Name: "squad"}))
}

func TestAuditListAndPrune(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for i, age := range []time.Duration{48 * time.Hour, 12 * time.Hour, time.Hour} {
		require.NoError(t, s.AppendAudit(&types.AuditRecord{
			ID:        fmt.Sprintf("r%d", i),
			TenantID:  "t1",
			Action:    types.AuditAuthSuccess,
			Timestamp: now.Add(-age),
		}))
	}

	records, err := s.ListAudit("t1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, s.PruneAudit(now.Add(-24*time.Hour)))
	records, err = s.ListAudit("t1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

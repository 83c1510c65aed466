package presence

import (
	"testing"
	"time"

	"github.com/ringforge/ringforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex() *Index {
	return NewIndex(time.Hour, time.Hour, nil)
}

func TestJoinAndGet(t *testing.T) {
	idx := newTestIndex()
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a1", Name: "alpha", State: types.PresenceOnline})

	entry := idx.Get("t1", "f1", "a1")
	require.NotNil(t, entry)
	assert.Equal(t, "alpha", entry.Name)
	assert.Equal(t, types.PresenceOnline, entry.State)
	assert.False(t, entry.LastHeartbeat.IsZero())
}

func TestGetOfflineAgent(t *testing.T) {
	idx := newTestIndex()
	assert.Nil(t, idx.Get("t1", "f1", "ghost"))
}

func TestLeave(t *testing.T) {
	idx := newTestIndex()
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a1", Name: "alpha"})

	removed := idx.Leave("t1", "f1", "a1")
	require.NotNil(t, removed)
	assert.Nil(t, idx.Get("t1", "f1", "a1"))
	assert.Nil(t, idx.Leave("t1", "f1", "a1"), "second leave is a no-op")
}

func TestMultiSessionAgentStaysOnline(t *testing.T) {
	idx := newTestIndex()
	assert.True(t, idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a1", Name: "alpha", State: types.PresenceOnline}))
	assert.False(t, idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a1", Name: "alpha"}), "already online")

	assert.Nil(t, idx.Leave("t1", "f1", "a1"), "one session still up")
	assert.NotNil(t, idx.Get("t1", "f1", "a1"))

	removed := idx.Leave("t1", "f1", "a1")
	require.NotNil(t, removed, "last session takes the agent offline")
	assert.Nil(t, idx.Get("t1", "f1", "a1"))
}

func TestSecondJoinKeepsLiveState(t *testing.T) {
	idx := newTestIndex()
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a1", Name: "alpha", State: types.PresenceOnline})
	require.NotNil(t, idx.Update("t1", "f1", "a1", types.PresenceBusy, "indexing", 0.4))

	idx.Join("t1", "f1", &types.PresenceEntry{
		AgentID: "a1", Name: "alpha", State: types.PresenceOnline,
		Capabilities: []string{"ocr"},
	})

	entry := idx.Get("t1", "f1", "a1")
	require.NotNil(t, entry)
	assert.Equal(t, types.PresenceBusy, entry.State, "a second session does not reset presence")
	assert.Equal(t, "indexing", entry.CurrentTask)
	assert.Equal(t, []string{"ocr"}, entry.Capabilities, "capabilities refresh")
}

func TestUpdateRequiresLiveEntry(t *testing.T) {
	idx := newTestIndex()
	assert.Nil(t, idx.Update("t1", "f1", "a1", types.PresenceBusy, "", 0))

	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a1", Name: "alpha", State: types.PresenceOnline})
	entry := idx.Update("t1", "f1", "a1", types.PresenceBusy, "indexing", 0.6)
	require.NotNil(t, entry)
	assert.Equal(t, types.PresenceBusy, entry.State)
	assert.Equal(t, "indexing", entry.CurrentTask)
	assert.Equal(t, 0.6, entry.Load)
}

func TestRosterSortedByName(t *testing.T) {
	idx := newTestIndex()
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a2", Name: "charlie"})
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a1", Name: "alpha"})
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a3", Name: "bravo"})

	roster := idx.Roster("t1", "f1")
	require.Len(t, roster, 3)
	assert.Equal(t, "alpha", roster[0].Name)
	assert.Equal(t, "bravo", roster[1].Name)
	assert.Equal(t, "charlie", roster[2].Name)
}

func TestRosterReturnsCopies(t *testing.T) {
	idx := newTestIndex()
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a1", Name: "alpha", State: types.PresenceOnline})

	roster := idx.Roster("t1", "f1")
	roster[0].State = types.PresenceAway

	assert.Equal(t, types.PresenceOnline, idx.Get("t1", "f1", "a1").State)
}

func TestCountTenantSpansFleets(t *testing.T) {
	idx := newTestIndex()
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a1", Name: "a"})
	idx.Join("t1", "f2", &types.PresenceEntry{AgentID: "a2", Name: "b"})
	idx.Join("t2", "f1", &types.PresenceEntry{AgentID: "a3", Name: "c"})

	assert.Equal(t, 2, idx.CountTenant("t1"))
	assert.Equal(t, 1, idx.CountTenant("t2"))
	assert.Equal(t, 1, idx.Count("t1", "f1"))
}

func TestSweepExpiresStaleEntries(t *testing.T) {
	idx := newTestIndex()
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "stale", Name: "stale"})
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "fresh", Name: "fresh"})

	// Age one heartbeat past the cutoff by hand; the sweeper only looks
	// at LastHeartbeat.
	idx.mu.Lock()
	idx.fleets["t1/f1"]["stale"].LastHeartbeat = time.Now().Add(-10 * time.Minute)
	idx.mu.Unlock()

	expired := idx.sweep(time.Now().Add(-5 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].entry.AgentID)
	assert.Equal(t, "t1", expired[0].tenantID)
	assert.Equal(t, "f1", expired[0].fleetID)

	assert.Nil(t, idx.Get("t1", "f1", "stale"))
	assert.NotNil(t, idx.Get("t1", "f1", "fresh"))
}

func TestTouchDefersExpiry(t *testing.T) {
	idx := newTestIndex()
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "a1", Name: "alpha"})

	idx.mu.Lock()
	idx.fleets["t1/f1"]["a1"].LastHeartbeat = time.Now().Add(-10 * time.Minute)
	idx.mu.Unlock()

	idx.Touch("t1", "f1", "a1")
	expired := idx.sweep(time.Now().Add(-5 * time.Minute))
	assert.Empty(t, expired)
}

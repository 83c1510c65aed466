package eventlog

import (
	"testing"
	"time"

	"github.com/ringforge/ringforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *BoltLog {
	t.Helper()
	l, err := NewBoltLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func append3(t *testing.T, l *BoltLog, tenant, fleet string) {
	t.Helper()
	for _, kind := range []types.EventKind{types.EventJoined, types.EventActivity, types.EventLeft} {
		_, err := l.Append(&types.Event{TenantID: tenant, FleetID: fleet, AgentID: "a1", Kind: kind})
		require.NoError(t, err)
	}
}

func TestAppendAssignsMonotonicPositions(t *testing.T) {
	l := newTestLog(t)

	var last uint64
	for i := 0; i < 5; i++ {
		pos, err := l.Append(&types.Event{TenantID: "t1", FleetID: "f1", Kind: types.EventActivity})
		require.NoError(t, err)
		assert.Greater(t, pos, last)
		last = pos
	}
	assert.Equal(t, uint64(5), last)
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	l := newTestLog(t)

	e := &types.Event{TenantID: "t1", FleetID: "f1", Kind: types.EventActivity}
	_, err := l.Append(e)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestTimestampsMonotonicPerFleet(t *testing.T) {
	l := newTestLog(t)

	fixed := time.Now().UTC()
	var prev time.Time
	for i := 0; i < 4; i++ {
		e := &types.Event{TenantID: "t1", FleetID: "f1", Kind: types.EventActivity, Timestamp: fixed}
		_, err := l.Append(e)
		require.NoError(t, err)
		if i > 0 {
			assert.True(t, e.Timestamp.After(prev), "fleet timestamps must never repeat or go backwards")
		}
		prev = e.Timestamp
	}
}

func TestPositionsIndependentPerFleet(t *testing.T) {
	l := newTestLog(t)

	p1, err := l.Append(&types.Event{TenantID: "t1", FleetID: "f1", Kind: types.EventActivity})
	require.NoError(t, err)
	p2, err := l.Append(&types.Event{TenantID: "t1", FleetID: "f2", Kind: types.EventActivity})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p1)
	assert.Equal(t, uint64(1), p2)
}

func TestScanInPositionOrder(t *testing.T) {
	l := newTestLog(t)
	append3(t, l, "t1", "f1")

	var positions []uint64
	err := l.Scan("t1", "f1", Filter{}, func(e *types.Event) bool {
		positions = append(positions, e.Position)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, positions)
}

func TestScanFilterByKind(t *testing.T) {
	l := newTestLog(t)
	append3(t, l, "t1", "f1")

	var kinds []types.EventKind
	err := l.Scan("t1", "f1", Filter{Kinds: []types.EventKind{types.EventActivity}}, func(e *types.Event) bool {
		kinds = append(kinds, e.Kind)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []types.EventKind{types.EventActivity}, kinds)
}

func TestScanFromPosition(t *testing.T) {
	l := newTestLog(t)
	append3(t, l, "t1", "f1")

	var positions []uint64
	err := l.Scan("t1", "f1", Filter{FromPosition: 2}, func(e *types.Event) bool {
		positions = append(positions, e.Position)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, positions)
}

func TestScanStopsEarly(t *testing.T) {
	l := newTestLog(t)
	append3(t, l, "t1", "f1")

	n := 0
	err := l.Scan("t1", "f1", Filter{}, func(e *types.Event) bool {
		n++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScanEmptyFleet(t *testing.T) {
	l := newTestLog(t)
	err := l.Scan("t1", "nope", Filter{}, func(e *types.Event) bool {
		t.Fatal("callback must not fire on an empty log")
		return false
	})
	require.NoError(t, err)
}

func TestScanIsolatedByTenant(t *testing.T) {
	l := newTestLog(t)
	append3(t, l, "t1", "f1")

	n := 0
	err := l.Scan("t2", "f1", Filter{}, func(e *types.Event) bool {
		n++
		return true
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFilterMatchTags(t *testing.T) {
	f := Filter{Tags: []string{"gpu"}}
	assert.True(t, f.Match(&types.Event{Tags: []string{"gpu", "batch"}}))
	assert.False(t, f.Match(&types.Event{Tags: []string{"cpu"}}))
	assert.False(t, f.Match(&types.Event{}))
}

func TestFilterMatchAgents(t *testing.T) {
	f := Filter{Agents: []string{"a1", "a2"}}
	assert.True(t, f.Match(&types.Event{AgentID: "a2"}))
	assert.False(t, f.Match(&types.Event{AgentID: "a3"}))
}

func TestCompactDropsOldKeepsRecent(t *testing.T) {
	l := newTestLog(t)
	old := time.Now().Add(-48 * time.Hour)

	_, err := l.Append(&types.Event{TenantID: "t1", FleetID: "f1", Kind: types.EventActivity, Timestamp: old})
	require.NoError(t, err)
	_, err = l.Append(&types.Event{TenantID: "t1", FleetID: "f1", Kind: types.EventActivity})
	require.NoError(t, err)

	require.NoError(t, l.Compact("t1", "f1", time.Now().Add(-24*time.Hour)))

	n := 0
	require.NoError(t, l.Scan("t1", "f1", Filter{}, func(e *types.Event) bool {
		n++
		return true
	}))
	assert.Equal(t, 1, n)
}

func TestCompactKeepsLatestSetOfLiveKey(t *testing.T) {
	l := newTestLog(t)
	old := time.Now().Add(-48 * time.Hour)

	// Two sets of the same live key, both beyond retention. Only the
	// latest survives as the key's projection.
	_, err := l.Append(&types.Event{
		TenantID: "t1", FleetID: "f1", Kind: types.EventMemorySet,
		Payload: map[string]any{"key": "plan", "version": 1}, Timestamp: old,
	})
	require.NoError(t, err)
	_, err = l.Append(&types.Event{
		TenantID: "t1", FleetID: "f1", Kind: types.EventMemorySet,
		Payload: map[string]any{"key": "plan", "version": 2}, Timestamp: old.Add(time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, l.Compact("t1", "f1", time.Now()))

	var kept []*types.Event
	require.NoError(t, l.Scan("t1", "f1", Filter{}, func(e *types.Event) bool {
		kept = append(kept, e)
		return true
	}))
	require.Len(t, kept, 1)
	assert.Equal(t, types.EventMemorySet, kept[0].Kind)
	assert.Equal(t, float64(2), kept[0].Payload["version"])
}

func TestCompactDropsDeletedKeyProjection(t *testing.T) {
	l := newTestLog(t)
	old := time.Now().Add(-48 * time.Hour)

	_, err := l.Append(&types.Event{
		TenantID: "t1", FleetID: "f1", Kind: types.EventMemorySet,
		Payload: map[string]any{"key": "tmp"}, Timestamp: old,
	})
	require.NoError(t, err)
	_, err = l.Append(&types.Event{
		TenantID: "t1", FleetID: "f1", Kind: types.EventMemoryDelete,
		Payload: map[string]any{"key": "tmp"}, Timestamp: old.Add(time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, l.Compact("t1", "f1", time.Now()))

	n := 0
	require.NoError(t, l.Scan("t1", "f1", Filter{}, func(e *types.Event) bool {
		n++
		return true
	}))
	assert.Zero(t, n, "a deleted key leaves no projection behind")
}

func TestDropFleet(t *testing.T) {
	l := newTestLog(t)
	append3(t, l, "t1", "f1")
	append3(t, l, "t1", "f2")

	require.NoError(t, l.DropFleet("t1", "f1"))
	require.NoError(t, l.DropFleet("t1", "f1")) // idempotent

	n := 0
	require.NoError(t, l.Scan("t1", "f1", Filter{}, func(e *types.Event) bool { n++; return true }))
	assert.Zero(t, n)

	n = 0
	require.NoError(t, l.Scan("t1", "f2", Filter{}, func(e *types.Event) bool { n++; return true }))
	assert.Equal(t, 3, n)
}

func TestPositionsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := NewBoltLog(dir)
	require.NoError(t, err)
	append3(t, l, "t1", "f1")
	require.NoError(t, l.Close())

	l2, err := NewBoltLog(dir)
	require.NoError(t, err)
	defer l2.Close()

	pos, err := l2.Append(&types.Event{TenantID: "t1", FleetID: "f1", Kind: types.EventActivity})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), pos)
}

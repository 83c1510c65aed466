package eventlog

import (
	"time"

	"github.com/ringforge/ringforge/pkg/types"
)

// Filter selects records during a scan. Zero fields match everything.
type Filter struct {
	From         time.Time
	To           time.Time
	Kinds        []types.EventKind
	Tags         []string
	Agents       []string
	FromPosition uint64
}

// Match reports whether e passes the filter.
func (f *Filter) Match(e *types.Event) bool {
	if f.FromPosition > 0 && e.Position < f.FromPosition {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Tags) > 0 && !intersects(f.Tags, e.Tags) {
		return false
	}
	if len(f.Agents) > 0 && !containsStr(f.Agents, e.AgentID) {
		return false
	}
	return true
}

// Log is the durable append-only per-fleet event log port. Positions are
// strictly monotonic per fleet and survive restarts; an event's position
// persists regardless of in-memory fan-out success.
type Log interface {
	// Append writes the record, assigns its position, and returns it.
	// Timestamps are made monotonic per fleet.
	Append(e *types.Event) (uint64, error)

	// Scan streams matching records in position order. The callback
	// returns false to stop early.
	Scan(tenantID, fleetID string, filter Filter, fn func(*types.Event) bool) error

	// Compact enforces retention: records older than before are removed,
	// except that the latest memory.set per live key survives (the
	// compacted key-level projection).
	Compact(tenantID, fleetID string, before time.Time) error

	// DropFleet removes the fleet's log entirely (fleet deletion cascade).
	DropFleet(tenantID, fleetID string) error

	Close() error
}

func containsKind(kinds []types.EventKind, k types.EventKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

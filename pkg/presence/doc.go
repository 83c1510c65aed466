/*
Package presence tracks which agents are live in each fleet.

The index is purely in-memory: presence is a property of connected
sessions, so a restart correctly empties it. Offline is the absence
of an entry, never a stored state.

# States

	online    connected and available
	busy      working; eligible for tasks only under light load
	away      connected but not participating

Each entry carries the agent's capabilities, self-reported load,
current task label, and last heartbeat time.

# Sweeping

A background sweeper expires entries whose last heartbeat is older
than the staleness cutoff and hands them to the expiry callback, which
emits the leave event. Touch defers expiry; the gateway touches on
every pong and inbound frame.

# Usage

	idx := presence.NewIndex(sweepEvery, staleAfter, onExpired)
	idx.Start()
	defer idx.Stop()

	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: id, Name: "alpha", State: types.PresenceOnline})
	idx.Update("t1", "f1", id, types.PresenceBusy, "indexing", 0.7)
	roster := idx.Roster("t1", "f1") // sorted by name, copies

# See Also

  - pkg/tasks for capability-based eligibility
  - pkg/gateway for heartbeat touching
*/
package presence

/*
Package replay streams filtered history from the fleet event log.

A replay is a one-shot cursor: the engine scans the log in position
order, applies the request's filters (time window, kinds, tags,
agents), and emits up to the limit. Emission is paced with a token
bucket so a large replay cannot starve live traffic, and each batch
runs in its own read transaction so writers are never blocked for
long.

# Resumption

Batches resume from the last emitted position plus one. Positions are
stable across restarts and compaction, so a client that records the
last position it saw can continue a replay later with From set past
it.

# Usage

	e := replay.NewEngine(elog, itemsPerSecond, defaultLimit, maxLimit)

	n, err := e.Run(ctx, tenantID, fleetID, req, func(ev *types.Event, index int) error {
		return session.Send(replayItem(ev, index))
	})
	// n items emitted; an emit error or ctx cancellation aborts

# See Also

  - pkg/eventlog for the underlying scan
  - pkg/gateway for the session streaming side
*/
package replay

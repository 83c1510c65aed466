/*
Package eventlog provides the durable per-fleet append-only event log.

Every state change in a fleet (joins, leaves, activities, memory
mutations, direct message metadata, task transitions) is appended here
before any live subscriber sees it. The log is the source of truth for
replay and for rebuilding the shared memory projection at boot.

# Architecture

One bbolt database file, one bucket per fleet:

	events.db
	└── events/
	    └── <tenant>/<fleet>/          (bucket per fleet)
	        ├── 00000000 00000001  →  Event JSON
	        ├── 00000000 00000002  →  Event JSON
	        └── ...

Keys are 8-byte big-endian positions taken from the bucket's
NextSequence, so byte order equals position order and range scans
stream the log without sorting.

# Positions and Timestamps

Append assigns each event a unique, strictly increasing position
within its fleet. Positions are never reused, including across
restarts and compaction. Timestamps are clamped monotonic per fleet:
an event never carries an earlier timestamp than its predecessor, even
when the wall clock repeats or steps backward.

# Compaction

Compact removes events older than the retention cutoff, with one
carve-out: the latest memory.set for each still-live key survives
regardless of age, so the memory projection rebuilds completely from
the compacted log. Deleted keys leave nothing behind.

# Filtering

Scan applies a Filter inside the read transaction: position lower
bound, time window, kinds, tags (any-match), and author agents. The
callback may stop the scan early; replay uses this for batching.

# Usage

	elog, err := eventlog.NewBoltLog(dataDir)
	if err != nil {
		return err
	}
	defer elog.Close()

	ev := &types.Event{TenantID: "t1", FleetID: "f1", Kind: types.EventActivity}
	pos, err := elog.Append(ev)

	err = elog.Scan("t1", "f1", eventlog.Filter{FromPosition: pos}, func(e *types.Event) (bool, error) {
		fmt.Println(e.Position, e.Kind)
		return true, nil
	})

# See Also

  - pkg/replay for paced filtered streaming
  - pkg/memory for the projection rebuilt from this log
  - pkg/storage for the metadata store sharing the same bbolt idioms
*/
package eventlog

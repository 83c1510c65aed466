/*
Package memory implements the per-fleet shared key-value memory.

Fleet memory is a hot in-process map projected from the durable event
log. Writes append memory.set / memory.delete events first; the hot
map and the fan-out follow. At boot the projection is rebuilt from the
compacted log, so memory survives restarts without its own store.

# Keys and Patterns

Keys are dot-separated paths (tasks.build.status) limited to
[a-zA-Z0-9_.-]. Subscription patterns are globs where * matches one
path segment and ** crosses segments:

	tasks.*        matches tasks.build, not tasks.build.status
	tasks.**       matches both
	*.status       matches build.status

Pattern matching uses doublestar with the dots mapped to path
separators.

# Versions and TTL

An upsert preserves CreatedAt, bumps Version, and replaces value,
tags, and metadata. Entries with a TTL expire lazily: an expired entry
is invisible to reads and queries and is dropped by the sweeper, which
appends the corresponding memory.delete so replay agrees.

# Query

Query filters by tags, author, substring text, and updated-since, then
sorts by created_at, updated_at, access_count, or relevance (tag and
text hit count) and pages with limit/offset. Reads bump access counts;
queries do not.

# Usage

	svc := memory.NewService(elog, router, time.Minute)
	svc.Start()
	defer svc.Stop()

	entry, err := svc.Set("t1", "f1", authorID, &protocol.MemorySetRequest{
		Key:   "goal.current",
		Value: "ship the release",
		Tags:  []string{"planning"},
	})

	entry, err = svc.Get("t1", "f1", "goal.current")

# See Also

  - pkg/eventlog for the projection source
  - pkg/gateway for pattern-filtered change notifications
*/
package memory

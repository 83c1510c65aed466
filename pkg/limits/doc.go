/*
Package limits holds the admission gates: plan quotas, per-agent rate
limits, and the idempotency cache.

# Quotas

QuotaManager compares plan caps against live readings. Gauges (agents,
memory entries, fleets, storage bytes) are supplied by the caller; the
daily message counter is owned here and resets at midnight UTC. A
message at the hard limit is rejected and not counted. From 80% of a
budget onward checks return warn=true and the gateway sends a
quota_warning system event.

# Rate Limits

RateLimiter is a sliding window over two fixed buckets: the current
window plus the previous one weighted by its remaining overlap. Scopes
(memory writes, task submits, API requests) are independent per
subject. Rejections carry retry_after_ms.

# Idempotency

IdempotencyCache replays the original reply for a duplicate request
ref from the same agent within the TTL. Backed by an expirable LRU;
an empty ref is never cached.

# Usage

	quotas := limits.NewQuotaManager(cfg)
	warn, err := quotas.CheckMessage(tenant)

	rates := limits.NewRateLimiter(time.Minute)
	err = rates.Allow(limits.ScopeMemory, agentID, 120)

	idem := limits.NewIdempotencyCache(8192, 5*time.Minute)
	if cached, ok := idem.Get(agentID, ref); ok {
		return cached
	}

# See Also

  - pkg/gateway for where the gates run
  - pkg/config for the per-plan numbers
*/
package limits

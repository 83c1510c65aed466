/*
Package hub composes every RingForge component into one coordination
mesh and implements the gateway's Backend interface.

The hub owns the domain: it decides what an authenticated agent may do,
appends state changes to the fleet event log, and only then lets the
bus fan them out. The gateway keeps the sockets; the hub keeps the
truth.

# Architecture

	┌───────────────────────── HUB ─────────────────────────────┐
	│                                                            │
	│   gateway.Backend                     control plane        │
	│   (session plane)                     (pkg/api)            │
	│        │                                   │               │
	│        ▼                                   ▼               │
	│  ┌──────────────────────────────────────────────┐         │
	│  │                  Hub                          │         │
	│  │                                               │         │
	│  │  presence   memory    messaging   tasks      │         │
	│  │  quotas     rates     idempotency replay     │         │
	│  │  authn      audits    blobs                  │         │
	│  └───────┬──────────────────────┬───────────────┘         │
	│          │                      │                          │
	│          ▼                      ▼                          │
	│  ┌──────────────┐      ┌──────────────┐                   │
	│  │  event log   │      │  bus router  │                   │
	│  │  (bbolt)     │─────►│  (fan-out)   │                   │
	│  └──────────────┘      └──────────────┘                   │
	│          │                                                 │
	│          ▼                                                 │
	│  ┌──────────────┐                                          │
	│  │  metadata    │  tenants, fleets, agents, keys,          │
	│  │  store       │  sessions, groups, audit                 │
	│  └──────────────┘                                          │
	└────────────────────────────────────────────────────────────┘

# The Emit Invariant

Every state-changing event is appended to the durable log before it is
published to live subscribers. A failed append publishes nothing; the
caller sees the error. Replay and live fan-out therefore never
disagree about what happened, only about when a client learned it.

# Authentication

Sessions present a fleet-scoped live or test key. Admin keys and
fleetless keys never open sessions. An agent that registered an
ed25519 public key must sign the server's challenge on every connect;
name-based first connects register the agent row.

# Maintenance

Start launches the background loops:
  - presence sweeper expiring stale heartbeats
  - memory TTL sweeper
  - offline queue TTL sweeper with sender notification
  - hourly log compaction per plan retention
  - daily audit pruning

Stop closes the loops, then the stores. Stop is safe without Start.

# Usage

	cfg := config.Default()
	cfg.DataDir = "/var/lib/ringforge"

	h, err := hub.New(cfg)
	if err != nil {
		return err
	}
	h.Start()
	defer h.Stop()

	http.ListenAndServe(cfg.ListenAddr, h.Gateway())

# See Also

  - pkg/gateway for the session plane
  - pkg/api for the control plane
  - pkg/eventlog for the durable log
*/
package hub

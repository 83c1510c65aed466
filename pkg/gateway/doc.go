/*
Package gateway owns the websocket session plane of RingForge.

The gateway accepts agent connections, runs the authentication challenge,
enforces heartbeats, and pumps fan-out events from the bus into each
session's socket. Everything wire-shaped lives here; domain decisions
(who may do what, what gets persisted) live behind the Backend interface
so the hub can be tested without a socket in sight.

# Architecture

One goroutine pair per session: a reader that decodes inbound envelopes
and a writer that owns the socket exclusively.

	┌──────────────────── SESSION PLANE ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐           │
	│  │              HTTP Upgrade                   │           │
	│  │  GET /ws ── gorilla/websocket upgrader      │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Auth Handshake                    │           │
	│  │  1. server sends 32-byte hex challenge      │           │
	│  │  2. client answers with auth envelope       │           │
	│  │  3. Backend.Authenticate resolves identity  │           │
	│  │  4. server confirms with auth_ok            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │            Session Loops                    │           │
	│  │                                              │          │
	│  │  read loop ──► gates ──► Backend.Handle     │           │
	│  │       │          │                          │           │
	│  │       │     idempotency, rate,              │           │
	│  │       │     daily quota                     │           │
	│  │       │                                     │           │
	│  │  bus sub ──► pattern filter ──► write loop  │           │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Core Components

Gateway:
  - http.Handler performing the websocket upgrade
  - Holds the Backend, bus router, replay engine, and gates
  - Tracks live sessions for kick and shutdown

Session:
  - One websocket connection with its resolved Identity
  - Outbound channel drained by a single writer goroutine
  - Heartbeat deadline pushed on every pong and inbound frame
  - Session-lived state: tag subtopics, memory pattern subscriptions

Backend:
  - Authenticate: key check, agent resolution, presence join
  - HandleRequest: every domain operation by type/action
  - MessageGate: daily quota and per-operation rate limits
  - DrainQueued: offline direct messages flushed after auth
  - SessionClosed: presence leave and session row close

# Session Lifecycle

 1. Upgrade, send challenge, await auth envelope (10s deadline)
 2. Backend.Authenticate; failures answer auth_error and close
 3. auth_ok carries agent id, session id, and heartbeat interval
 4. Queued direct messages drain to the socket, oldest first
 5. Read loop decodes envelopes until close or heartbeat miss
 6. Backend.SessionClosed runs exactly once per session

Three consecutive missed heartbeats close the socket. The writer
never blocks on a slow client longer than the write timeout; a full
outbound buffer drops fan-out events and counts the drop.

# Replay

A replay request turns the session's cursor over to the replay engine.
Items stream as replay_item envelopes in position order, paced by the
engine's rate limiter, and finish with replay_done carrying the count.
Live fan-out continues during replay; duplicates across the boundary
are possible and clients dedupe by event id.

# Usage

	backend := hub.New(cfg)           // implements gateway.Backend
	gw := gateway.New(cfg.Gateway, backend, router, replays, rates, idem)
	http.ListenAndServe(":7420", gw)

# See Also

  - pkg/hub for the Backend implementation
  - pkg/bus for fan-out subscriptions
  - pkg/replay for cursor pacing
  - pkg/protocol for envelope shapes
*/
package gateway

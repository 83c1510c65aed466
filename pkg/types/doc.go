/*
Package types defines the shared domain model for RingForge.

Every entity carries its tenant (directly or through its fleet); handlers
never read or write a row whose tenant differs from the caller's. The types
here are plain data — behavior lives in the packages that own each concern
(storage, presence, memory, tasks, eventlog).

Entity overview:

	Tenant ── Fleet ── Agent ── Session
	   │        ├── MemoryEntry
	   │        ├── Group
	   │        └── Event (per-fleet append-only log)
	   ├── APIKey
	   └── AuditRecord

Presence entries, direct messages, and in-flight tasks are runtime state;
only their log projections (Event records) are durable.
*/
package types

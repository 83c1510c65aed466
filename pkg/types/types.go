package types

import (
	"time"
)

// Tenant is the billing and isolation unit. Every other entity belongs,
// directly or transitively, to exactly one tenant.
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Plan         Plan      `json:"plan"`
	Email        string    `json:"email,omitempty"`
	PasswordHash []byte    `json:"password_hash,omitempty"` // bcrypt, operator login only
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Plan determines quotas and event log retention.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanScale      Plan = "scale"
	PlanEnterprise Plan = "enterprise"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanScale, PlanEnterprise:
		return true
	}
	return false
}

// Fleet is a logical namespace inside a tenant. (TenantID, Name) is unique.
type Fleet struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is an opaque capability token. Only the SHA-256 hash is stored;
// the plaintext is shown once at mint time.
type APIKey struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	FleetID   string     `json:"fleet_id,omitempty"` // empty for admin keys
	Type      KeyType    `json:"type"`
	Hash      []byte     `json:"hash"`
	Prefix    string     `json:"prefix"` // displayable, e.g. "rf_live_3f9a"
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// KeyType tags what a key may do.
type KeyType string

const (
	KeyTypeLive  KeyType = "live"
	KeyTypeTest  KeyType = "test"
	KeyTypeAdmin KeyType = "admin" // control plane only, tenant scoped
)

// Agent is the durable identity of a participant. Sessions come and go;
// the agent row persists until an operator deletes it.
type Agent struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	FleetID       string            `json:"fleet_id"`
	Name          string            `json:"name"` // unique within fleet
	PublicKey     []byte            `json:"public_key,omitempty"`
	Framework     string            `json:"framework,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	DisplayName   string            `json:"display_name,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Connections   int64             `json:"connections"`
	MessagesTotal int64             `json:"messages_total"`
	LastSeenAt    time.Time         `json:"last_seen_at"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Session is one live connection instance of an agent. At most
// SessionHistoryLimit historical rows are retained per agent.
type Session struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	FleetID        string     `json:"fleet_id"`
	AgentID        string     `json:"agent_id"`
	RemoteAddr     string     `json:"remote_addr"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// SessionHistoryLimit caps historical session rows kept per agent.
const SessionHistoryLimit = 50

// PresenceState is an agent's self-reported availability. Offline is the
// absence of a presence entry, never a state value.
type PresenceState string

const (
	PresenceOnline PresenceState = "online"
	PresenceBusy   PresenceState = "busy"
	PresenceAway   PresenceState = "away"
)

// Valid reports whether s is an accepted presence state.
func (s PresenceState) Valid() bool {
	switch s {
	case PresenceOnline, PresenceBusy, PresenceAway:
		return true
	}
	return false
}

// PresenceEntry is the in-memory record of a live session in the presence
// index. It exists iff an authenticated session exists.
type PresenceEntry struct {
	AgentID       string        `json:"agent_id"`
	Name          string        `json:"name"`
	State         PresenceState `json:"state"`
	CurrentTask   string        `json:"current_task,omitempty"`
	Capabilities  []string      `json:"capabilities,omitempty"`
	Load          float64       `json:"load"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// ValueType tags what a memory entry's value holds.
type ValueType string

const (
	ValueText      ValueType = "text"
	ValueJSON      ValueType = "json"
	ValueEmbedding ValueType = "embedding_ref"
	ValueBlob      ValueType = "blob_ref"
)

// MemoryEntry is a fleet-scoped key-value record. Version is strictly
// increasing across successful mutations of the key.
type MemoryEntry struct {
	Key         string            `json:"key"`
	Value       string            `json:"value"`
	Type        ValueType         `json:"type"`
	Tags        []string          `json:"tags,omitempty"`
	AuthorID    string            `json:"author_id"`
	Version     int64             `json:"version"`
	TTLSeconds  int64             `json:"ttl_seconds,omitempty"`
	AccessCount int64             `json:"access_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *MemoryEntry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second).Before(now)
}

// Memory entry bounds.
const (
	MemoryKeyMaxLen   = 500
	MemoryValueMaxLen = 1 << 20 // 1 MiB
)

// ActivityKind classifies broadcast activities.
type ActivityKind string

const (
	ActivityTaskStarted   ActivityKind = "task_started"
	ActivityTaskProgress  ActivityKind = "task_progress"
	ActivityTaskCompleted ActivityKind = "task_completed"
	ActivityTaskFailed    ActivityKind = "task_failed"
	ActivityDiscovery     ActivityKind = "discovery"
	ActivityQuestion      ActivityKind = "question"
	ActivityAlert         ActivityKind = "alert"
	ActivityCustom        ActivityKind = "custom"
	ActivityJoin          ActivityKind = "join"
	ActivityLeave         ActivityKind = "leave"
)

// Valid reports whether k may be broadcast by an agent. Join and leave are
// emitted by the gateway only.
func (k ActivityKind) Valid() bool {
	switch k {
	case ActivityTaskStarted, ActivityTaskProgress, ActivityTaskCompleted,
		ActivityTaskFailed, ActivityDiscovery, ActivityQuestion,
		ActivityAlert, ActivityCustom:
		return true
	}
	return false
}

// DeliveryState is the outcome of a direct message send.
type DeliveryState string

const (
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryQueued    DeliveryState = "queued"
	DeliveryDropped   DeliveryState = "dropped"
)

// DirectMessage is a point-to-point payload between two agents in the same
// fleet. Payloads are not written to the event log, only the metadata.
type DirectMessage struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	FleetID       string         `json:"fleet_id"`
	FromAgentID   string         `json:"from_agent_id"`
	ToAgentID     string         `json:"to_agent_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	SentAt        time.Time      `json:"sent_at"`
	State         DeliveryState  `json:"state"`
}

// TaskStatus is the routed-task lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskClaimed   TaskStatus = "claimed"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskTimeout
}

// Task is a unit of work routed to a single capable agent.
type Task struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	FleetID     string         `json:"fleet_id"`
	RequesterID string         `json:"requester_id"`
	Requires    []string       `json:"requires,omitempty"`
	Type        string         `json:"type,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	Status      TaskStatus     `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	FailReason  string         `json:"fail_reason,omitempty"`
	TTLSeconds  int64          `json:"ttl_seconds,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	AssignedAt  time.Time      `json:"assigned_at,omitzero"`
	FinishedAt  time.Time      `json:"finished_at,omitzero"`
}

// GroupType classifies groups.
type GroupType string

const (
	GroupSquad   GroupType = "squad"
	GroupPod     GroupType = "pod"
	GroupChannel GroupType = "channel"
)

// GroupRole is a member's role inside a group.
type GroupRole string

const (
	GroupOwner  GroupRole = "owner"
	GroupAdmin  GroupRole = "admin"
	GroupMember GroupRole = "member"
)

// Group is a named subset of agents within a fleet. Dissolution keeps the
// row in a terminal state rather than deleting it.
type Group struct {
	ID          string               `json:"id"`
	TenantID    string               `json:"tenant_id"`
	FleetID     string               `json:"fleet_id"`
	Name        string               `json:"name"`
	Type        GroupType            `json:"type"`
	Members     map[string]GroupRole `json:"members"` // agent id -> role
	Dissolved   bool                 `json:"dissolved"`
	CreatedAt   time.Time            `json:"created_at"`
	DissolvedAt time.Time            `json:"dissolved_at,omitzero"`
}

// AuditAction names a security-relevant action.
type AuditAction string

const (
	AuditAuthSuccess   AuditAction = "auth.success"
	AuditAuthFailure   AuditAction = "auth.failure"
	AuditKeyMinted     AuditAction = "key.minted"
	AuditKeyRotated    AuditAction = "key.rotated"
	AuditKeyRevoked    AuditAction = "key.revoked"
	AuditAgentKicked   AuditAction = "agent.kicked"
	AuditQuotaOverride AuditAction = "quota.override"
)

// AuditRecord is an append-only record of a security-relevant action,
// retained for 365 days.
type AuditRecord struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Action    AuditAction       `json:"action"`
	ActorID   string            `json:"actor_id,omitempty"` // agent or key id
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventKind classifies event log records.
type EventKind string

const (
	EventJoined       EventKind = "presence.joined"
	EventLeft         EventKind = "presence.left"
	EventStateChanged EventKind = "presence.state_changed"
	EventActivity     EventKind = "activity"
	EventMemorySet    EventKind = "memory.set"
	EventMemoryDelete EventKind = "memory.delete"
	EventDMSent       EventKind = "dm.sent"
	EventTaskUpdate   EventKind = "task.update"
	EventSecurity     EventKind = "security"
	EventSystem       EventKind = "system"
)

// ScopeKind selects which subscribers receive a published event.
type ScopeKind string

const (
	ScopeFleet  ScopeKind = "fleet"
	ScopeTagged ScopeKind = "tagged"
	ScopeDirect ScopeKind = "direct"
)

// Scope narrows fan-out of an event. The zero value means the whole fleet.
type Scope struct {
	Kind    ScopeKind `json:"kind,omitempty"`
	Tags    []string  `json:"tags,omitempty"`     // for ScopeTagged
	AgentID string    `json:"agent_id,omitempty"` // for ScopeDirect
}

// Event is one record in the per-fleet append-only log and the unit of
// fan-out on the fleet bus. Position is assigned by the log on append and
// is strictly monotonic per fleet.
type Event struct {
	ID        string         `json:"id"`
	Position  uint64         `json:"position,omitempty"`
	TenantID  string         `json:"tenant_id"`
	FleetID   string         `json:"fleet_id"`
	AgentID   string         `json:"agent_id,omitempty"` // origin
	Kind      EventKind      `json:"kind"`
	Scope     Scope          `json:"scope,omitzero"`
	Tags      []string       `json:"tags,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

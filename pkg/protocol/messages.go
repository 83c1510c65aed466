package protocol

// Request payload shapes per type/action. All of these decode strictly:
// unknown fields reject the message.

// AuthRequest authenticates a session. First-ever connects present a live
// API key plus registration fields; reconnects present the agent id and a
// signature over the server challenge.
type AuthRequest struct {
	APIKey       string   `json:"api_key,omitempty"`
	AgentID      string   `json:"agent_id,omitempty"`
	Signature    string   `json:"signature,omitempty"` // hex ed25519 over the challenge
	Name         string   `json:"name,omitempty"`
	Framework    string   `json:"framework,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	PublicKey    string   `json:"public_key,omitempty"` // hex, registered for reconnect
}

// PresenceUpdateRequest mutates the caller's presence entry.
type PresenceUpdateRequest struct {
	State string  `json:"state"`
	Task  string  `json:"task,omitempty"`
	Load  float64 `json:"load,omitempty"`
}

// PresenceProfileRequest updates the agent's persistent profile.
type PresenceProfileRequest struct {
	DisplayName string            `json:"display_name,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SubscribeTagsRequest adds or replaces the session's tag subtopics.
type SubscribeTagsRequest struct {
	Tags []string `json:"tags"`
}

// ActivityPublishRequest broadcasts an activity event.
type ActivityPublishRequest struct {
	Kind        string         `json:"kind"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Scope       string         `json:"scope,omitempty"`      // fleet | tagged | direct
	ScopeTags   []string       `json:"scope_tags,omitempty"` // for tagged
	ScopeAgent  string         `json:"scope_agent,omitempty"`
}

// MemorySetRequest upserts a memory entry.
type MemorySetRequest struct {
	Key        string            `json:"key"`
	Value      string            `json:"value"`
	Type       string            `json:"type,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	TTLSeconds int64             `json:"ttl_seconds,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MemoryKeyRequest addresses a single entry (get, delete).
type MemoryKeyRequest struct {
	Key string `json:"key"`
}

// MemoryQueryRequest ranks and pages entries.
type MemoryQueryRequest struct {
	Tags   []string `json:"tags,omitempty"`
	Text   string   `json:"text,omitempty"`
	Author string   `json:"author,omitempty"`
	Since  int64    `json:"since,omitempty"` // unix ms
	Sort   string   `json:"sort,omitempty"`  // created_at | updated_at | access_count | relevance
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
}

// MemorySubscribeRequest registers a session-lived key-pattern
// subscription. Pattern is a glob: * matches one path segment, **
// crosses segments.
type MemorySubscribeRequest struct {
	Pattern string   `json:"pattern"`
	Events  []string `json:"events,omitempty"` // subset of {set, delete}
}

// DirectSendRequest sends a point-to-point message.
type DirectSendRequest struct {
	To            string         `json:"to"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// TaskSubmitRequest routes a unit of work to one capable agent.
type TaskSubmitRequest struct {
	Requires   []string       `json:"requires,omitempty"`
	Type       string         `json:"type,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	TTLSeconds int64          `json:"ttl_seconds,omitempty"`
}

// TaskUpdateRequest advances a task's lifecycle (claim, start, complete,
// fail) by its assignee.
type TaskUpdateRequest struct {
	TaskID string         `json:"task_id"`
	Result map[string]any `json:"result,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// ReplayRequest opens a one-shot filtered cursor over the fleet log.
// From and To are unix milliseconds; From of zero means the start of the
// retained log.
type ReplayRequest struct {
	From   int64    `json:"from"`
	To     int64    `json:"to,omitempty"`
	Kinds  []string `json:"kinds,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Agents []string `json:"agents,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

// FileUploadURLRequest asks for a presigned PUT URL. The hub never moves
// file bytes.
type FileUploadURLRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// FileDownloadURLRequest asks for a presigned GET URL.
type FileDownloadURLRequest struct {
	FileID string `json:"file_id"`
}

// GroupCreateRequest creates a group over the session plane.
type GroupCreateRequest struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Members []string `json:"members,omitempty"`
}

// GroupMemberRequest adds or removes a group member. Only the owner may.
type GroupMemberRequest struct {
	GroupID string `json:"group_id"`
	AgentID string `json:"agent_id"`
	Role    string `json:"role,omitempty"` // member (default) or admin
}

// GroupDissolveRequest dissolves a group. Only the owner may.
type GroupDissolveRequest struct {
	GroupID string `json:"group_id"`
}

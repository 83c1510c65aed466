package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodePayload(t *testing.T, env *protocol.Envelope) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	return payload
}

func TestEventEnvelopeRouting(t *testing.T) {
	cases := []struct {
		kind   types.EventKind
		typ    string
		action string
	}{
		{types.EventJoined, protocol.TypePresence, "joined"},
		{types.EventLeft, protocol.TypePresence, "left"},
		{types.EventStateChanged, protocol.TypePresence, "state"},
		{types.EventActivity, protocol.TypeActivity, "event"},
		{types.EventMemorySet, protocol.TypeMemory, "changed"},
		{types.EventMemoryDelete, protocol.TypeMemory, "changed"},
		{types.EventDMSent, protocol.TypeDirect, "message"},
		{types.EventTaskUpdate, protocol.TypeTask, "update"},
		{types.EventSecurity, protocol.TypeSystem, "notice"},
	}
	for _, tc := range cases {
		env := eventEnvelope(&types.Event{Kind: tc.kind, Timestamp: time.Now()})
		assert.Equal(t, tc.typ, env.Type, string(tc.kind))
		assert.Equal(t, tc.action, env.Action, string(tc.kind))
	}
}

func TestEventEnvelopeFlattensFields(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	env := eventEnvelope(&types.Event{
		ID:        "ev-1",
		Position:  42,
		AgentID:   "a1",
		Kind:      types.EventActivity,
		Tags:      []string{"gpu"},
		Payload:   map[string]any{"kind": "discovery", "description": "found it"},
		Timestamp: ts,
	})

	payload := decodePayload(t, env)
	assert.Equal(t, "ev-1", payload["event_id"])
	assert.Equal(t, float64(1700000000000), payload["ts"])
	assert.Equal(t, "a1", payload["agent_id"])
	assert.Equal(t, float64(42), payload["position"])
	assert.Equal(t, "discovery", payload["kind"])
	assert.Equal(t, []any{"gpu"}, payload["tags"])
}

func TestMemoryEventsCarryOp(t *testing.T) {
	set := decodePayload(t, eventEnvelope(&types.Event{Kind: types.EventMemorySet, Timestamp: time.Now()}))
	assert.Equal(t, "set", set["op"])

	del := decodePayload(t, eventEnvelope(&types.Event{Kind: types.EventMemoryDelete, Timestamp: time.Now()}))
	assert.Equal(t, "delete", del["op"])
}

func TestEnvelopeHeadroomOnlyForMemorySet(t *testing.T) {
	assert.True(t, envelopeHeadroom(&protocol.Envelope{Type: protocol.TypeMemory, Action: "set"}))

	for _, env := range []*protocol.Envelope{
		{Type: protocol.TypeMemory, Action: "get"},
		{Type: protocol.TypeMemory, Action: "delete"},
		{Type: protocol.TypeDirect, Action: "send"},
		{Type: protocol.TypeActivity, Action: "publish"},
	} {
		assert.False(t, envelopeHeadroom(env), env.Type+"/"+env.Action)
	}
}

func TestDirectEnvelopeMarksQueued(t *testing.T) {
	sentAt := time.UnixMilli(1700000000000)
	env := directEnvelope(&types.DirectMessage{
		ID:          "m1",
		FromAgentID: "alice",
		Payload:     map[string]any{"text": "hi"},
		SentAt:      sentAt,
	})
	assert.Equal(t, protocol.TypeDirect, env.Type)
	assert.Equal(t, "message", env.Action)

	payload := decodePayload(t, env)
	assert.Equal(t, true, payload["queued"])
	assert.Equal(t, "alice", payload["from"])
	assert.Equal(t, float64(1700000000000), payload["sent_at"])
}

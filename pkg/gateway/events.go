package gateway

import (
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
)

// eventEnvelope converts a bus event into its wire shape. The payload
// keeps the event's fields flat, plus the origin agent and the log
// position where one was assigned.
func eventEnvelope(e *types.Event) *protocol.Envelope {
	msgType, action := eventRoute(e.Kind)
	fields := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		fields[k] = v
	}
	if e.AgentID != "" {
		fields["agent_id"] = e.AgentID
	}
	if e.Position > 0 {
		fields["position"] = e.Position
	}
	if len(e.Tags) > 0 {
		fields["tags"] = e.Tags
	}
	switch e.Kind {
	case types.EventMemorySet:
		fields["op"] = "set"
	case types.EventMemoryDelete:
		fields["op"] = "delete"
	}
	return protocol.ServerEvent(msgType, action, e.ID, e.Timestamp, fields)
}

func eventRoute(kind types.EventKind) (msgType, action string) {
	switch kind {
	case types.EventJoined:
		return protocol.TypePresence, "joined"
	case types.EventLeft:
		return protocol.TypePresence, "left"
	case types.EventStateChanged:
		return protocol.TypePresence, "state"
	case types.EventActivity:
		return protocol.TypeActivity, "event"
	case types.EventMemorySet:
		return protocol.TypeMemory, "changed"
	case types.EventMemoryDelete:
		return protocol.TypeMemory, "changed"
	case types.EventDMSent:
		return protocol.TypeDirect, "message"
	case types.EventTaskUpdate:
		return protocol.TypeTask, "update"
	default:
		return protocol.TypeSystem, "notice"
	}
}

// directEnvelope builds the delivery frame for a drained offline DM.
func directEnvelope(dm *types.DirectMessage) *protocol.Envelope {
	return protocol.ServerEvent(protocol.TypeDirect, "message", dm.ID, dm.SentAt, map[string]any{
		"message_id":  dm.ID,
		"from":        dm.FromAgentID,
		"correlation": dm.CorrelationID,
		"payload":     dm.Payload,
		"sent_at":     dm.SentAt.UnixMilli(),
		"queued":      true,
	})
}

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MaxEnvelopeBytes is the limit on a single envelope. Oversize envelopes
// are rejected with payload_too_large; memory.set gets headroom up to
// MaxFrameBytes so a maximum-size value still fits in one frame.
const MaxEnvelopeBytes = 64 * 1024

// MaxFrameBytes is the transport read limit: a maximum memory value plus
// envelope overhead. A read past it poisons the connection, so the session
// closes with payload_too_large.
const MaxFrameBytes = 1<<20 + MaxEnvelopeBytes

// Message type families. The type selects a handler family, the action
// distinguishes operations within it.
const (
	TypeAuth     = "auth"
	TypePresence = "presence"
	TypeActivity = "activity"
	TypeMemory   = "memory"
	TypeFile     = "file"
	TypeReplay   = "replay"
	TypeDirect   = "direct"
	TypeTask     = "task"
	TypeGroup    = "group"
	TypeSystem   = "system"
	TypeError    = "error"
)

// Envelope is the single wire shape: one JSON text frame per message.
// Responses to a request carrying Ref echo that Ref.
type Envelope struct {
	Type    string          `json:"type"`
	Action  string          `json:"action,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw text frame into an envelope. The frame size limit is
// enforced by the caller before Decode sees the bytes.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(CodeInvalidMessage, "malformed envelope")
	}
	if env.Type == "" {
		return nil, NewError(CodeInvalidMessage, "missing type")
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v, rejecting unknown
// fields. Mutating operations decode strictly so ambiguous input fails
// rather than silently dropping fields.
func (e *Envelope) DecodePayload(v any) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return NewError(CodeInvalidMessage, fmt.Sprintf("invalid %s.%s payload: %v", e.Type, e.Action, err))
	}
	return nil
}

// Encode marshals the envelope to a single text frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Reply builds a response envelope echoing the request's ref.
func Reply(req *Envelope, payload any) *Envelope {
	return &Envelope{
		Type:    req.Type,
		Action:  req.Action,
		Ref:     req.Ref,
		Payload: mustMarshal(payload),
	}
}

// ErrorReply builds an error response for a request.
func ErrorReply(req *Envelope, err error) *Envelope {
	perr := AsError(err)
	env := &Envelope{Type: TypeError, Payload: mustMarshal(perr)}
	if req != nil {
		env.Ref = req.Ref
	}
	return env
}

// ServerEvent builds an unsolicited server-originated envelope. Every
// server event carries an event id and a server timestamp in its payload.
func ServerEvent(msgType, action, eventID string, ts time.Time, fields map[string]any) *Envelope {
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["event_id"] = eventID
	payload["ts"] = ts.UnixMilli()
	return &Envelope{
		Type:    msgType,
		Action:  action,
		Payload: mustMarshal(payload),
	}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		// Server-built payloads are always marshalable; a failure here is
		// a programming error.
		panic(fmt.Sprintf("protocol: marshal payload: %v", err))
	}
	return data
}

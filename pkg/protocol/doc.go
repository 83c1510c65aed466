/*
Package protocol defines the websocket wire format.

Every frame is one JSON envelope:

	{"type": "memory", "action": "set", "ref": "c-1", "payload": {...}}

Type and action select the operation; ref is an optional client
correlation id echoed on the reply and used for idempotency; payload
is operation specific and decodes strictly, rejecting unknown fields.

Server-initiated envelopes (fan-out events, system notices) carry a
server-assigned event_id and ts instead of a ref.

# Errors

Wire errors are {code, message, retry_after_ms?}. Codes map to HTTP
statuses for the control plane via Code.HTTPStatus. Unknown internal
errors always surface as server_error; internals never leak.

# Usage

	env, err := protocol.Decode(raw)
	var req protocol.MemorySetRequest
	if err := env.DecodePayload(&req); err != nil { ... }

	reply := protocol.Reply(env, result)
	fail := protocol.ErrorReply(env, err)
*/
package protocol

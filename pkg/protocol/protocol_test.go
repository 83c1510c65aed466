package protocol

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/ringforge/ringforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"memory","action":"set","ref":"r1","payload":{"key":"a"}}`))
	require.NoError(t, err)
	assert.Equal(t, "memory", env.Type)
	assert.Equal(t, "set", env.Action)
	assert.Equal(t, "r1", env.Ref)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	require.Error(t, err)
	assert.Equal(t, CodeInvalidMessage, AsError(err).Code)
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"action":"set"}`))
	require.Error(t, err)
	assert.Equal(t, CodeInvalidMessage, AsError(err).Code)
}

func TestDecodePayloadStrict(t *testing.T) {
	env := &Envelope{
		Type:    TypeMemory,
		Action:  "set",
		Payload: json.RawMessage(`{"key":"a","value":"b","bogus":1}`),
	}
	var req MemorySetRequest
	err := env.DecodePayload(&req)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidMessage, AsError(err).Code)
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := &Envelope{Type: TypePresence, Action: "roster"}
	var req struct{}
	assert.NoError(t, env.DecodePayload(&req))
}

func TestReplyEchoesRef(t *testing.T) {
	req := &Envelope{Type: TypeTask, Action: "submit", Ref: "abc-1"}
	reply := Reply(req, map[string]any{"task_id": "t1"})
	assert.Equal(t, "abc-1", reply.Ref)
	assert.Equal(t, TypeTask, reply.Type)
	assert.Equal(t, "submit", reply.Action)
}

func TestErrorReply(t *testing.T) {
	req := &Envelope{Type: TypeMemory, Action: "get", Ref: "r9"}
	env := ErrorReply(req, NewError(CodeNotFound, "no such key"))
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "r9", env.Ref)

	var perr Error
	require.NoError(t, json.Unmarshal(env.Payload, &perr))
	assert.Equal(t, CodeNotFound, perr.Code)
	assert.Equal(t, "no such key", perr.Message)
}

func TestErrorReplyHidesInternals(t *testing.T) {
	env := ErrorReply(nil, assert.AnError)
	var perr Error
	require.NoError(t, json.Unmarshal(env.Payload, &perr))
	assert.Equal(t, CodeServerError, perr.Code)
	assert.NotContains(t, perr.Message, assert.AnError.Error())
}

func TestServerEventCarriesIDAndTimestamp(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	env := ServerEvent(TypePresence, "joined", "ev-1", ts, map[string]any{"agent_id": "a1"})

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "ev-1", payload["event_id"])
	assert.Equal(t, float64(1700000000000), payload["ts"])
	assert.Equal(t, "a1", payload["agent_id"])
}

func TestRetryErrorCarriesHint(t *testing.T) {
	err := NewRetryError(CodeRateLimited, "slow down", 1500)
	assert.Equal(t, int64(1500), err.RetryAfterMS)

	data, merr := json.Marshal(err)
	require.NoError(t, merr)
	assert.Contains(t, string(data), `"retry_after_ms":1500`)
}

func TestFrameLimitFitsMaximumMemoryValue(t *testing.T) {
	// A memory.set carrying a maximum-size value plus key, envelope
	// framing, and escaping must pass the transport read limit.
	assert.GreaterOrEqual(t, MaxFrameBytes, types.MemoryValueMaxLen+MaxEnvelopeBytes)
	assert.Less(t, MaxEnvelopeBytes, MaxFrameBytes)
}

func TestCodeHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidMessage:  http.StatusBadRequest,
		CodeUnauthorized:    http.StatusUnauthorized,
		CodeInvalidAPIKey:   http.StatusUnauthorized,
		CodeForbidden:       http.StatusForbidden,
		CodeNotFound:        http.StatusNotFound,
		CodeConflict:        http.StatusConflict,
		CodeQuotaExceeded:   http.StatusTooManyRequests,
		CodeRateLimited:     http.StatusTooManyRequests,
		CodeFleetFull:       http.StatusTooManyRequests,
		CodePayloadTooLarge: http.StatusRequestEntityTooLarge,
		CodeUnavailable:     http.StatusServiceUnavailable,
		CodeServerError:     http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, code.HTTPStatus(), string(code))
	}
}

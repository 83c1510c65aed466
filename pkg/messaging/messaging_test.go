package messaging

import (
	"fmt"
	"testing"
	"time"

	"github.com/ringforge/ringforge/pkg/bus"
	"github.com/ringforge/ringforge/pkg/eventlog"
	"github.com/ringforge/ringforge/pkg/presence"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, queueLimit int, queueTTL time.Duration) (*Service, *bus.Router, *presence.Index, *eventlog.BoltLog) {
	t.Helper()
	elog, err := eventlog.NewBoltLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { elog.Close() })

	router := bus.NewRouter()
	idx := presence.NewIndex(time.Hour, time.Hour, nil)
	return NewService(elog, router, idx, queueLimit, queueTTL), router, idx, elog
}

func TestSendToOnlineRecipient(t *testing.T) {
	s, router, idx, _ := newTestService(t, 10, time.Minute)
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "bob", Name: "bob", State: types.PresenceOnline})
	sub := router.Subscribe("t1", "f1", "bob", 8)

	msg, err := s.Send("t1", "f1", "alice", &protocol.DirectSendRequest{
		To:      "bob",
		Payload: map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, msg.State)

	e := <-sub.C
	assert.Equal(t, types.EventDMSent, e.Kind)
	assert.Equal(t, types.ScopeDirect, e.Scope.Kind)
	assert.Equal(t, "alice", e.Payload["from"])
	payload, _ := e.Payload["payload"].(map[string]any)
	assert.Equal(t, "hi", payload["text"])
}

func TestSendToOfflineRecipientQueues(t *testing.T) {
	s, _, _, _ := newTestService(t, 10, time.Minute)

	msg, err := s.Send("t1", "f1", "alice", &protocol.DirectSendRequest{To: "bob"})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryQueued, msg.State)
	assert.Equal(t, 1, s.QueueDepth("t1", "f1", "bob"))
}

func TestSendMissingRecipient(t *testing.T) {
	s, _, _, _ := newTestService(t, 10, time.Minute)
	_, err := s.Send("t1", "f1", "alice", &protocol.DirectSendRequest{})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.AsError(err).Code)
}

func TestQueueOverflowDrops(t *testing.T) {
	s, _, _, _ := newTestService(t, 2, time.Minute)

	for i := 0; i < 2; i++ {
		msg, err := s.Send("t1", "f1", "alice", &protocol.DirectSendRequest{To: "bob"})
		require.NoError(t, err)
		assert.Equal(t, types.DeliveryQueued, msg.State)
	}
	msg, err := s.Send("t1", "f1", "alice", &protocol.DirectSendRequest{To: "bob"})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDropped, msg.State, "a full queue drops immediately, telling the sender")
	assert.Equal(t, 2, s.QueueDepth("t1", "f1", "bob"))
}

func TestOverflowLogsDroppedDelivery(t *testing.T) {
	s, _, _, elog := newTestService(t, 1, time.Minute)

	_, err := s.Send("t1", "f1", "alice", &protocol.DirectSendRequest{To: "bob", CorrelationID: "keep"})
	require.NoError(t, err)
	dropped, err := s.Send("t1", "f1", "alice", &protocol.DirectSendRequest{To: "bob", CorrelationID: "drop"})
	require.NoError(t, err)
	require.Equal(t, types.DeliveryDropped, dropped.State)

	// The metadata event records the state the message ended in, never a
	// provisional one.
	states := map[string]string{}
	require.NoError(t, elog.Scan("t1", "f1", eventlog.Filter{}, func(e *types.Event) bool {
		corr, _ := e.Payload["correlation"].(string)
		delivery, _ := e.Payload["delivery"].(string)
		states[corr] = delivery
		return true
	}))
	assert.Equal(t, string(types.DeliveryQueued), states["keep"])
	assert.Equal(t, string(types.DeliveryDropped), states["drop"])
}

func TestDrainReturnsFIFOAndEmpties(t *testing.T) {
	s, _, _, _ := newTestService(t, 10, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := s.Send("t1", "f1", "alice", &protocol.DirectSendRequest{
			To:            "bob",
			CorrelationID: fmt.Sprintf("c%d", i),
		})
		require.NoError(t, err)
	}

	drained := s.Drain("t1", "f1", "bob")
	require.Len(t, drained, 3)
	for i, dm := range drained {
		assert.Equal(t, fmt.Sprintf("c%d", i), dm.CorrelationID)
		assert.Equal(t, types.DeliveryDelivered, dm.State)
	}
	assert.Zero(t, s.QueueDepth("t1", "f1", "bob"))
	assert.Empty(t, s.Drain("t1", "f1", "bob"))
}

func TestSweepNotifiesSenderOnce(t *testing.T) {
	s, router, idx, _ := newTestService(t, 10, 10*time.Millisecond)
	idx.Join("t1", "f1", &types.PresenceEntry{AgentID: "alice", Name: "alice", State: types.PresenceOnline})
	senderSub := router.Subscribe("t1", "f1", "alice", 8)

	_, err := s.Send("t1", "f1", "alice", &protocol.DirectSendRequest{To: "bob"})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	s.sweep(time.Now())
	s.sweep(time.Now())

	var notices []*types.Event
	for {
		select {
		case e := <-senderSub.C:
			notices = append(notices, e)
			continue
		default:
		}
		break
	}
	require.Len(t, notices, 1)
	assert.Equal(t, types.EventSystem, notices[0].Kind)
	assert.Equal(t, "dm_dropped", notices[0].Payload["notice"])
	assert.Zero(t, s.QueueDepth("t1", "f1", "bob"))
}

func TestDMPayloadNeverHitsLog(t *testing.T) {
	s, _, _, elog := newTestService(t, 10, time.Minute)

	_, err := s.Send("t1", "f1", "alice", &protocol.DirectSendRequest{
		To:      "bob",
		Payload: map[string]any{"secret": "hunter2"},
	})
	require.NoError(t, err)

	require.NoError(t, elog.Scan("t1", "f1", eventlog.Filter{}, func(e *types.Event) bool {
		assert.Equal(t, types.EventDMSent, e.Kind)
		assert.NotContains(t, e.Payload, "payload")
		assert.NotContains(t, e.Payload, "secret")
		assert.Equal(t, "bob", e.Payload["to"])
		return true
	}))
}

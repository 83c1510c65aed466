package hub

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/ringforge/ringforge/pkg/config"
	"github.com/ringforge/ringforge/pkg/gateway"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHub struct {
	*Hub
	apiKey string
	tenant *types.Tenant
	fleet  *types.Fleet
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.BlobSecret = "test-secret"

	h, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(h.Stop)

	tenant := &types.Tenant{ID: "t1", Name: "acme", Plan: types.PlanFree, CreatedAt: time.Now().UTC()}
	require.NoError(t, h.store.CreateTenant(tenant))
	fleet := &types.Fleet{ID: "f1", TenantID: "t1", Name: "prod", CreatedAt: time.Now().UTC()}
	require.NoError(t, h.store.CreateFleet(fleet))

	plaintext, _, err := h.authn.MintKey("t1", "f1", types.KeyTypeLive, nil)
	require.NoError(t, err)
	return &testHub{Hub: h, apiKey: plaintext, tenant: tenant, fleet: fleet}
}

func (th *testHub) connect(t *testing.T, name string, caps ...string) *gateway.Identity {
	t.Helper()
	id, err := th.Authenticate("127.0.0.1", []byte("challenge"), &protocol.AuthRequest{
		APIKey:       th.apiKey,
		Name:         name,
		Capabilities: caps,
	})
	require.NoError(t, err)
	return id
}

func env(msgType, action string, payload any) *protocol.Envelope {
	raw, _ := json.Marshal(payload)
	return &protocol.Envelope{Type: msgType, Action: action, Payload: raw}
}

func TestAuthenticateRegistersAgent(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha", "translate")

	assert.Equal(t, "t1", id.Tenant.ID)
	assert.Equal(t, "f1", id.Fleet.ID)
	assert.Equal(t, "alpha", id.Agent.Name)
	assert.NotEmpty(t, id.Session.ID)

	entry := th.presence.Get("t1", "f1", id.Agent.ID)
	require.NotNil(t, entry)
	assert.Equal(t, types.PresenceOnline, entry.State)
	assert.Equal(t, []string{"translate"}, entry.Capabilities)
}

func TestAuthenticateReconnectFindsAgentByName(t *testing.T) {
	th := newTestHub(t)
	first := th.connect(t, "alpha")
	second := th.connect(t, "alpha")
	assert.Equal(t, first.Agent.ID, second.Agent.ID)
	assert.Equal(t, int64(2), second.Agent.Connections)
}

func TestAuthenticateRejectsBadKey(t *testing.T) {
	th := newTestHub(t)
	_, err := th.Authenticate("127.0.0.1", nil, &protocol.AuthRequest{APIKey: "rf_live_bogus", Name: "x"})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidAPIKey, protocol.AsError(err).Code)
}

func TestAuthenticateRejectsAdminKey(t *testing.T) {
	th := newTestHub(t)
	adminPlain, _, err := th.authn.MintKey("t1", "", types.KeyTypeAdmin, nil)
	require.NoError(t, err)

	_, err = th.Authenticate("127.0.0.1", nil, &protocol.AuthRequest{APIKey: adminPlain, Name: "x"})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnauthorized, protocol.AsError(err).Code)
}

func TestAuthenticateRequiresIdentity(t *testing.T) {
	th := newTestHub(t)
	_, err := th.Authenticate("127.0.0.1", nil, &protocol.AuthRequest{APIKey: th.apiKey})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.AsError(err).Code)
}

func TestAuthenticateEnforcesAgentQuota(t *testing.T) {
	th := newTestHub(t)
	// Free plan: 5 concurrent agents.
	for i := 0; i < 5; i++ {
		th.connect(t, "agent-"+string(rune('a'+i)))
	}
	_, err := th.Authenticate("127.0.0.1", nil, &protocol.AuthRequest{APIKey: th.apiKey, Name: "one-too-many"})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeFleetFull, protocol.AsError(err).Code)
}

func TestChallengeSignatureRequiredForKeyedAgent(t *testing.T) {
	th := newTestHub(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	challenge := []byte("0123456789abcdef0123456789abcdef")
	_, err = th.Authenticate("127.0.0.1", challenge, &protocol.AuthRequest{
		APIKey:    th.apiKey,
		Name:      "secure",
		PublicKey: hex.EncodeToString(pub),
	})
	require.NoError(t, err)

	// A later connect without a valid signature is rejected.
	_, err = th.Authenticate("127.0.0.1", challenge, &protocol.AuthRequest{
		APIKey: th.apiKey,
		Name:   "secure",
	})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnauthorized, protocol.AsError(err).Code)

	// With the signature it passes.
	sig := hex.EncodeToString(ed25519.Sign(priv, challenge))
	_, err = th.Authenticate("127.0.0.1", challenge, &protocol.AuthRequest{
		APIKey:    th.apiKey,
		Name:      "secure",
		Signature: sig,
	})
	assert.NoError(t, err)
}

func TestSessionClosedEmitsLeft(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha")
	observer := th.connect(t, "watcher")
	sub := th.router.Subscribe("t1", "f1", observer.Agent.ID, 16)

	th.SessionClosed(id, "client_close")

	assert.Nil(t, th.presence.Get("t1", "f1", id.Agent.ID))
	var left bool
	for {
		select {
		case e := <-sub.C:
			if e.Kind == types.EventLeft && e.AgentID == id.Agent.ID {
				left = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, left)

	sessions, err := th.store.ListSessions("t1", "f1", id.Agent.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "client_close", sessions[0].Reason)
	assert.NotNil(t, sessions[0].DisconnectedAt)
}

func TestPresenceUpdateFlow(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha")

	reply, err := th.HandleRequest(id, env(protocol.TypePresence, "update", map[string]any{
		"state": "busy", "task": "indexing", "load": 0.7,
	}))
	require.NoError(t, err)
	entry := reply.(*types.PresenceEntry)
	assert.Equal(t, types.PresenceBusy, entry.State)
	assert.Equal(t, "indexing", entry.CurrentTask)

	_, err = th.HandleRequest(id, env(protocol.TypePresence, "update", map[string]any{"state": "sleeping"}))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.AsError(err).Code)
}

func TestRosterFlow(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha")
	th.connect(t, "bravo")

	reply, err := th.HandleRequest(id, env(protocol.TypePresence, "roster", nil))
	require.NoError(t, err)
	roster := reply.(map[string]any)
	assert.Equal(t, 2, roster["count"])
}

func TestActivityPublishFlow(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha")

	reply, err := th.HandleRequest(id, env(protocol.TypeActivity, "publish", map[string]any{
		"kind": "discovery", "description": "found a shortcut",
	}))
	require.NoError(t, err)
	out := reply.(map[string]any)
	assert.NotEmpty(t, out["event_id"])
	assert.Equal(t, uint64(2), out["position"], "position 1 is the join event")
}

func TestActivityRejectsReservedKinds(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha")

	for _, kind := range []string{"join", "leave", "bogus"} {
		_, err := th.HandleRequest(id, env(protocol.TypeActivity, "publish", map[string]any{"kind": kind}))
		require.Error(t, err, kind)
	}
}

func TestMemoryFlowWithQuotas(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha")

	_, err := th.HandleRequest(id, env(protocol.TypeMemory, "set", map[string]any{
		"key": "goal", "value": "ship it",
	}))
	require.NoError(t, err)

	reply, err := th.HandleRequest(id, env(protocol.TypeMemory, "get", map[string]any{"key": "goal"}))
	require.NoError(t, err)
	assert.Equal(t, "ship it", reply.(*types.MemoryEntry).Value)

	_, err = th.HandleRequest(id, env(protocol.TypeMemory, "delete", map[string]any{"key": "goal"}))
	require.NoError(t, err)

	_, err = th.HandleRequest(id, env(protocol.TypeMemory, "get", map[string]any{"key": "goal"}))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeNotFound, protocol.AsError(err).Code)
}

func TestMemoryEntryQuotaAllowsUpsertAtCap(t *testing.T) {
	th := newTestHub(t)
	th.cfg.Quotas[string(types.PlanFree)] = config.Quota{
		MaxAgents: 5, MessagesPerDay: 50_000, MaxMemoryEntries: 1,
		MaxFleets: 1, MaxStorageBytes: 100 << 20, RetentionHours: 24,
	}
	id := th.connect(t, "alpha")

	_, err := th.HandleRequest(id, env(protocol.TypeMemory, "set", map[string]any{"key": "only", "value": "v1"}))
	require.NoError(t, err)

	// Upserting the existing key passes at the cap; a new key does not.
	_, err = th.HandleRequest(id, env(protocol.TypeMemory, "set", map[string]any{"key": "only", "value": "v2"}))
	require.NoError(t, err)

	_, err = th.HandleRequest(id, env(protocol.TypeMemory, "set", map[string]any{"key": "second", "value": "x"}))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeQuotaExceeded, protocol.AsError(err).Code)
}

func TestDirectSendUnknownRecipient(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha")

	_, err := th.HandleRequest(id, env(protocol.TypeDirect, "send", map[string]any{"to": "ghost"}))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeNotFound, protocol.AsError(err).Code)
}

func TestDirectSendDeliveryStates(t *testing.T) {
	th := newTestHub(t)
	alice := th.connect(t, "alice")
	bob := th.connect(t, "bob")

	reply, err := th.HandleRequest(alice, env(protocol.TypeDirect, "send", map[string]any{"to": bob.Agent.ID}))
	require.NoError(t, err)
	assert.Equal(t, "delivered", reply.(map[string]any)["delivery"])

	th.SessionClosed(bob, "client_close")
	reply, err = th.HandleRequest(alice, env(protocol.TypeDirect, "send", map[string]any{"to": bob.Agent.ID}))
	require.NoError(t, err)
	assert.Equal(t, "queued", reply.(map[string]any)["delivery"])
	assert.Len(t, th.DrainQueued(bob), 1)
}

func TestTaskFlowEndToEnd(t *testing.T) {
	th := newTestHub(t)
	requester := th.connect(t, "requester")
	worker := th.connect(t, "worker", "translate")

	reply, err := th.HandleRequest(requester, env(protocol.TypeTask, "submit", map[string]any{
		"requires": []string{"translate"}, "type": "translate",
	}))
	require.NoError(t, err)
	task := reply.(*types.Task)
	assert.Equal(t, types.TaskAssigned, task.Status)
	assert.Equal(t, worker.Agent.ID, task.AssignedTo)

	for _, action := range []string{"claim", "start"} {
		_, err = th.HandleRequest(worker, env(protocol.TypeTask, action, map[string]any{"task_id": task.ID}))
		require.NoError(t, err)
	}
	reply, err = th.HandleRequest(worker, env(protocol.TypeTask, "complete", map[string]any{
		"task_id": task.ID, "result": map[string]any{"out": "done"},
	}))
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, reply.(*types.Task).Status)
}

func TestFileURLFlow(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha")

	reply, err := th.HandleRequest(id, env(protocol.TypeFile, "upload_url", map[string]any{
		"filename": "report.pdf", "size": 1024,
	}))
	require.NoError(t, err)
	out := reply.(map[string]any)
	assert.NotEmpty(t, out["file_id"])
	assert.NotEmpty(t, out["upload_url"])

	reply, err = th.HandleRequest(id, env(protocol.TypeFile, "download_url", map[string]any{
		"file_id": out["file_id"],
	}))
	require.NoError(t, err)
	assert.NotEmpty(t, reply.(map[string]any)["url"])
}

func TestGroupFlow(t *testing.T) {
	th := newTestHub(t)
	owner := th.connect(t, "owner")
	member := th.connect(t, "member")

	reply, err := th.HandleRequest(owner, env(protocol.TypeGroup, "create", map[string]any{
		"name": "reviewers", "type": "squad", "members": []string{member.Agent.ID},
	}))
	require.NoError(t, err)
	group := reply.(*types.Group)
	assert.Equal(t, types.GroupOwner, group.Members[owner.Agent.ID])
	assert.Equal(t, types.GroupMember, group.Members[member.Agent.ID])

	_, err = th.HandleRequest(member, env(protocol.TypeGroup, "dissolve", map[string]any{"group_id": group.ID}))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeForbidden, protocol.AsError(err).Code)

	reply, err = th.HandleRequest(owner, env(protocol.TypeGroup, "dissolve", map[string]any{"group_id": group.ID}))
	require.NoError(t, err)
	assert.True(t, reply.(*types.Group).Dissolved)
}

func TestGroupMembership(t *testing.T) {
	th := newTestHub(t)
	owner := th.connect(t, "owner")
	joiner := th.connect(t, "joiner")

	reply, err := th.HandleRequest(owner, env(protocol.TypeGroup, "create", map[string]any{
		"name": "ops", "type": "channel",
	}))
	require.NoError(t, err)
	group := reply.(*types.Group)

	reply, err = th.HandleRequest(owner, env(protocol.TypeGroup, "add_member", map[string]any{
		"group_id": group.ID, "agent_id": joiner.Agent.ID, "role": "admin",
	}))
	require.NoError(t, err)
	assert.Equal(t, types.GroupAdmin, reply.(*types.Group).Members[joiner.Agent.ID])

	// Only the owner manages members, and the owner cannot be removed.
	_, err = th.HandleRequest(joiner, env(protocol.TypeGroup, "remove_member", map[string]any{
		"group_id": group.ID, "agent_id": owner.Agent.ID,
	}))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeForbidden, protocol.AsError(err).Code)

	_, err = th.HandleRequest(owner, env(protocol.TypeGroup, "remove_member", map[string]any{
		"group_id": group.ID, "agent_id": owner.Agent.ID,
	}))
	require.Error(t, err)

	reply, err = th.HandleRequest(owner, env(protocol.TypeGroup, "remove_member", map[string]any{
		"group_id": group.ID, "agent_id": joiner.Agent.ID,
	}))
	require.NoError(t, err)
	assert.NotContains(t, reply.(*types.Group).Members, joiner.Agent.ID)
}

func TestMessageGateQuota(t *testing.T) {
	th := newTestHub(t)
	th.cfg.Quotas[string(types.PlanFree)] = config.Quota{
		MaxAgents: 5, MessagesPerDay: 3, MaxMemoryEntries: 10,
		MaxFleets: 1, MaxStorageBytes: 100 << 20, RetentionHours: 24,
	}
	id := th.connect(t, "alpha")
	ping := env(protocol.TypePresence, "roster", nil)

	for i := 0; i < 3; i++ {
		_, err := th.MessageGate(id, ping)
		require.NoError(t, err)
	}
	_, err := th.MessageGate(id, ping)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeQuotaExceeded, protocol.AsError(err).Code)
}

func TestMessagesTotalPersistedOnClose(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha")
	ping := env(protocol.TypePresence, "roster", nil)

	for i := 0; i < 4; i++ {
		_, err := th.MessageGate(id, ping)
		require.NoError(t, err)
	}
	agent, err := th.store.GetAgent("t1", "f1", id.Agent.ID)
	require.NoError(t, err)
	assert.Zero(t, agent.MessagesTotal, "the delta stays in memory while the session is up")

	th.SessionClosed(id, "client_close")
	agent, err = th.store.GetAgent("t1", "f1", id.Agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), agent.MessagesTotal)

	// Another session accumulates on top of the persisted total.
	id2 := th.connect(t, "alpha")
	_, err = th.MessageGate(id2, ping)
	require.NoError(t, err)
	th.SessionClosed(id2, "client_close")
	agent, err = th.store.GetAgent("t1", "f1", id2.Agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), agent.MessagesTotal)
}

func TestSecondSessionDoesNotReannounceJoin(t *testing.T) {
	th := newTestHub(t)
	first := th.connect(t, "alpha")
	observer := th.connect(t, "watcher")
	sub := th.router.Subscribe("t1", "f1", observer.Agent.ID, 16)

	second := th.connect(t, "alpha")

	var joins, lefts int
	drain := func() {
		for {
			select {
			case e := <-sub.C:
				if e.AgentID != first.Agent.ID {
					continue
				}
				switch e.Kind {
				case types.EventJoined:
					joins++
				case types.EventLeft:
					lefts++
				}
				continue
			default:
			}
			break
		}
	}
	drain()
	assert.Zero(t, joins, "already online")

	// Closing one of two sessions keeps the agent present and quiet.
	th.SessionClosed(first, "client_close")
	drain()
	assert.Zero(t, lefts)
	assert.NotNil(t, th.presence.Get("t1", "f1", first.Agent.ID))

	th.SessionClosed(second, "client_close")
	drain()
	assert.Equal(t, 1, lefts, "the last session announces the departure")
	assert.Nil(t, th.presence.Get("t1", "f1", first.Agent.ID))
}

func TestKickAgentEmitsSecurityEvent(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha")
	sub := th.router.Subscribe("t1", "f1", id.Agent.ID, 16)

	require.NoError(t, th.KickAgent("t1", "f1", id.Agent.ID, "key-1"))

	var kicked bool
	for {
		select {
		case e := <-sub.C:
			if e.Kind == types.EventSecurity && e.Payload["action"] == "kick" {
				kicked = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, kicked)
}

func TestDeleteFleetCascades(t *testing.T) {
	th := newTestHub(t)
	id := th.connect(t, "alpha")
	_, err := th.HandleRequest(id, env(protocol.TypeMemory, "set", map[string]any{"key": "k", "value": "v"}))
	require.NoError(t, err)

	require.NoError(t, th.DeleteFleet("t1", "f1"))
	assert.Zero(t, th.memory.Count("t1"))
	_, err = th.store.GetFleet("t1", "f1")
	require.Error(t, err)
}

func TestMemoryRebuildAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.BlobSecret = "s"

	h, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateTenant(&types.Tenant{ID: "t1", Name: "acme", Plan: types.PlanFree}))
	require.NoError(t, h.store.CreateFleet(&types.Fleet{ID: "f1", TenantID: "t1", Name: "prod"}))
	_, err = h.memory.Set("t1", "f1", "a1", &protocol.MemorySetRequest{Key: "goal", Value: "persist"})
	require.NoError(t, err)
	h.Stop()

	h2, err := New(cfg)
	require.NoError(t, err)
	defer h2.Stop()

	entry, err := h2.memory.Get("t1", "f1", "goal")
	require.NoError(t, err)
	assert.Equal(t, "persist", entry.Value)
}

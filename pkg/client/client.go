package client

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client closed")

var noDeadline = time.Time{}

// Options configures a session.
type Options struct {
	// URL is the session plane endpoint, e.g. ws://localhost:7420/ws.
	URL    string
	APIKey string

	// Name registers or resumes the agent by fleet-unique name. AgentID
	// resumes a known agent directly.
	Name    string
	AgentID string

	Framework    string
	Capabilities []string

	// SigningKey signs the server challenge. Required once the agent has
	// a registered public key.
	SigningKey ed25519.PrivateKey

	// EventBuffer is the unsolicited-event channel depth (default 64).
	EventBuffer int
}

// Client is one agent session: a single websocket with ref-correlated
// request/reply plus a channel of server-pushed events.
type Client struct {
	conn *websocket.Conn

	agentID   string
	sessionID string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope
	closed  bool

	events chan *protocol.Envelope
	done   chan struct{}
}

// Dial connects and authenticates. It returns after the server accepts
// the auth, with the event pump running.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *protocol.Envelope),
		events:  make(chan *protocol.Envelope, opts.EventBuffer),
		done:    make(chan struct{}),
	}
	if err := c.authenticate(ctx, opts); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// AgentID returns the authenticated agent id.
func (c *Client) AgentID() string { return c.agentID }

// SessionID returns the server-assigned session id.
func (c *Client) SessionID() string { return c.sessionID }

// Events is the stream of server-pushed envelopes (presence diffs,
// activities, memory changes, DMs, task updates). Slow consumers lose
// events once the buffer fills.
func (c *Client) Events() <-chan *protocol.Envelope { return c.events }

// Close tears the session down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) authenticate(ctx context.Context, opts Options) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(noDeadline)
	}

	// First frame is always auth.required with the session challenge.
	env, err := c.readEnvelope()
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	var prompt struct {
		Challenge string `json:"challenge"`
		Heartbeat int    `json:"heartbeat_seconds"`
		Time      int64  `json:"server_time"`
	}
	if env.Type != protocol.TypeAuth || env.DecodePayload(&prompt) != nil {
		return errors.New("unexpected handshake frame")
	}

	req := protocol.AuthRequest{
		APIKey:       opts.APIKey,
		AgentID:      opts.AgentID,
		Name:         opts.Name,
		Framework:    opts.Framework,
		Capabilities: opts.Capabilities,
	}
	if opts.SigningKey != nil {
		challenge, err := hex.DecodeString(prompt.Challenge)
		if err != nil {
			return errors.New("malformed challenge")
		}
		req.Signature = hex.EncodeToString(ed25519.Sign(opts.SigningKey, challenge))
		if opts.AgentID == "" {
			pub := opts.SigningKey.Public().(ed25519.PublicKey)
			req.PublicKey = hex.EncodeToString(pub)
		}
	}

	ref := uuid.New().String()
	if err := c.write(&protocol.Envelope{Type: protocol.TypeAuth, Ref: ref, Payload: marshal(req)}); err != nil {
		return err
	}
	reply, err := c.readEnvelope()
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	if reply.Type == protocol.TypeError {
		return replyError(reply)
	}
	var accepted struct {
		AgentID   string `json:"agent_id"`
		SessionID string `json:"session_id"`
	}
	if err := reply.DecodePayload(&accepted); err != nil {
		return err
	}
	c.agentID = accepted.AgentID
	c.sessionID = accepted.SessionID
	return nil
}

// Do sends one request and waits for its correlated reply.
func (c *Client) Do(ctx context.Context, msgType, action string, payload any) (*protocol.Envelope, error) {
	ref := uuid.New().String()
	ch := c.register(ref)
	if ch == nil {
		return nil, ErrClosed
	}
	defer c.unregister(ref)

	env := &protocol.Envelope{Type: msgType, Action: action, Ref: ref, Payload: marshal(payload)}
	if err := c.write(env); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		if reply.Type == protocol.TypeError {
			return nil, replyError(reply)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// UpdatePresence reports state, current task, and load.
func (c *Client) UpdatePresence(ctx context.Context, state types.PresenceState, task string, load float64) error {
	_, err := c.Do(ctx, protocol.TypePresence, "update", protocol.PresenceUpdateRequest{
		State: string(state), Task: task, Load: load,
	})
	return err
}

// Roster fetches the fleet's live members.
func (c *Client) Roster(ctx context.Context) ([]*types.PresenceEntry, error) {
	reply, err := c.Do(ctx, protocol.TypePresence, "roster", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Agents []*types.PresenceEntry `json:"agents"`
	}
	if err := reply.DecodePayload(&out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Publish broadcasts an activity.
func (c *Client) Publish(ctx context.Context, req protocol.ActivityPublishRequest) error {
	_, err := c.Do(ctx, protocol.TypeActivity, "publish", req)
	return err
}

// SubscribeTags sets the session's tag subtopics.
func (c *Client) SubscribeTags(ctx context.Context, tags []string) error {
	_, err := c.Do(ctx, protocol.TypeActivity, "subscribe", protocol.SubscribeTagsRequest{Tags: tags})
	return err
}

// MemorySet upserts a shared memory entry.
func (c *Client) MemorySet(ctx context.Context, req protocol.MemorySetRequest) (*types.MemoryEntry, error) {
	reply, err := c.Do(ctx, protocol.TypeMemory, "set", req)
	if err != nil {
		return nil, err
	}
	var entry types.MemoryEntry
	if err := reply.DecodePayload(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// MemoryGet fetches one entry.
func (c *Client) MemoryGet(ctx context.Context, key string) (*types.MemoryEntry, error) {
	reply, err := c.Do(ctx, protocol.TypeMemory, "get", protocol.MemoryKeyRequest{Key: key})
	if err != nil {
		return nil, err
	}
	var entry types.MemoryEntry
	if err := reply.DecodePayload(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// MemorySubscribe registers a session-lived key-pattern subscription.
func (c *Client) MemorySubscribe(ctx context.Context, pattern string, events []string) error {
	_, err := c.Do(ctx, protocol.TypeMemory, "subscribe", protocol.MemorySubscribeRequest{
		Pattern: pattern, Events: events,
	})
	return err
}

// SendDirect delivers a DM, returning the delivery state.
func (c *Client) SendDirect(ctx context.Context, req protocol.DirectSendRequest) (types.DeliveryState, error) {
	reply, err := c.Do(ctx, protocol.TypeDirect, "send", req)
	if err != nil {
		return "", err
	}
	var out struct {
		Delivery string `json:"delivery"`
		ID       string `json:"message_id"`
		SentAt   int64  `json:"sent_at"`
	}
	if err := reply.DecodePayload(&out); err != nil {
		return "", err
	}
	return types.DeliveryState(out.Delivery), nil
}

// SubmitTask routes a task to one capable agent.
func (c *Client) SubmitTask(ctx context.Context, req protocol.TaskSubmitRequest) (*types.Task, error) {
	reply, err := c.Do(ctx, protocol.TypeTask, "submit", req)
	if err != nil {
		return nil, err
	}
	var task types.Task
	if err := reply.DecodePayload(&task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimTask acknowledges an assignment.
func (c *Client) ClaimTask(ctx context.Context, taskID string) error {
	_, err := c.Do(ctx, protocol.TypeTask, "claim", protocol.TaskUpdateRequest{TaskID: taskID})
	return err
}

// CompleteTask finishes an assignment with a result.
func (c *Client) CompleteTask(ctx context.Context, taskID string, result map[string]any) error {
	_, err := c.Do(ctx, protocol.TypeTask, "complete", protocol.TaskUpdateRequest{TaskID: taskID, Result: result})
	return err
}

// Replay streams a filtered slice of the fleet log, calling fn per item.
// It returns the item count reported by the server.
func (c *Client) Replay(ctx context.Context, req protocol.ReplayRequest, fn func(item *protocol.Envelope) error) (int, error) {
	ref := uuid.New().String()
	ch := c.register(ref)
	if ch == nil {
		return 0, ErrClosed
	}
	defer c.unregister(ref)

	env := &protocol.Envelope{Type: protocol.TypeReplay, Action: "start", Ref: ref, Payload: marshal(req)}
	if err := c.write(env); err != nil {
		return 0, err
	}
	for {
		select {
		case reply := <-ch:
			switch {
			case reply.Type == protocol.TypeError:
				return 0, replyError(reply)
			case reply.Action == "end":
				var out struct {
					Count int `json:"count"`
				}
				if err := reply.DecodePayload(&out); err != nil {
					return 0, err
				}
				return out.Count, nil
			default:
				if fn != nil {
					if err := fn(reply); err != nil {
						return 0, err
					}
				}
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.done:
			return 0, ErrClosed
		}
	}
}

func (c *Client) register(ref string) chan *protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	ch := make(chan *protocol.Envelope, 64)
	c.pending[ref] = ch
	return ch
}

func (c *Client) unregister(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		env, err := c.readEnvelope()
		if err != nil {
			c.Close()
			close(c.events)
			return
		}
		if env.Ref != "" {
			c.mu.Lock()
			ch := c.pending[env.Ref]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- env:
				default:
				}
				continue
			}
		}
		select {
		case c.events <- env:
		default:
			// Slow consumer: the event is lost here, replay recovers it.
		}
	}
}

func (c *Client) readEnvelope() (*protocol.Envelope, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(raw)
}

func (c *Client) write(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func replyError(env *protocol.Envelope) error {
	var perr protocol.Error
	if err := env.DecodePayload(&perr); err != nil {
		return errors.New("malformed error reply")
	}
	return &perr
}

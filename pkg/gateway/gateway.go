package gateway

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ringforge/ringforge/pkg/bus"
	"github.com/ringforge/ringforge/pkg/config"
	"github.com/ringforge/ringforge/pkg/limits"
	"github.com/ringforge/ringforge/pkg/log"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/replay"
	"github.com/ringforge/ringforge/pkg/types"
)

// Identity is the authenticated principal bound to a session.
type Identity struct {
	Tenant  *types.Tenant
	Fleet   *types.Fleet
	Agent   *types.Agent
	Session *types.Session
}

// Backend is the domain surface the gateway dispatches into. The gateway
// owns the wire: framing, auth handshake, heartbeats, fan-out delivery,
// and the pre-handler gates; the backend owns everything behind them.
type Backend interface {
	// Authenticate resolves an auth envelope to an identity. challenge is
	// the value this session was issued at connect.
	Authenticate(remoteAddr string, challenge []byte, req *protocol.AuthRequest) (*Identity, error)

	// HandleRequest executes one non-session-scoped operation and returns
	// the reply payload.
	HandleRequest(id *Identity, env *protocol.Envelope) (any, error)

	// MessageGate runs the quota and per-operation rate limit gates for
	// one inbound envelope. warn means the tenant crossed the soft quota
	// threshold.
	MessageGate(id *Identity, env *protocol.Envelope) (warn bool, err error)

	// DrainQueued returns the agent's offline DMs in enqueue order.
	DrainQueued(id *Identity) []*types.DirectMessage

	// Touch marks the agent alive (any inbound traffic counts).
	Touch(id *Identity)

	// SessionClosed finalizes the session row and presence entry.
	SessionClosed(id *Identity, reason string)
}

// Gateway accepts websocket sessions and runs their lifecycle.
type Gateway struct {
	cfg     config.GatewayConfig
	backend Backend
	router  *bus.Router
	replays *replay.Engine
	rates   *limits.RateLimiter
	idem    *limits.IdempotencyCache

	upgrader websocket.Upgrader
}

// New creates a gateway.
func New(cfg config.GatewayConfig, backend Backend, router *bus.Router, replays *replay.Engine, rates *limits.RateLimiter, idem *limits.IdempotencyCache) *Gateway {
	return &Gateway{
		cfg:     cfg,
		backend: backend,
		router:  router,
		replays: replays,
		rates:   rates,
		idem:    idem,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and hands it to a session loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := log.WithComponent("gateway")
		logger.Debug().Err(err).Msg("upgrade failed")
		return
	}
	sess := newSession(g, conn, remoteHost(r))
	go sess.run()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gateway) heartbeat() time.Duration {
	return time.Duration(g.cfg.HeartbeatSeconds) * time.Second
}

func (g *Gateway) readTimeout() time.Duration {
	return time.Duration(g.cfg.HeartbeatSeconds*g.cfg.HeartbeatMisses) * time.Second
}

func (g *Gateway) authTimeout() time.Duration {
	return time.Duration(g.cfg.AuthTimeoutSeconds) * time.Second
}

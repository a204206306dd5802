// Package ws is the public entry point for running a feltwire broker
// over WebSocket.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/feltwire/feltwire"
	"github.com/feltwire/feltwire/internal/auth"
	"github.com/feltwire/feltwire/internal/hub"
	"github.com/feltwire/feltwire/internal/ratelimit"
	"github.com/feltwire/feltwire/internal/websocket"
)

type RateLimitConfig = ratelimit.Config
type CheckOriginFn = websocket.CheckOriginFn

// ServerConfig configures a broker instance.
type ServerConfig struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string
	// Path is the WebSocket endpoint, default "/ws".
	Path string
	// RateLimit configures per-connection limits. Nil uses
	// DefaultRateLimitConfig().
	RateLimit *RateLimitConfig
	// CheckOrigin validates upgrade origins (CORS). Use AllOrigins()
	// only in development.
	CheckOrigin CheckOriginFn
	// Auth resolves tokens to identities. Nil disables authentication,
	// which also disables room creation.
	Auth feltwire.AuthFunc
	// DisplacePolicy decides what a second login for a bound user id
	// does. Default: displace silently.
	DisplacePolicy feltwire.DisplacePolicy
	// QueueSize bounds the core request queue, default 256.
	QueueSize int
	// SendBuffer is the per-connection outbound buffer, default 256.
	SendBuffer int
	// SweepInterval is how often idle limiter entries are pruned,
	// default one minute.
	SweepInterval time.Duration
	// Logger receives broker diagnostics. Nil discards them.
	Logger *zerolog.Logger
}

// DefaultRateLimitConfig returns the production thresholds: 10
// messages/second, 3 violations before blocking, 5 minute block.
func DefaultRateLimitConfig() *RateLimitConfig {
	cfg := ratelimit.DefaultConfig()
	return &cfg
}

// NoRateLimit returns a configuration with rate limiting disabled.
func NoRateLimit() *RateLimitConfig {
	cfg := ratelimit.Disabled()
	return &cfg
}

// AllOrigins returns a checkOrigin function that allows everything.
// Never use it in production.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// Origins returns a checkOrigin function allowing only the listed
// origins.
func Origins(allowed ...string) CheckOriginFn {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

// JWTAuth returns an AuthFunc validating HMAC-signed JWTs. The token
// subject becomes the user id.
func JWTAuth(secret []byte) feltwire.AuthFunc {
	return auth.NewJWTGateway(secret)
}

// SignToken issues a session token accepted by JWTAuth. Intended for
// tooling and tests; production tokens come from the platform's auth
// service.
func SignToken(secret []byte, userID, username string, ttl time.Duration) (string, error) {
	return auth.Sign(secret, userID, username, ttl)
}

type broker struct {
	core *hub.Hub
	srv  *websocket.Server
	log  zerolog.Logger

	actions sync.Map // action name -> feltwire.MessageHandler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New assembles a broker: core worker, transport binding and the default
// handlers (test_echo, ping, room_info, user_list and the generic
// request router).
func New(cfg *ServerConfig) feltwire.Broker {
	if cfg.RateLimit == nil {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	core := hub.New(hub.Config{
		QueueSize:      cfg.QueueSize,
		RateLimit:      *cfg.RateLimit,
		SweepInterval:  cfg.SweepInterval,
		DisplacePolicy: cfg.DisplacePolicy,
		Auth:           cfg.Auth,
	}, log)

	srv := websocket.NewServer(websocket.ServerConfig{
		Addr:        cfg.Addr,
		Path:        cfg.Path,
		CheckOrigin: cfg.CheckOrigin,
		SendBuffer:  cfg.SendBuffer,
	}, core, log)

	b := &broker{core: core, srv: srv, log: log}
	b.registerDefaults()
	return b
}

func (b *broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New(feltwire.ErrServerAlreadyRunning)
	}
	b.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.mu.Unlock()

	go b.core.Run(runCtx)

	if err := b.srv.Start(ctx); err != nil {
		cancel()
		b.mu.Lock()
		b.started = false
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()

	// Close the transport first so read loops can still run their
	// unregister cleanup against a live core, then stop the core.
	err := b.srv.Stop(ctx)
	cancel()

	select {
	case <-b.core.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (b *broker) RegisterHandler(msgType string, handler feltwire.MessageHandler) error {
	b.core.RegisterHandler(msgType, handler)
	return nil
}

func (b *broker) RegisterAction(action string, handler feltwire.MessageHandler) error {
	b.actions.Store(action, handler)
	return nil
}

func (b *broker) BroadcastToRoom(ctx context.Context, room string, msg *feltwire.Message) error {
	return b.core.BroadcastToRoom(ctx, room, msg)
}

func (b *broker) BroadcastToUser(ctx context.Context, userID string, msg *feltwire.Message) error {
	return b.core.BroadcastToUser(ctx, userID, msg)
}

func (b *broker) BroadcastToAll(ctx context.Context, msg *feltwire.Message) error {
	return b.core.BroadcastToAll(ctx, msg)
}

func (b *broker) JoinRoom(ctx context.Context, clientID, room string) error {
	return b.core.JoinRoom(ctx, clientID, room)
}

func (b *broker) LeaveRoom(ctx context.Context, clientID, room string) error {
	return b.core.LeaveRoom(ctx, clientID, room)
}

func (b *broker) ConnectionCount(ctx context.Context) (int, error) {
	return b.core.ConnectionCount(ctx)
}

func (b *broker) ListRooms(ctx context.Context) ([]feltwire.RoomInfo, error) {
	return b.core.ListRooms(ctx)
}

// registerDefaults wires the built-in convenience handlers. They run
// outside the core loop, so the query handlers may use the public API.
func (b *broker) registerDefaults() {
	b.core.RegisterHandler(feltwire.TypeTestEcho, func(_ feltwire.Client, msg *feltwire.Message) *feltwire.Message {
		reply := feltwire.NewResponse(feltwire.TypeTestEchoResponse, msg.RequestID, nil)
		reply.Data = msg.Data
		return reply
	})

	b.core.RegisterHandler(feltwire.TypePing, func(_ feltwire.Client, msg *feltwire.Message) *feltwire.Message {
		return feltwire.NewResponse(feltwire.TypePong, msg.RequestID, nil)
	})

	b.core.RegisterHandler(feltwire.TypeRoomInfo, func(client feltwire.Client, msg *feltwire.Message) *feltwire.Message {
		name := msg.Room
		if name == "" {
			var payload struct {
				Room string `json:"room"`
			}
			if err := msg.DecodeData(&payload); err == nil {
				name = payload.Room
			}
		}
		rooms, err := b.core.ListRooms(client.Context())
		if err != nil {
			return feltwire.NewErrorResponse(feltwire.TypeRoomInfoResponse, msg.RequestID, err.Error())
		}
		for _, info := range rooms {
			if info.Name == name {
				return feltwire.NewResponse(feltwire.TypeRoomInfoResponse, msg.RequestID, info)
			}
		}
		return feltwire.NewErrorResponse(feltwire.TypeRoomInfoResponse, msg.RequestID, feltwire.ErrRoomNotFound)
	})

	b.core.RegisterHandler(feltwire.TypeUserList, func(client feltwire.Client, msg *feltwire.Message) *feltwire.Message {
		users, err := b.core.ListUsers(client.Context())
		if err != nil {
			return feltwire.NewErrorResponse(feltwire.TypeUserListResponse, msg.RequestID, err.Error())
		}
		return feltwire.NewResponse(feltwire.TypeUserListResponse, msg.RequestID, map[string]any{
			"users": users,
			"total": len(users),
		})
	})

	// Generic request router: type "request", payload {"action": "..."}
	// dispatched against the action registry.
	b.core.RegisterHandler(feltwire.TypeRequest, func(client feltwire.Client, msg *feltwire.Message) *feltwire.Message {
		var payload struct {
			Action string `json:"action"`
		}
		if err := msg.DecodeData(&payload); err != nil || payload.Action == "" {
			return feltwire.NewErrorResponse(feltwire.TypeError, msg.RequestID, feltwire.ErrMissingAction)
		}
		v, ok := b.actions.Load(payload.Action)
		if !ok {
			return feltwire.NewErrorResponse(feltwire.TypeError, msg.RequestID, feltwire.ErrUnknownType)
		}
		return v.(feltwire.MessageHandler)(client, msg)
	})
}

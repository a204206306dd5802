// Package websocket binds the broker core to its transport: it upgrades
// HTTP requests into duplex sessions, runs one read loop per connection,
// and serves the metrics and health endpoints alongside.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/feltwire/feltwire"
	"github.com/feltwire/feltwire/internal/hub"
)

// CheckOriginFn validates the origin of an upgrade request. Return true
// to allow the connection.
type CheckOriginFn = func(r *http.Request) bool

// ServerConfig configures the transport binding.
type ServerConfig struct {
	// Addr is the network address to listen on (e.g. ":8080").
	Addr string
	// Path is the WebSocket endpoint, default "/ws".
	Path string
	// CheckOrigin validates upgrade origins. Nil uses the gorilla
	// same-origin default.
	CheckOrigin CheckOriginFn
	// SendBuffer is the per-connection outbound buffer, default 256.
	SendBuffer int
	// MaxMessageSize caps inbound frames, default feltwire.MaxMessageSize.
	MaxMessageSize int64
}

// Server accepts WebSocket sessions and feeds their messages into the
// core. It owns only transport concerns; all broker state lives in the
// hub.
type Server struct {
	cfg  ServerConfig
	core *hub.Hub
	log  zerolog.Logger

	server   *http.Server
	upgrader websocket.Upgrader
	clients  sync.Map // connection id -> *Client, for close-on-stop

	mu      sync.Mutex
	running bool
}

// NewServer creates the transport binding for a hub.
func NewServer(cfg ServerConfig, core *hub.Hub, log zerolog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = feltwire.MaxMessageSize
	}
	return &Server{
		cfg:  cfg,
		core: core,
		log:  log.With().Str("component", "ws_server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Start begins listening. It returns once the listener is up, or with
// the startup error.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(feltwire.ErrServerAlreadyRunning)
	}
	s.running = true
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Get(s.cfg.Path, s.handleWebSocket)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.server = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: r,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Surface immediate startup errors (bad address, port in use).
	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.Info().Str("addr", s.cfg.Addr).Str("path", s.cfg.Path).Msg("listening")
		return nil
	}
}

// Stop closes every client connection and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.clients.Range(func(_, value any) bool {
		if client, ok := value.(*Client); ok {
			client.Close(ctx)
		}
		return true
	})

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	client := newClient(conn, r.RemoteAddr, s.cfg.SendBuffer, s.log)
	if err := s.core.Register(context.Background(), client); err != nil {
		s.log.Warn().Err(err).Msg("registration rejected")
		client.Close(context.Background())
		return
	}
	s.clients.Store(client.ID(), client)

	go s.readLoop(client)
}

// readLoop reads frames until the transport fails, then runs the full
// cleanup: unregister (rooms, user index, limiter entry) and close.
func (s *Server) readLoop(client *Client) {
	defer func() {
		s.clients.Delete(client.ID())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.core.Unregister(ctx, client.ID())
		client.Close(ctx)
	}()

	client.conn.SetReadLimit(s.cfg.MaxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-client.Context().Done():
			return
		default:
		}

		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Str("conn_id", client.ID()).Msg("unexpected close")
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := feltwire.DecodeMessage(data)
		if err != nil {
			// A single bad frame is dropped; the connection survives.
			s.log.Debug().Err(err).Str("conn_id", client.ID()).Msg("dropping undecodable frame")
			continue
		}
		msg.Timestamp = time.Now()

		if err := s.core.ProcessMessage(client.Context(), client.ID(), msg); err != nil {
			// The core is shutting down or the client context is gone.
			return
		}
	}
}

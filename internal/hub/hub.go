// Package hub implements the broker core: a single worker goroutine that
// exclusively owns the connection table, room table, user index and
// rate-limiter table. Every mutation arrives as a request on a bounded
// FIFO queue and runs to completion before the next one starts, so the
// shared state never needs a lock.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/feltwire/feltwire"
	"github.com/feltwire/feltwire/internal/metrics"
	"github.com/feltwire/feltwire/internal/ratelimit"
)

// Conn is the hub's view of one connected client. Implemented by
// internal/websocket.Client and by test fakes.
type Conn interface {
	feltwire.Client

	// AssignID hands the connection its broker-generated id. Called
	// exactly once, during registration.
	AssignID(id string)

	// BindIdentity attaches the authenticated identity to the connection.
	BindIdentity(userID, username string)

	// ClearIdentity detaches the identity, on logout or displacement.
	ClearIdentity()

	// Kick closes the connection asynchronously with a reason. Used when
	// a send buffer overflows; it must not block.
	Kick(reason string)
}

// Config tunes the core worker.
type Config struct {
	// QueueSize bounds the request queue. Submissions block when full.
	QueueSize int
	// RateLimit configures the per-connection limiter.
	RateLimit ratelimit.Config
	// SweepInterval is how often the loop prunes idle limiter entries.
	SweepInterval time.Duration
	// DisplacePolicy decides what a re-auth for a bound user id does.
	DisplacePolicy feltwire.DisplacePolicy
	// Auth resolves tokens to identities. Nil disables authentication.
	Auth feltwire.AuthFunc
}

const (
	defaultQueueSize     = 256
	defaultSweepInterval = time.Minute
)

type opCode int

const (
	opRegister opCode = iota
	opUnregister
	opProcess
	opJoinRoom
	opLeaveRoom
	opBroadcastRoom
	opBroadcastUser
	opBroadcastAll
	opConnCount
	opListRooms
	opListUsers
)

type request struct {
	op     opCode
	conn   Conn
	connID string
	msg    *feltwire.Message
	room   string
	userID string
	reply  chan response
}

type response struct {
	err   error
	count int
	rooms []feltwire.RoomInfo
	users []feltwire.RoomUser
}

// member is the hub-owned record for one registered connection. The
// rooms set here is the authoritative membership; the room table mirrors
// it and the two are always mutated in the same step.
type member struct {
	conn     Conn
	userID   string
	username string
	rooms    map[string]struct{}
}

type room struct {
	name    string
	creator string
	members map[string]struct{} // connection ids
}

// Hub is the broker core. Create with New, drive with Run.
type Hub struct {
	cfg Config
	log zerolog.Logger

	requests chan request
	done     chan struct{}

	handlers sync.Map // map[string]feltwire.MessageHandler

	// Owned exclusively by the Run loop.
	conns   map[string]*member
	rooms   map[string]*room
	users   map[string]string // user id -> connection id
	limiter *ratelimit.Limiter
}

// New creates a hub. Run must be started before any submission is made.
func New(cfg Config, log zerolog.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Hub{
		cfg:      cfg,
		log:      log.With().Str("component", "hub").Logger(),
		requests: make(chan request, cfg.QueueSize),
		done:     make(chan struct{}),
		conns:    make(map[string]*member),
		rooms:    make(map[string]*room),
		users:    make(map[string]string),
		limiter:  ratelimit.New(cfg.RateLimit),
	}
}

// Run drains the request queue until ctx is cancelled. The rate-limiter
// sweep is a case in this loop's own select, so the limiter table keeps
// a single owner.
func (h *Hub) Run(ctx context.Context) {
	sweep := time.NewTicker(h.cfg.SweepInterval)
	defer sweep.Stop()
	defer close(h.done)

	h.log.Debug().Int("queue_size", h.cfg.QueueSize).Msg("core loop started")

	for {
		select {
		case <-ctx.Done():
			h.log.Debug().Msg("core loop stopped")
			return
		case now := <-sweep.C:
			if n := h.limiter.Sweep(now); n > 0 {
				h.log.Debug().Int("pruned", n).Msg("rate limiter sweep")
			}
		case req := <-h.requests:
			h.dispatch(ctx, req)
		}
	}
}

// Done is closed when the core loop has exited.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// submit queues a request and awaits its reply. Submissions made after
// shutdown fail fast instead of hanging.
func (h *Hub) submit(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)

	select {
	case h.requests <- req:
	case <-h.done:
		return response{}, errors.New(feltwire.ErrBrokerClosed)
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-h.done:
		return response{}, errors.New(feltwire.ErrBrokerClosed)
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// Register inserts the connection under a freshly generated id and
// queues a welcome event back to it.
func (h *Hub) Register(ctx context.Context, conn Conn) error {
	resp, err := h.submit(ctx, request{op: opRegister, conn: conn})
	if err != nil {
		return err
	}
	return resp.err
}

// Unregister removes the connection and all its room memberships in one
// atomic step. Idempotent.
func (h *Hub) Unregister(ctx context.Context, connID string) error {
	resp, err := h.submit(ctx, request{op: opUnregister, connID: connID})
	if err != nil {
		return err
	}
	return resp.err
}

// ProcessMessage runs one inbound message through rate limiting,
// authentication and dispatch.
func (h *Hub) ProcessMessage(ctx context.Context, connID string, msg *feltwire.Message) error {
	resp, err := h.submit(ctx, request{op: opProcess, connID: connID, msg: msg})
	if err != nil {
		return err
	}
	return resp.err
}

// JoinRoom adds the connection to a room directly, bypassing the wire
// protocol. The same validation and notifications apply.
func (h *Hub) JoinRoom(ctx context.Context, connID, roomName string) error {
	resp, err := h.submit(ctx, request{op: opJoinRoom, connID: connID, room: roomName})
	if err != nil {
		return err
	}
	return resp.err
}

// LeaveRoom removes the connection from a room directly.
func (h *Hub) LeaveRoom(ctx context.Context, connID, roomName string) error {
	resp, err := h.submit(ctx, request{op: opLeaveRoom, connID: connID, room: roomName})
	if err != nil {
		return err
	}
	return resp.err
}

// BroadcastToRoom fans msg out to the room's members. Unknown rooms are
// a silent no-op.
func (h *Hub) BroadcastToRoom(ctx context.Context, roomName string, msg *feltwire.Message) error {
	resp, err := h.submit(ctx, request{op: opBroadcastRoom, room: roomName, msg: msg})
	if err != nil {
		return err
	}
	return resp.err
}

// BroadcastToUser sends msg to the connection bound to userID. Unknown
// users are a silent no-op.
func (h *Hub) BroadcastToUser(ctx context.Context, userID string, msg *feltwire.Message) error {
	resp, err := h.submit(ctx, request{op: opBroadcastUser, userID: userID, msg: msg})
	if err != nil {
		return err
	}
	return resp.err
}

// BroadcastToAll sends msg to every registered connection.
func (h *Hub) BroadcastToAll(ctx context.Context, msg *feltwire.Message) error {
	resp, err := h.submit(ctx, request{op: opBroadcastAll, msg: msg})
	if err != nil {
		return err
	}
	return resp.err
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount(ctx context.Context) (int, error) {
	resp, err := h.submit(ctx, request{op: opConnCount})
	if err != nil {
		return 0, err
	}
	return resp.count, resp.err
}

// ListRooms returns a snapshot of the room table.
func (h *Hub) ListRooms(ctx context.Context) ([]feltwire.RoomInfo, error) {
	resp, err := h.submit(ctx, request{op: opListRooms})
	if err != nil {
		return nil, err
	}
	return resp.rooms, resp.err
}

// ListUsers returns a snapshot of the authenticated connections.
func (h *Hub) ListUsers(ctx context.Context) ([]feltwire.RoomUser, error) {
	resp, err := h.submit(ctx, request{op: opListUsers})
	if err != nil {
		return nil, err
	}
	return resp.users, resp.err
}

// RegisterHandler registers a handler for a custom message type. Safe to
// call before or after Run; handlers run in their own goroutine.
func (h *Hub) RegisterHandler(msgType string, handler feltwire.MessageHandler) {
	h.handlers.Store(msgType, handler)
}

func (h *Hub) dispatch(ctx context.Context, req request) {
	resp := response{}

	switch req.op {
	case opRegister:
		resp.err = h.handleRegister(req.conn)
	case opUnregister:
		h.removeConn(req.connID)
	case opProcess:
		h.handleProcess(ctx, req.connID, req.msg)
	case opJoinRoom:
		if m, ok := h.conns[req.connID]; ok {
			_, _, resp.err = h.joinRoom(m, req.room)
		}
	case opLeaveRoom:
		if m, ok := h.conns[req.connID]; ok {
			_, resp.err = h.leaveRoom(m, req.room)
		}
	case opBroadcastRoom:
		if r, ok := h.rooms[req.room]; ok {
			h.fanOut(r.members, req.msg, "")
		}
	case opBroadcastUser:
		if connID, ok := h.users[req.userID]; ok {
			if m, ok := h.conns[connID]; ok {
				h.pushOrDrop(m, req.msg)
			}
		}
	case opBroadcastAll:
		all := make(map[string]struct{}, len(h.conns))
		for id := range h.conns {
			all[id] = struct{}{}
		}
		h.fanOut(all, req.msg, "")
	case opConnCount:
		resp.count = len(h.conns)
	case opListRooms:
		resp.rooms = h.snapshotRooms()
	case opListUsers:
		resp.users = h.snapshotUsers()
	}

	req.reply <- resp
}

func (h *Hub) handleRegister(conn Conn) error {
	id := uuid.NewString()
	conn.AssignID(id)
	h.conns[id] = &member{conn: conn, rooms: make(map[string]struct{})}
	metrics.ConnectionsCurrent.Inc()

	h.log.Debug().Str("conn_id", id).Str("remote_addr", conn.RemoteAddr()).Msg("connection registered")

	welcome := feltwire.NewEvent(feltwire.EventConnected, map[string]string{"connectionId": id})
	h.pushOrDrop(h.conns[id], welcome)
	return nil
}

// removeConn is the one cleanup path: connection table, user index and
// every room membership go in a single step. No-op if already absent.
func (h *Hub) removeConn(connID string) {
	m, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	if m.userID != "" && h.users[m.userID] == connID {
		delete(h.users, m.userID)
	}
	for name := range m.rooms {
		h.removeFromRoom(m, name)
	}
	h.limiter.Forget(connID)
	metrics.ConnectionsCurrent.Dec()

	h.log.Debug().Str("conn_id", connID).Msg("connection unregistered")
}

// removeFromRoom mutates the room table and the member's room set
// together, deletes the room the instant it empties, and otherwise
// notifies the remaining members.
func (h *Hub) removeFromRoom(m *member, name string) {
	r, ok := h.rooms[name]
	if !ok {
		delete(m.rooms, name)
		return
	}
	delete(r.members, m.conn.ID())
	delete(m.rooms, name)

	if len(r.members) == 0 {
		delete(h.rooms, name)
		metrics.RoomsCurrent.Dec()
		h.log.Debug().Str("room", name).Msg("empty room deleted")
		return
	}

	evt := feltwire.NewEvent(feltwire.EventUserLeftRoom, map[string]string{
		"room":     name,
		"userId":   m.userID,
		"username": m.username,
	})
	evt.Room = name
	h.fanOut(r.members, evt, "")
}

// fanOut delivers msg to every listed connection except the excluded id.
// Overflowing connections are collected and dropped after the iteration
// so the membership set is never mutated mid-range.
func (h *Hub) fanOut(ids map[string]struct{}, msg *feltwire.Message, except string) {
	var dead []string
	for id := range ids {
		if id == except {
			continue
		}
		m, ok := h.conns[id]
		if !ok {
			continue
		}
		if !h.push(m, msg) {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		h.removeConn(id)
	}
}

// push queues msg on the member's send buffer. On overflow the slow
// consumer is kicked; the caller decides when to run its cleanup.
func (h *Hub) push(m *member, msg *feltwire.Message) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := m.conn.Send(msg); err != nil {
		h.log.Warn().Str("conn_id", m.conn.ID()).Err(err).Msg("send failed, dropping slow consumer")
		metrics.SlowConsumersDropped.Inc()
		m.conn.Kick(feltwire.ErrSendBufferFull)
		return false
	}
	metrics.MessagesDelivered.Inc()
	return true
}

// pushOrDrop is push plus immediate cleanup, for single deliveries made
// outside any iteration.
func (h *Hub) pushOrDrop(m *member, msg *feltwire.Message) {
	if !h.push(m, msg) {
		h.removeConn(m.conn.ID())
	}
}

func (h *Hub) snapshotRooms() []feltwire.RoomInfo {
	infos := make([]feltwire.RoomInfo, 0, len(h.rooms))
	for _, r := range h.rooms {
		infos = append(infos, feltwire.RoomInfo{
			Name:      r.name,
			UserCount: len(r.members),
			Users:     h.roomUsers(r),
		})
	}
	return infos
}

func (h *Hub) roomUsers(r *room) []feltwire.RoomUser {
	users := make([]feltwire.RoomUser, 0, len(r.members))
	for id := range r.members {
		m, ok := h.conns[id]
		if !ok {
			continue
		}
		users = append(users, feltwire.RoomUser{
			UserID:       m.userID,
			Username:     m.username,
			ConnectionID: id,
		})
	}
	return users
}

func (h *Hub) snapshotUsers() []feltwire.RoomUser {
	users := make([]feltwire.RoomUser, 0, len(h.users))
	for userID, connID := range h.users {
		m, ok := h.conns[connID]
		if !ok {
			continue
		}
		users = append(users, feltwire.RoomUser{
			UserID:       userID,
			Username:     m.username,
			ConnectionID: connID,
		})
	}
	return users
}

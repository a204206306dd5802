package hub

import (
	"context"
	"time"

	"github.com/feltwire/feltwire"
	"github.com/feltwire/feltwire/internal/metrics"
	"github.com/feltwire/feltwire/internal/ratelimit"
	"github.com/feltwire/feltwire/internal/validate"
)

// handleProcess is the main dispatch: rate limit, then built-in types,
// then the custom handler registry. A malformed request degrades only
// the requester's own interaction, never the shared state.
func (h *Hub) handleProcess(ctx context.Context, connID string, msg *feltwire.Message) {
	m, ok := h.conns[connID]
	if !ok {
		// Connection already gone; nothing to degrade.
		return
	}

	metrics.MessagesProcessed.WithLabelValues(msg.Type).Inc()

	switch h.limiter.Allow(connID) {
	case ratelimit.Limited:
		metrics.RateLimitRejections.WithLabelValues("limited").Inc()
		h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeError, msg.RequestID, feltwire.ErrRateLimited))
		return
	case ratelimit.Blocked:
		metrics.RateLimitRejections.WithLabelValues("blocked").Inc()
		h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeError, msg.RequestID, feltwire.ErrBlocked))
		return
	case ratelimit.Allowed:
	}

	switch msg.Type {
	case feltwire.TypeAuth:
		h.handleAuth(ctx, m, msg)
	case feltwire.TypeLogout:
		h.handleLogout(m, msg)
	case feltwire.TypeCreateRoom:
		h.handleCreateRoom(m, msg)
	case feltwire.TypeJoinRoom:
		h.handleJoinRoom(m, msg)
	case feltwire.TypeLeaveRoom:
		h.handleLeaveRoom(m, msg)
	case feltwire.TypeListRooms:
		h.handleListRooms(m, msg)
	default:
		h.handleCustom(m, msg)
	}
}

func (h *Hub) handleAuth(ctx context.Context, m *member, msg *feltwire.Message) {
	if h.cfg.Auth == nil {
		h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeAuthResponse, msg.RequestID, feltwire.ErrAuthUnavailable))
		return
	}

	// The token arrives either as a bare string payload or as
	// {"token": "..."}.
	var payload struct {
		Token string `json:"token"`
	}
	if err := msg.DecodeData(&payload); err != nil || payload.Token == "" {
		payload.Token = msg.DataString()
	}

	result := h.cfg.Auth(ctx, payload.Token)
	if !result.Success {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		reason := result.Error
		if reason == "" {
			reason = feltwire.ErrInvalidToken
		}
		h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeAuthResponse, msg.RequestID, reason))
		return
	}

	username, err := validate.Username(result.Username)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeAuthResponse, msg.RequestID, err.Error()))
		return
	}

	connID := m.conn.ID()
	if oldID, bound := h.users[result.UserID]; bound && oldID != connID {
		if h.cfg.DisplacePolicy == feltwire.RejectSecond {
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
			h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeAuthResponse, msg.RequestID, feltwire.ErrAlreadyConnected))
			return
		}
		if old, ok := h.conns[oldID]; ok {
			if h.cfg.DisplacePolicy == feltwire.DisplaceNotify {
				h.push(old, feltwire.NewEvent(feltwire.EventSessionDisplaced, map[string]string{
					"userId": result.UserID,
				}))
			}
			old.userID = ""
			old.username = ""
			old.conn.ClearIdentity()
			h.log.Debug().Str("user_id", result.UserID).Str("old_conn", oldID).Str("new_conn", connID).Msg("session displaced")
		}
	}

	m.userID = result.UserID
	m.username = username
	m.conn.BindIdentity(result.UserID, username)
	h.users[result.UserID] = connID
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	h.pushOrDrop(m, feltwire.NewResponse(feltwire.TypeAuthResponse, msg.RequestID, map[string]string{
		"userId":   result.UserID,
		"username": username,
	}))
}

func (h *Hub) handleLogout(m *member, msg *feltwire.Message) {
	if m.userID != "" && h.users[m.userID] == m.conn.ID() {
		delete(h.users, m.userID)
	}
	m.userID = ""
	m.username = ""
	m.conn.ClearIdentity()

	h.pushOrDrop(m, feltwire.NewResponse(feltwire.TypeLogoutResponse, msg.RequestID, nil))
}

func (h *Hub) handleCreateRoom(m *member, msg *feltwire.Message) {
	if m.userID == "" {
		h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeCreateRoomResponse, msg.RequestID, feltwire.ErrAuthRequired))
		return
	}

	name, err := validate.RoomName(roomFromMessage(msg))
	if err != nil {
		h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeCreateRoomResponse, msg.RequestID, err.Error()))
		return
	}
	if _, exists := h.rooms[name]; exists {
		h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeCreateRoomResponse, msg.RequestID, feltwire.ErrRoomExists))
		return
	}

	h.rooms[name] = &room{name: name, creator: m.userID, members: make(map[string]struct{})}
	metrics.RoomsCurrent.Inc()
	h.log.Debug().Str("room", name).Str("creator", m.userID).Msg("room created")

	h.pushOrDrop(m, feltwire.NewResponse(feltwire.TypeCreateRoomResponse, msg.RequestID, map[string]any{
		"room":    name,
		"creator": m.username,
		"message": "room created",
		"joined":  false,
	}))

	// Public announcement to every authenticated connection, independent
	// of membership.
	announcement := feltwire.NewEvent(feltwire.EventRoomCreated, map[string]string{
		"room":    name,
		"creator": m.username,
	})
	authed := make(map[string]struct{})
	for id, c := range h.conns {
		if c.userID != "" {
			authed[id] = struct{}{}
		}
	}
	h.fanOut(authed, announcement, "")
}

func (h *Hub) handleJoinRoom(m *member, msg *feltwire.Message) {
	users, name, err := h.joinRoom(m, roomFromMessage(msg))
	if err != nil {
		h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeJoinRoomResponse, msg.RequestID, err.Error()))
		return
	}

	resp := feltwire.NewResponse(feltwire.TypeJoinRoomResponse, msg.RequestID, map[string]any{
		"room":  name,
		"users": users,
	})
	resp.Room = name
	h.pushOrDrop(m, resp)
}

func (h *Hub) handleLeaveRoom(m *member, msg *feltwire.Message) {
	name, err := h.leaveRoom(m, roomFromMessage(msg))
	if err != nil {
		h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeLeaveRoomResponse, msg.RequestID, err.Error()))
		return
	}

	resp := feltwire.NewResponse(feltwire.TypeLeaveRoomResponse, msg.RequestID, map[string]string{
		"room": name,
	})
	resp.Room = name
	h.pushOrDrop(m, resp)
}

func (h *Hub) handleListRooms(m *member, msg *feltwire.Message) {
	infos := h.snapshotRooms()
	h.pushOrDrop(m, feltwire.NewResponse(feltwire.TypeListRoomsResponse, msg.RequestID, map[string]any{
		"rooms": infos,
		"total": len(infos),
	}))
}

// handleCustom looks the type up in the handler registry. Custom handlers
// run in their own goroutine so they may call back into the broker's
// public API without deadlocking the core loop.
func (h *Hub) handleCustom(m *member, msg *feltwire.Message) {
	v, ok := h.handlers.Load(msg.Type)
	if !ok {
		h.pushOrDrop(m, feltwire.NewErrorResponse(feltwire.TypeError, msg.RequestID, feltwire.ErrUnknownType))
		return
	}

	handler := v.(feltwire.MessageHandler)
	conn := m.conn
	log := h.log
	go func() {
		reply := handler(conn, msg)
		if reply == nil {
			return
		}
		if reply.RequestID == "" {
			reply.RequestID = msg.RequestID
		}
		if reply.Timestamp.IsZero() {
			reply.Timestamp = time.Now()
		}
		if err := conn.Send(reply); err != nil {
			log.Debug().Str("conn_id", conn.ID()).Err(err).Msg("handler reply dropped")
		}
	}()
}

// joinRoom validates the name, then mutates the room table and the
// member's room set in one step, lazily creating a missing room and
// notifying the other members. Idempotent for a connection already in
// the room.
func (h *Hub) joinRoom(m *member, rawName string) ([]feltwire.RoomUser, string, error) {
	name, err := validate.RoomName(rawName)
	if err != nil {
		return nil, "", err
	}

	r, ok := h.rooms[name]
	if !ok {
		r = &room{name: name, members: make(map[string]struct{})}
		h.rooms[name] = r
		metrics.RoomsCurrent.Inc()
	}

	connID := m.conn.ID()
	if _, already := r.members[connID]; already {
		return h.roomUsers(r), name, nil
	}

	r.members[connID] = struct{}{}
	m.rooms[name] = struct{}{}
	h.log.Debug().Str("room", name).Str("conn_id", connID).Msg("joined room")

	evt := feltwire.NewEvent(feltwire.EventUserJoinedRoom, map[string]string{
		"room":     name,
		"userId":   m.userID,
		"username": m.username,
	})
	evt.Room = name
	h.fanOut(r.members, evt, connID)

	return h.roomUsers(r), name, nil
}

// leaveRoom validates the name and removes the membership. Leaving a
// room the connection is not in is a no-op, mirroring unregister.
func (h *Hub) leaveRoom(m *member, rawName string) (string, error) {
	name, err := validate.RoomName(rawName)
	if err != nil {
		return "", err
	}
	if _, in := m.rooms[name]; in {
		h.removeFromRoom(m, name)
	}
	return name, nil
}

// roomFromMessage resolves the room name from the envelope's room field
// or from a {"room": "..."} payload.
func roomFromMessage(msg *feltwire.Message) string {
	if msg.Room != "" {
		return msg.Room
	}
	var payload struct {
		Room string `json:"room"`
	}
	if err := msg.DecodeData(&payload); err == nil && payload.Room != "" {
		return payload.Room
	}
	return msg.DataString()
}

package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/feltwire/feltwire"
	"github.com/feltwire/feltwire/internal/hub"
	"github.com/feltwire/feltwire/internal/ratelimit"
)

// fakeConn implements hub.Conn with an in-memory message log.
type fakeConn struct {
	remoteAddr string

	mu       sync.Mutex
	id       string
	userID   string
	username string
	sent     []*feltwire.Message
	sendErr  error
	kicked   bool
}

func (c *fakeConn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *fakeConn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *fakeConn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *fakeConn) RemoteAddr() string          { return c.remoteAddr }
func (c *fakeConn) Context() context.Context    { return context.Background() }
func (c *fakeConn) Close(context.Context) error { return nil }
func (c *fakeConn) IsAlive() bool               { return true }

func (c *fakeConn) Send(msg *feltwire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) AssignID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

func (c *fakeConn) BindIdentity(userID, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.username = username
}

func (c *fakeConn) ClearIdentity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = ""
	c.username = ""
}

func (c *fakeConn) Kick(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = true
}

func (c *fakeConn) wasKicked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicked
}

func (c *fakeConn) failSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = errors.New(feltwire.ErrSendBufferFull)
}

// lastOfType returns the newest received message of the given type, or nil.
func (c *fakeConn) lastOfType(msgType string) *feltwire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type == msgType {
			return c.sent[i]
		}
	}
	return nil
}

func (c *fakeConn) countOfType(msgType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.sent {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (c *fakeConn) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// waitForType polls for an asynchronously delivered message.
func waitForType(t *testing.T, c *fakeConn, msgType string) *feltwire.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msg := c.lastOfType(msgType); msg != nil {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q message arrived within deadline", msgType)
	return nil
}

// testAuth accepts any non-empty token and derives the identity from it.
func testAuth(_ context.Context, token string) feltwire.AuthResult {
	if token == "" {
		return feltwire.AuthResult{Success: false, Error: feltwire.ErrMissingToken}
	}
	return feltwire.AuthResult{
		UserID:   "user-" + token,
		Username: token,
		Success:  true,
	}
}

func newTestHub(t *testing.T, cfg hub.Config) *hub.Hub {
	t.Helper()
	if !cfg.RateLimit.Enabled {
		cfg.RateLimit = ratelimit.Disabled()
	}
	h := hub.New(cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h
}

func register(t *testing.T, h *hub.Hub) *fakeConn {
	t.Helper()
	c := &fakeConn{remoteAddr: "192.0.2.1:4242"}
	if err := h.Register(context.Background(), c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c.clear()
	return c
}

func process(t *testing.T, h *hub.Hub, c *fakeConn, msg *feltwire.Message) {
	t.Helper()
	if err := h.ProcessMessage(context.Background(), c.ID(), msg); err != nil {
		t.Fatalf("ProcessMessage(%s): %v", msg.Type, err)
	}
}

func authenticate(t *testing.T, h *hub.Hub, c *fakeConn, token string) {
	t.Helper()
	process(t, h, c, &feltwire.Message{
		Type:      feltwire.TypeAuth,
		Data:      json.RawMessage(fmt.Sprintf("%q", token)),
		RequestID: "auth-" + token,
	})
	resp := c.lastOfType(feltwire.TypeAuthResponse)
	if resp == nil || !resp.Success {
		t.Fatalf("authentication as %q failed: %+v", token, resp)
	}
	c.clear()
}

func TestRegisterWelcome(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{})
	c := &fakeConn{remoteAddr: "192.0.2.1:4242"}
	if err := h.Register(context.Background(), c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if c.ID() == "" {
		t.Fatal("connection was not assigned an id")
	}

	welcome := c.lastOfType(feltwire.EventConnected)
	if welcome == nil {
		t.Fatal("no connected event received")
	}
	var payload struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := welcome.DecodeData(&payload); err != nil {
		t.Fatalf("decode welcome payload: %v", err)
	}
	if payload.ConnectionID != c.ID() {
		t.Errorf("welcome connectionId = %q, want %q", payload.ConnectionID, c.ID())
	}
}

func TestRegisterUniqueIDs(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{})

	const n = 200
	conns := make([]*fakeConn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conns[i] = &fakeConn{}
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			if err := h.Register(context.Background(), c); err != nil {
				t.Errorf("Register: %v", err)
			}
		}(conns[i])
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, c := range conns {
		id := c.ID()
		if id == "" {
			t.Fatal("connection without id")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate connection id %q", id)
		}
		seen[id] = struct{}{}
	}

	count, err := h.ConnectionCount(context.Background())
	if err != nil {
		t.Fatalf("ConnectionCount: %v", err)
	}
	if count != n {
		t.Errorf("ConnectionCount = %d, want %d", count, n)
	}
}

func TestAuthBindsIdentity(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{Auth: testAuth})
	c := register(t, h)

	process(t, h, c, &feltwire.Message{
		Type:      feltwire.TypeAuth,
		Data:      json.RawMessage(`{"token":"alice"}`),
		RequestID: "req-1",
	})

	resp := c.lastOfType(feltwire.TypeAuthResponse)
	if resp == nil {
		t.Fatal("no auth_response received")
	}
	if !resp.Success {
		t.Fatalf("auth failed: %s", resp.Error)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want %q", resp.RequestID, "req-1")
	}
	var payload struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
	}
	if err := resp.DecodeData(&payload); err != nil {
		t.Fatalf("decode auth payload: %v", err)
	}
	if payload.UserID != "user-alice" || payload.Username != "alice" {
		t.Errorf("payload = %+v, want user-alice/alice", payload)
	}
	if c.UserID() != "user-alice" || c.Username() != "alice" {
		t.Errorf("conn identity = %q/%q, want user-alice/alice", c.UserID(), c.Username())
	}
}

func TestAuthFailures(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{Auth: testAuth})
	c := register(t, h)

	process(t, h, c, &feltwire.Message{Type: feltwire.TypeAuth, RequestID: "req-1"})

	resp := c.lastOfType(feltwire.TypeAuthResponse)
	if resp == nil {
		t.Fatal("no auth_response received")
	}
	if resp.Success {
		t.Fatal("auth with empty token succeeded")
	}
	if resp.Error != feltwire.ErrMissingToken {
		t.Errorf("error = %q, want %q", resp.Error, feltwire.ErrMissingToken)
	}
	if c.UserID() != "" {
		t.Errorf("identity bound after failed auth: %q", c.UserID())
	}
}

func TestAuthUnavailable(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{})
	c := register(t, h)

	process(t, h, c, &feltwire.Message{
		Type: feltwire.TypeAuth,
		Data: json.RawMessage(`"alice"`),
	})

	resp := c.lastOfType(feltwire.TypeAuthResponse)
	if resp == nil || resp.Success {
		t.Fatalf("want failed auth_response, got %+v", resp)
	}
	if resp.Error != feltwire.ErrAuthUnavailable {
		t.Errorf("error = %q, want %q", resp.Error, feltwire.ErrAuthUnavailable)
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{Auth: testAuth})
	c := register(t, h)
	authenticate(t, h, c, "alice")

	process(t, h, c, &feltwire.Message{Type: feltwire.TypeLogout, RequestID: "req-2"})

	resp := c.lastOfType(feltwire.TypeLogoutResponse)
	if resp == nil || !resp.Success {
		t.Fatalf("want successful logout_response, got %+v", resp)
	}
	if c.UserID() != "" || c.Username() != "" {
		t.Errorf("identity survived logout: %q/%q", c.UserID(), c.Username())
	}

	// The user id is free again for another connection.
	c2 := register(t, h)
	authenticate(t, h, c2, "alice")
}

func TestCreateRoomRequiresAuth(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{Auth: testAuth})
	c := register(t, h)

	process(t, h, c, &feltwire.Message{
		Type: feltwire.TypeCreateRoom,
		Room: "poker-1",
	})

	resp := c.lastOfType(feltwire.TypeCreateRoomResponse)
	if resp == nil || resp.Success {
		t.Fatalf("want rejected create_room_response, got %+v", resp)
	}
	if !strings.HasPrefix(resp.Error, "Authentication required") {
		t.Errorf("error = %q, want authentication required", resp.Error)
	}
}

func TestCreateRoom(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{Auth: testAuth})
	creator := register(t, h)
	authenticate(t, h, creator, "alice")
	authedPeer := register(t, h)
	authenticate(t, h, authedPeer, "bob")
	anonPeer := register(t, h)

	process(t, h, creator, &feltwire.Message{
		Type:      feltwire.TypeCreateRoom,
		Room:      "poker-1",
		RequestID: "req-3",
	})

	resp := creator.lastOfType(feltwire.TypeCreateRoomResponse)
	if resp == nil || !resp.Success {
		t.Fatalf("want successful create_room_response, got %+v", resp)
	}
	var payload struct {
		Room    string `json:"room"`
		Creator string `json:"creator"`
		Joined  bool   `json:"joined"`
	}
	if err := resp.DecodeData(&payload); err != nil {
		t.Fatalf("decode create payload: %v", err)
	}
	if payload.Room != "poker-1" || payload.Creator != "alice" || payload.Joined {
		t.Errorf("payload = %+v, want poker-1/alice/joined=false", payload)
	}

	// The announcement reaches authenticated connections only.
	if authedPeer.lastOfType(feltwire.EventRoomCreated) == nil {
		t.Error("authenticated peer missed room_created event")
	}
	if anonPeer.lastOfType(feltwire.EventRoomCreated) != nil {
		t.Error("anonymous peer received room_created event")
	}

	// Creating is not joining: the room exists with zero members.
	rooms, err := h.ListRooms(context.Background())
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Name != "poker-1" || rooms[0].UserCount != 0 {
		t.Errorf("rooms = %+v, want one empty poker-1", rooms)
	}

	// Duplicate names are rejected.
	process(t, h, creator, &feltwire.Message{Type: feltwire.TypeCreateRoom, Room: "poker-1", RequestID: "req-4"})
	dup := creator.lastOfType(feltwire.TypeCreateRoomResponse)
	if dup == nil || dup.Success || dup.Error != feltwire.ErrRoomExists {
		t.Errorf("duplicate create = %+v, want %q", dup, feltwire.ErrRoomExists)
	}
}

func TestCreateRoomValidatesName(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{Auth: testAuth})
	c := register(t, h)
	authenticate(t, h, c, "alice")

	process(t, h, c, &feltwire.Message{
		Type: feltwire.TypeCreateRoom,
		Room: "'; DROP TABLE rooms; --",
	})

	resp := c.lastOfType(feltwire.TypeCreateRoomResponse)
	if resp == nil || resp.Success {
		t.Fatalf("want rejected create_room_response, got %+v", resp)
	}
	if resp.Error != feltwire.ErrDangerousInput {
		t.Errorf("error = %q, want %q", resp.Error, feltwire.ErrDangerousInput)
	}

	rooms, err := h.ListRooms(context.Background())
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("rooms = %+v, want none", rooms)
	}
}

func TestJoinAndLeaveRoom(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{Auth: testAuth})
	alice := register(t, h)
	authenticate(t, h, alice, "alice")
	bob := register(t, h)
	authenticate(t, h, bob, "bob")

	// Joining a missing room creates it.
	process(t, h, alice, &feltwire.Message{Type: feltwire.TypeJoinRoom, Room: "table-9", RequestID: "j1"})
	resp := alice.lastOfType(feltwire.TypeJoinRoomResponse)
	if resp == nil || !resp.Success || resp.Room != "table-9" {
		t.Fatalf("join = %+v, want success in table-9", resp)
	}

	process(t, h, bob, &feltwire.Message{Type: feltwire.TypeJoinRoom, Room: "table-9", RequestID: "j2"})
	joinResp := bob.lastOfType(feltwire.TypeJoinRoomResponse)
	if joinResp == nil || !joinResp.Success {
		t.Fatalf("bob join = %+v, want success", joinResp)
	}
	var joinPayload struct {
		Room  string              `json:"room"`
		Users []feltwire.RoomUser `json:"users"`
	}
	if err := joinResp.DecodeData(&joinPayload); err != nil {
		t.Fatalf("decode join payload: %v", err)
	}
	if len(joinPayload.Users) != 2 {
		t.Errorf("join payload lists %d users, want 2", len(joinPayload.Users))
	}

	// The earlier member hears about the new one, not about itself.
	if alice.lastOfType(feltwire.EventUserJoinedRoom) == nil {
		t.Error("alice missed user_joined_room event")
	}
	if bob.lastOfType(feltwire.EventUserJoinedRoom) != nil {
		t.Error("bob received a join event for their own join")
	}

	// Re-joining is idempotent and emits no duplicate event.
	alice.clear()
	process(t, h, bob, &feltwire.Message{Type: feltwire.TypeJoinRoom, Room: "table-9", RequestID: "j3"})
	if again := bob.lastOfType(feltwire.TypeJoinRoomResponse); again == nil || !again.Success {
		t.Fatalf("re-join = %+v, want success", again)
	}
	if alice.lastOfType(feltwire.EventUserJoinedRoom) != nil {
		t.Error("re-join produced a duplicate user_joined_room event")
	}

	// Leaving notifies the remaining members.
	process(t, h, bob, &feltwire.Message{Type: feltwire.TypeLeaveRoom, Room: "table-9", RequestID: "l1"})
	if leave := bob.lastOfType(feltwire.TypeLeaveRoomResponse); leave == nil || !leave.Success {
		t.Fatalf("leave = %+v, want success", leave)
	}
	if alice.lastOfType(feltwire.EventUserLeftRoom) == nil {
		t.Error("alice missed user_left_room event")
	}

	// The last leave deletes the room.
	process(t, h, alice, &feltwire.Message{Type: feltwire.TypeLeaveRoom, Room: "table-9", RequestID: "l2"})
	rooms, err := h.ListRooms(context.Background())
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("rooms = %+v, want none after last member left", rooms)
	}
}

func TestLeaveRoomNotMember(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{})
	c := register(t, h)

	process(t, h, c, &feltwire.Message{Type: feltwire.TypeLeaveRoom, Room: "nowhere", RequestID: "l1"})
	resp := c.lastOfType(feltwire.TypeLeaveRoomResponse)
	if resp == nil || !resp.Success {
		t.Errorf("leaving a room one is not in = %+v, want a successful no-op", resp)
	}
}

func TestListRooms(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{})
	c := register(t, h)

	process(t, h, c, &feltwire.Message{Type: feltwire.TypeJoinRoom, Room: "lobby"})
	process(t, h, c, &feltwire.Message{Type: feltwire.TypeListRooms, RequestID: "lr1"})

	resp := c.lastOfType(feltwire.TypeListRoomsResponse)
	if resp == nil || !resp.Success {
		t.Fatalf("list = %+v, want success", resp)
	}
	var payload struct {
		Rooms []feltwire.RoomInfo `json:"rooms"`
		Total int                 `json:"total"`
	}
	if err := resp.DecodeData(&payload); err != nil {
		t.Fatalf("decode list payload: %v", err)
	}
	if payload.Total != 1 || len(payload.Rooms) != 1 || payload.Rooms[0].Name != "lobby" {
		t.Errorf("payload = %+v, want one room named lobby", payload)
	}
	if payload.Rooms[0].UserCount != 1 {
		t.Errorf("lobby user count = %d, want 1", payload.Rooms[0].UserCount)
	}
}

func TestUnregisterCleansUp(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{Auth: testAuth})
	alice := register(t, h)
	authenticate(t, h, alice, "alice")
	bob := register(t, h)
	authenticate(t, h, bob, "bob")

	process(t, h, alice, &feltwire.Message{Type: feltwire.TypeJoinRoom, Room: "table-1"})
	process(t, h, bob, &feltwire.Message{Type: feltwire.TypeJoinRoom, Room: "table-1"})
	alice.clear()

	if err := h.Unregister(context.Background(), bob.ID()); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	if alice.lastOfType(feltwire.EventUserLeftRoom) == nil {
		t.Error("remaining member missed user_left_room on disconnect")
	}
	count, err := h.ConnectionCount(context.Background())
	if err != nil {
		t.Fatalf("ConnectionCount: %v", err)
	}
	if count != 1 {
		t.Errorf("ConnectionCount = %d, want 1", count)
	}

	// The user id is free for a fresh connection.
	c := register(t, h)
	authenticate(t, h, c, "bob")

	// Unregister is idempotent.
	if err := h.Unregister(context.Background(), bob.ID()); err != nil {
		t.Errorf("second Unregister: %v", err)
	}
}

func TestBroadcastRoomIsolation(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{})
	inA1 := register(t, h)
	inA2 := register(t, h)
	inB := register(t, h)
	nowhere := register(t, h)

	process(t, h, inA1, &feltwire.Message{Type: feltwire.TypeJoinRoom, Room: "room-a"})
	process(t, h, inA2, &feltwire.Message{Type: feltwire.TypeJoinRoom, Room: "room-a"})
	process(t, h, inB, &feltwire.Message{Type: feltwire.TypeJoinRoom, Room: "room-b"})
	for _, c := range []*fakeConn{inA1, inA2, inB, nowhere} {
		c.clear()
	}

	msg := &feltwire.Message{Type: "game_update", Data: json.RawMessage(`{"pot":120}`)}
	if err := h.BroadcastToRoom(context.Background(), "room-a", msg); err != nil {
		t.Fatalf("BroadcastToRoom: %v", err)
	}

	if inA1.lastOfType("game_update") == nil || inA2.lastOfType("game_update") == nil {
		t.Error("room-a member missed the broadcast")
	}
	if inB.lastOfType("game_update") != nil {
		t.Error("room-b member received room-a broadcast")
	}
	if nowhere.lastOfType("game_update") != nil {
		t.Error("roomless connection received room broadcast")
	}

	// Unknown room: silent no-op.
	if err := h.BroadcastToRoom(context.Background(), "ghost", msg); err != nil {
		t.Errorf("broadcast to unknown room: %v", err)
	}
}

func TestBroadcastToUser(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{Auth: testAuth})
	alice := register(t, h)
	authenticate(t, h, alice, "alice")
	bob := register(t, h)
	authenticate(t, h, bob, "bob")

	msg := &feltwire.Message{Type: "private_note", Data: json.RawMessage(`"hi"`)}
	if err := h.BroadcastToUser(context.Background(), "user-alice", msg); err != nil {
		t.Fatalf("BroadcastToUser: %v", err)
	}
	if alice.lastOfType("private_note") == nil {
		t.Error("alice missed the direct message")
	}
	if bob.lastOfType("private_note") != nil {
		t.Error("bob received alice's direct message")
	}

	// Unknown user: silent no-op.
	if err := h.BroadcastToUser(context.Background(), "user-ghost", msg); err != nil {
		t.Errorf("broadcast to unknown user: %v", err)
	}
}

func TestBroadcastToAll(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{})
	conns := []*fakeConn{register(t, h), register(t, h), register(t, h)}

	if err := h.BroadcastToAll(context.Background(), &feltwire.Message{Type: "maintenance"}); err != nil {
		t.Fatalf("BroadcastToAll: %v", err)
	}
	for i, c := range conns {
		if c.lastOfType("maintenance") == nil {
			t.Errorf("connection %d missed the global broadcast", i)
		}
	}
}

func TestRateLimitEscalation(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{
		RateLimit: ratelimit.Config{
			MessagesPerSecond: 1,
			Burst:             2,
			MaxViolations:     2,
			BlockDuration:     time.Hour,
			IdleTTL:           time.Hour,
			Enabled:           true,
		},
	})
	c := register(t, h)
	peer := register(t, h)

	// Two messages inside the budget.
	for i := 0; i < 2; i++ {
		process(t, h, c, &feltwire.Message{Type: feltwire.TypeListRooms, RequestID: fmt.Sprintf("ok-%d", i)})
		if resp := c.lastOfType(feltwire.TypeListRoomsResponse); resp == nil {
			t.Fatalf("message %d within budget got no response", i)
		}
	}

	// First overflow: limited.
	process(t, h, c, &feltwire.Message{Type: feltwire.TypeListRooms, RequestID: "over-1"})
	limited := c.lastOfType(feltwire.TypeError)
	if limited == nil || limited.Error != feltwire.ErrRateLimited {
		t.Fatalf("first overflow = %+v, want %q", limited, feltwire.ErrRateLimited)
	}
	c.clear()

	// Second overflow reaches the violation cap: blocked.
	process(t, h, c, &feltwire.Message{Type: feltwire.TypeListRooms, RequestID: "over-2"})
	blocked := c.lastOfType(feltwire.TypeError)
	if blocked == nil || blocked.Error != feltwire.ErrBlocked {
		t.Fatalf("second overflow = %+v, want %q", blocked, feltwire.ErrBlocked)
	}
	c.clear()

	// Everything during the block window is rejected.
	process(t, h, c, &feltwire.Message{Type: feltwire.TypeListRooms, RequestID: "during"})
	during := c.lastOfType(feltwire.TypeError)
	if during == nil || during.Error != feltwire.ErrBlocked {
		t.Errorf("message during block = %+v, want %q", during, feltwire.ErrBlocked)
	}

	// Other connections are unaffected.
	process(t, h, peer, &feltwire.Message{Type: feltwire.TypeListRooms, RequestID: "peer"})
	if peer.lastOfType(feltwire.TypeListRoomsResponse) == nil {
		t.Error("unrelated connection was rate limited")
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{})
	c := register(t, h)

	process(t, h, c, &feltwire.Message{Type: "warp_drive", RequestID: "req-9"})

	resp := c.lastOfType(feltwire.TypeError)
	if resp == nil || resp.Error != feltwire.ErrUnknownType {
		t.Fatalf("unknown type = %+v, want %q", resp, feltwire.ErrUnknownType)
	}
	if resp.RequestID != "req-9" {
		t.Errorf("RequestID = %q, want req-9", resp.RequestID)
	}
}

func TestCustomHandler(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{})
	h.RegisterHandler("place_bet", func(client feltwire.Client, msg *feltwire.Message) *feltwire.Message {
		var bet struct {
			Amount int `json:"amount"`
		}
		if err := msg.DecodeData(&bet); err != nil {
			return feltwire.NewErrorResponse("place_bet_response", msg.RequestID, "bad bet")
		}
		return feltwire.NewResponse("place_bet_response", "", map[string]int{"amount": bet.Amount})
	})

	c := register(t, h)
	process(t, h, c, &feltwire.Message{
		Type:      "place_bet",
		Data:      json.RawMessage(`{"amount":50}`),
		RequestID: "bet-1",
	})

	// Custom handlers run asynchronously.
	resp := waitForType(t, c, "place_bet_response")
	if !resp.Success {
		t.Fatalf("bet failed: %s", resp.Error)
	}
	if resp.RequestID != "bet-1" {
		t.Errorf("RequestID = %q, want bet-1 (correlation id not echoed)", resp.RequestID)
	}
}

func TestDisplacePolicies(t *testing.T) {
	t.Parallel()

	t.Run("silent", func(t *testing.T) {
		t.Parallel()

		h := newTestHub(t, hub.Config{Auth: testAuth, DisplacePolicy: feltwire.DisplaceSilent})
		first := register(t, h)
		authenticate(t, h, first, "alice")
		second := register(t, h)
		authenticate(t, h, second, "alice")

		if first.UserID() != "" {
			t.Errorf("displaced connection kept identity %q", first.UserID())
		}
		if first.lastOfType(feltwire.EventSessionDisplaced) != nil {
			t.Error("silent policy sent a session_displaced event")
		}

		// Direct messages follow the new binding.
		if err := h.BroadcastToUser(context.Background(), "user-alice", &feltwire.Message{Type: "nudge"}); err != nil {
			t.Fatalf("BroadcastToUser: %v", err)
		}
		if second.lastOfType("nudge") == nil {
			t.Error("new session missed the direct message")
		}
		if first.lastOfType("nudge") != nil {
			t.Error("old session still receives direct messages")
		}
	})

	t.Run("notify", func(t *testing.T) {
		t.Parallel()

		h := newTestHub(t, hub.Config{Auth: testAuth, DisplacePolicy: feltwire.DisplaceNotify})
		first := register(t, h)
		authenticate(t, h, first, "alice")
		second := register(t, h)
		authenticate(t, h, second, "alice")

		if first.lastOfType(feltwire.EventSessionDisplaced) == nil {
			t.Error("notify policy sent no session_displaced event")
		}
		if first.UserID() != "" {
			t.Errorf("displaced connection kept identity %q", first.UserID())
		}
		if second.UserID() != "user-alice" {
			t.Errorf("new connection identity = %q, want user-alice", second.UserID())
		}
	})

	t.Run("reject", func(t *testing.T) {
		t.Parallel()

		h := newTestHub(t, hub.Config{Auth: testAuth, DisplacePolicy: feltwire.RejectSecond})
		first := register(t, h)
		authenticate(t, h, first, "alice")

		second := register(t, h)
		process(t, h, second, &feltwire.Message{
			Type: feltwire.TypeAuth,
			Data: json.RawMessage(`"alice"`),
		})

		resp := second.lastOfType(feltwire.TypeAuthResponse)
		if resp == nil || resp.Success {
			t.Fatalf("second auth = %+v, want rejection", resp)
		}
		if resp.Error != feltwire.ErrAlreadyConnected {
			t.Errorf("error = %q, want %q", resp.Error, feltwire.ErrAlreadyConnected)
		}
		if first.UserID() != "user-alice" {
			t.Errorf("original session lost identity: %q", first.UserID())
		}
	})
}

func TestSlowConsumerDropped(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, hub.Config{})
	slow := register(t, h)
	healthy := register(t, h)

	process(t, h, slow, &feltwire.Message{Type: feltwire.TypeJoinRoom, Room: "busy"})
	process(t, h, healthy, &feltwire.Message{Type: feltwire.TypeJoinRoom, Room: "busy"})

	slow.failSends()
	if err := h.BroadcastToRoom(context.Background(), "busy", &feltwire.Message{Type: "tick"}); err != nil {
		t.Fatalf("BroadcastToRoom: %v", err)
	}

	if !slow.wasKicked() {
		t.Error("overflowing connection was not kicked")
	}
	if healthy.lastOfType("tick") == nil {
		t.Error("healthy connection missed the broadcast")
	}

	count, err := h.ConnectionCount(context.Background())
	if err != nil {
		t.Fatalf("ConnectionCount: %v", err)
	}
	if count != 1 {
		t.Errorf("ConnectionCount = %d, want 1 after drop", count)
	}
}

func TestShutdownFailsFast(t *testing.T) {
	t.Parallel()

	h := hub.New(hub.Config{RateLimit: ratelimit.Disabled()}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := &fakeConn{}
	if err := h.Register(context.Background(), c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cancel()
	<-h.Done()

	err := h.ProcessMessage(context.Background(), c.ID(), &feltwire.Message{Type: feltwire.TypeListRooms})
	if err == nil {
		t.Fatal("ProcessMessage after shutdown succeeded")
	}
	if err.Error() != feltwire.ErrBrokerClosed {
		t.Errorf("error = %q, want %q", err, feltwire.ErrBrokerClosed)
	}

	if _, err := h.ConnectionCount(context.Background()); err == nil {
		t.Error("ConnectionCount after shutdown succeeded")
	}
}

package feltwire

import "context"

// Broker is the public face of the connection/room broker.
//
// Internally every mutating call is turned into a request on the core's
// bounded queue and processed by a single worker, so callers get a
// synchronous contract over an asynchronous, message-passing core. All
// methods are safe for concurrent use.
//
// Example usage:
//
//	import "github.com/feltwire/feltwire/ws"
//
//	broker := ws.New(&ws.ServerConfig{
//	    Addr: ":8080",
//	    Auth: ws.JWTAuth([]byte(secret)),
//	})
//
//	broker.RegisterHandler("place_bet", func(client feltwire.Client, msg *feltwire.Message) *feltwire.Message {
//	    return feltwire.NewResponse("place_bet_response", msg.RequestID, result)
//	})
//
//	broker.Start(ctx)
type Broker interface {
	// Start starts the broker: the core worker loop and the WebSocket
	// listener. It returns an error if the broker is already running or
	// the address cannot be bound.
	Start(ctx context.Context) error

	// Stop gracefully stops the broker, closing every client connection
	// and shutting the core worker down. Calls made after Stop fail fast
	// instead of hanging.
	Stop(ctx context.Context) error

	// RegisterHandler registers a handler for a custom message type.
	//
	// Built-in types (auth, logout, create_room, join_room, leave_room,
	// list_rooms) are dispatched by the core itself and cannot be
	// overridden. Custom handlers run in their own goroutine so they may
	// call back into the Broker; a non-nil return value is sent to the
	// originating client with the request's correlation id echoed back.
	RegisterHandler(msgType string, handler MessageHandler) error

	// RegisterAction registers a handler for the generic "request"
	// message type, keyed by the "action" field of its payload.
	RegisterAction(action string, handler MessageHandler) error

	// BroadcastToRoom sends msg to every member of room. An unknown or
	// empty room is a silent no-op: rooms legitimately vanish between
	// lookup and delivery.
	BroadcastToRoom(ctx context.Context, room string, msg *Message) error

	// BroadcastToUser sends msg to the connection currently bound to
	// userID. An unknown user is a silent no-op.
	BroadcastToUser(ctx context.Context, userID string, msg *Message) error

	// BroadcastToAll sends msg to every registered connection.
	BroadcastToAll(ctx context.Context, msg *Message) error

	// JoinRoom adds the connection to room, creating the room if needed,
	// and notifies the other members.
	JoinRoom(ctx context.Context, clientID, room string) error

	// LeaveRoom removes the connection from room; the room is deleted
	// the moment its last member leaves.
	LeaveRoom(ctx context.Context, clientID, room string) error

	// ConnectionCount returns the number of registered connections.
	ConnectionCount(ctx context.Context) (int, error)

	// ListRooms returns a snapshot of every room and its members.
	ListRooms(ctx context.Context) ([]RoomInfo, error)
}

// Client is the server-side representative of one persistent duplex
// session. Identity fields are empty until a successful auth binds them.
type Client interface {
	// ID returns the broker-assigned connection id. Ids are generated
	// server-side and never client-supplied.
	ID() string

	// UserID returns the authenticated user id, or "" before auth.
	UserID() string

	// Username returns the authenticated (validated, escaped) username,
	// or "" before auth.
	Username() string

	// RemoteAddr returns the client's remote network address.
	RemoteAddr() string

	// Context returns the client's lifecycle context, cancelled when the
	// connection closes.
	Context() context.Context

	// Send queues msg on the client's bounded outbound buffer. It never
	// blocks: if the buffer is full it returns an error and the broker
	// closes the connection (backpressure-by-disconnection).
	Send(msg *Message) error

	// Close closes the connection gracefully.
	Close(ctx context.Context) error

	// IsAlive reports whether the connection is still open.
	IsAlive() bool
}

// MessageHandler processes one inbound message for a registered type.
// Returning a non-nil message sends it back to the originating client.
type MessageHandler func(client Client, msg *Message) *Message

// AuthResult is produced by one token validation attempt. It is never
// persisted beyond updating the connection's identity.
type AuthResult struct {
	UserID   string
	Username string
	Success  bool
	Error    string
}

// AuthFunc validates a client-supplied token and resolves it to an
// identity. It is invoked synchronously while the core processes an
// "auth" message, so implementations should be fast.
type AuthFunc func(ctx context.Context, token string) AuthResult

// DisplacePolicy decides what happens when a user authenticates while
// another connection already holds the same user id.
type DisplacePolicy int

const (
	// DisplaceSilent rebinds the user id to the new connection without
	// telling the old one. This is the default.
	DisplaceSilent DisplacePolicy = iota

	// DisplaceNotify sends a "session_displaced" event to the old
	// connection before rebinding.
	DisplaceNotify

	// RejectSecond fails the second authentication attempt instead of
	// displacing the existing session.
	RejectSecond
)

// RoomInfo describes one room and its current members.
type RoomInfo struct {
	Name      string     `json:"name"`
	UserCount int        `json:"userCount"`
	Users     []RoomUser `json:"users"`
}

// RoomUser identifies one room member.
type RoomUser struct {
	UserID       string `json:"userID"`
	Username     string `json:"username"`
	ConnectionID string `json:"connectionID"`
}

// Package feltwire provides a real-time connection/room broker for
// multiplayer casino platforms and other room-based applications.
//
// The broker accepts many concurrent persistent WebSocket sessions,
// authenticates them via a pluggable token gateway, groups them into
// named rooms, and routes messages between connections, rooms and users.
//
// # Architecture
//
// All mutable broker state (the connection table, room table, user index
// and rate-limiter table) is owned by a single core worker draining a
// bounded FIFO request queue. Every public operation submits a request
// and awaits the correlated reply, so no two mutations ever race and no
// locks guard the shared tables. A caller whose submission blocks on a
// full queue backpressures upstream senders; a slow consumer is closed
// rather than allowed to stall the core.
//
// # Quick Start
//
//	import (
//	    "github.com/feltwire/feltwire"
//	    "github.com/feltwire/feltwire/ws"
//	)
//
//	broker := ws.New(&ws.ServerConfig{
//	    Addr:      ":8080",
//	    RateLimit: ws.DefaultRateLimitConfig(), // 10 msgs/s, 3 strikes, 5 min block
//	    Auth:      ws.JWTAuth([]byte("secret")),
//	})
//
//	broker.RegisterHandler("deal_request", func(client feltwire.Client, msg *feltwire.Message) *feltwire.Message {
//	    return feltwire.NewResponse("deal_response", msg.RequestID, hand)
//	})
//
//	broker.Start(ctx)
//
// # Protocol
//
// Messages are JSON envelopes with a type, an opaque data payload, an
// optional room context and an optional requestId echoed back verbatim on
// responses. Built-in types: auth, logout, create_room, join_room,
// leave_room, list_rooms, test_echo, ping and the generic request router.
// Unsolicited events (connected, user_joined_room, user_left_room,
// room_created) carry the event name in both the type and event fields.
//
// # Rate Limiting
//
// Each connection gets an escalating limiter: exceeding the per-second
// cap rejects the message and records a violation; repeated violations
// convert into a hard, timed block. Stale limiter entries are pruned by
// the core's own periodic sweep.
//
// # Security
//
//   - Room names and usernames are checked against a blacklist of
//     injection patterns and a strict whitelist, then HTML-escaped
//   - Connection ids are generated server-side, never client-supplied
//   - Frames over 64KB are rejected; undecodable frames are dropped
//   - Room creation requires authentication
//   - Configure ServerConfig.CheckOrigin in production (never
//     ws.AllOrigins())
package feltwire

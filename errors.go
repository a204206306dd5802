package feltwire

// Standard error messages sent to clients or returned to callers.
const (
	// Validation errors
	ErrEmptyInput      = "input cannot be empty"
	ErrDangerousInput  = "input contains potentially dangerous content"
	ErrInvalidRoomName = "room name must be 1-50 characters (letters, numbers, underscore, hyphen)"
	ErrInvalidUsername = "username must be 1-30 characters (letters, numbers, underscore, hyphen)"

	// Authentication errors
	ErrAuthRequired     = "Authentication required to create rooms"
	ErrMissingToken     = "missing authentication token"
	ErrInvalidToken     = "invalid authentication token"
	ErrAuthUnavailable  = "authentication service unavailable"
	ErrAlreadyConnected = "user already connected from another session"

	// Rate limiting
	ErrRateLimited = "rate limit exceeded, slow down"
	ErrBlocked     = "too many violations, connection temporarily blocked"

	// Protocol errors
	ErrUnknownType   = "unknown message type"
	ErrMissingAction = "missing request action"
	ErrRoomExists    = "room already exists"
	ErrRoomNotFound  = "room not found"

	// Connection and broker errors
	ErrConnectionClosed     = "client connection is closed"
	ErrSendBufferFull       = "client send buffer is full"
	ErrBrokerClosed         = "broker is shut down"
	ErrServerAlreadyRunning = "server already running"
)

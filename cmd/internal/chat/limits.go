package chat

import "time"

// Core limits. Keep these aligned with the wire contract defaults in ws_gateway.go.
const (
	// PageSize is the keyset pagination window for top-level history.
	PageSize = 30

	// Max message body length (runes).
	maxBodyChars = 1000

	// Max history page a caller may request.
	maxPageSize = 200
)

const (
	// DebounceInterval is the autocomplete search debounce.
	DebounceInterval = 200 * time.Millisecond

	// TeardownGrace defers channel unsubscribe relative to a room switch so an
	// in-flight subscribe handshake is not aborted mid-race.
	TeardownGrace = 250 * time.Millisecond
)

const (
	// Per-connection rate limits for the websocket gateway (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

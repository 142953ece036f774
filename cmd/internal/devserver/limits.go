package devserver

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max notification message length (runes).
	maxMessageChars = 2000

	wsDefaultSendQueueSize = 256
	wsWriteTimeout         = 5 * time.Second
	wsReadIdleTimeout      = 2 * time.Minute
	wsCloseGrace           = 1 * time.Second
	wsMaxPingFailures      = 3

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

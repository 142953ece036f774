package realtime

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	defaultDialTimeout = 10 * time.Second
	writeTimeout       = 5 * time.Second

	// Heartbeat defaults (WithHeartbeat overrides them).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	maxPingFailures = 3
)

package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Clients only send small requests.
	maxFrameBytes = 4 << 10 // 4 KiB

	defaultBacklogLimit = 20
	maxBacklogLimit     = 200
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)

package server

import "time"

const (
	defaultKeyframeInterval  = 30
	defaultHeartbeatInterval = 2 * time.Second
	defaultKeyframeRateLimit = 500 * time.Millisecond
)

// Command reject reasons sent to the DM surface.
const (
	CommandRejectForbidden = "forbidden"
	CommandRejectInvalid   = "invalid_command"
)

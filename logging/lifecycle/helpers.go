package lifecycle

import (
	"context"

	"dndemicube/server/logging"
)

const (
	// EventServerStarted is emitted once the HTTP listener is configured.
	EventServerStarted logging.EventType = "lifecycle.server_started"
	// EventServerStopped is emitted when the server shuts down.
	EventServerStopped logging.EventType = "lifecycle.server_stopped"
)

// ServerStartedPayload captures listener metadata.
type ServerStartedPayload struct {
	Addr      string `json:"addr"`
	FrameRate int    `json:"frameRate"`
}

// ServerStoppedPayload captures why the server stopped.
type ServerStoppedPayload struct {
	Reason string `json:"reason"`
}

// ServerStarted publishes a start event.
func ServerStarted(ctx context.Context, pub logging.Publisher, payload ServerStartedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventServerStarted,
		Actor:    logging.EntityRef{Kind: logging.EntityKindScene},
		Severity: logging.SeverityInfo,
		Category: logging.CategorySystem,
		Payload:  payload,
	})
}

// ServerStopped publishes a stop event.
func ServerStopped(ctx context.Context, pub logging.Publisher, payload ServerStoppedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventServerStopped,
		Actor:    logging.EntityRef{Kind: logging.EntityKindScene},
		Severity: logging.SeverityInfo,
		Category: logging.CategorySystem,
		Payload:  payload,
	})
}

package network

import (
	"context"

	"dndemicube/server/logging"
)

const (
	// EventSubscriberJoined is emitted when a surface attaches to the hub.
	EventSubscriberJoined logging.EventType = "network.subscriber_joined"
	// EventSubscriberLeft is emitted when a surface detaches.
	EventSubscriberLeft logging.EventType = "network.subscriber_left"
	// EventKeyframeNack is emitted when a keyframe request cannot be served.
	EventKeyframeNack logging.EventType = "network.keyframe_nack"
	// EventResyncScheduled is emitted when the hub forces a full keyframe broadcast.
	EventResyncScheduled logging.EventType = "network.resync_scheduled"
)

// SubscriberPayload describes the attached surface.
type SubscriberPayload struct {
	Role   string `json:"role"`
	Reason string `json:"reason,omitempty"`
}

// KeyframeNackPayload captures why a keyframe request failed.
type KeyframeNackPayload struct {
	Requested uint64 `json:"requested"`
	Reason    string `json:"reason"`
}

// ResyncPayload captures the trigger for a forced keyframe.
type ResyncPayload struct {
	Reason string `json:"reason"`
}

// SubscriberJoined publishes an attach event.
func SubscriberJoined(ctx context.Context, pub logging.Publisher, version uint64, actor logging.EntityRef, payload SubscriberPayload) {
	publish(ctx, pub, EventSubscriberJoined, logging.SeverityInfo, version, actor, payload)
}

// SubscriberLeft publishes a detach event.
func SubscriberLeft(ctx context.Context, pub logging.Publisher, version uint64, actor logging.EntityRef, payload SubscriberPayload) {
	publish(ctx, pub, EventSubscriberLeft, logging.SeverityInfo, version, actor, payload)
}

// KeyframeNack publishes a warning when a keyframe cannot be served.
func KeyframeNack(ctx context.Context, pub logging.Publisher, version uint64, actor logging.EntityRef, payload KeyframeNackPayload) {
	publish(ctx, pub, EventKeyframeNack, logging.SeverityWarn, version, actor, payload)
}

// ResyncScheduled publishes a warning when a forced keyframe is scheduled.
func ResyncScheduled(ctx context.Context, pub logging.Publisher, version uint64, payload ResyncPayload) {
	publish(ctx, pub, EventResyncScheduled, logging.SeverityWarn, version, logging.EntityRef{Kind: logging.EntityKindScene}, payload)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, version uint64, actor logging.EntityRef, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Version:  version,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

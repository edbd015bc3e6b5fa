package scene

import (
	"context"

	"dndemicube/server/logging"
)

const (
	// EventMapSelected is emitted when the DM replaces the live scene with a new map.
	EventMapSelected logging.EventType = "scene.map_selected"
	// EventInstancePlaced is emitted when a stamp, chain, or roster operation places an instance.
	EventInstancePlaced logging.EventType = "scene.instance_placed"
	// EventInstanceRemoved is emitted when an instance is deleted.
	EventInstanceRemoved logging.EventType = "scene.instance_removed"
	// EventInstancesMerged is emitted when a merge replaces a selection with a composite.
	EventInstancesMerged logging.EventType = "scene.instances_merged"
	// EventCommandRejected is emitted when a DM command fails validation.
	EventCommandRejected logging.EventType = "scene.command_rejected"
)

// MapSelectedPayload captures the dimensions of the newly selected map.
type MapSelectedPayload struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// InstancePlacedPayload captures where an instance landed.
type InstancePlacedPayload struct {
	Asset string  `json:"asset"`
	Tool  string  `json:"tool"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// InstancesMergedPayload captures the merge inputs and output.
type InstancesMergedPayload struct {
	Sources   []string `json:"sources"`
	Composite string   `json:"composite"`
	Asset     string   `json:"asset"`
}

// CommandRejectedPayload captures why a command was refused.
type CommandRejectedPayload struct {
	Command string `json:"command"`
	Reason  string `json:"reason"`
}

// MapSelected publishes a map selection event.
func MapSelected(ctx context.Context, pub logging.Publisher, version uint64, payload MapSelectedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventMapSelected,
		Version:  version,
		Actor:    logging.EntityRef{Kind: logging.EntityKindDM},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryScene,
		Payload:  payload,
	})
}

// InstancePlaced publishes a debug event for each placed instance.
func InstancePlaced(ctx context.Context, pub logging.Publisher, version uint64, instanceID string, payload InstancePlacedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventInstancePlaced,
		Version:  version,
		Actor:    logging.EntityRef{ID: instanceID, Kind: logging.EntityKindInstance},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryScene,
		Payload:  payload,
	})
}

// InstanceRemoved publishes a removal event.
func InstanceRemoved(ctx context.Context, pub logging.Publisher, version uint64, instanceID string) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventInstanceRemoved,
		Version:  version,
		Actor:    logging.EntityRef{ID: instanceID, Kind: logging.EntityKindInstance},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryScene,
	})
}

// InstancesMerged publishes an info event naming the merged originals.
func InstancesMerged(ctx context.Context, pub logging.Publisher, version uint64, payload InstancesMergedPayload) {
	if pub == nil {
		return
	}
	targets := make([]logging.EntityRef, 0, len(payload.Sources))
	for _, id := range payload.Sources {
		targets = append(targets, logging.EntityRef{ID: id, Kind: logging.EntityKindInstance})
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventInstancesMerged,
		Version:  version,
		Actor:    logging.EntityRef{ID: payload.Composite, Kind: logging.EntityKindInstance},
		Targets:  targets,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryScene,
		Payload:  payload,
	})
}

// CommandRejected publishes a warning for a refused DM command.
func CommandRejected(ctx context.Context, pub logging.Publisher, version uint64, commandID string, payload CommandRejectedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventCommandRejected,
		Version:   version,
		Actor:     logging.EntityRef{Kind: logging.EntityKindDM},
		Severity:  logging.SeverityWarn,
		Category:  logging.CategoryScene,
		Payload:   payload,
		CommandID: commandID,
	})
}

package fog

import (
	"context"

	"dndemicube/server/logging"
)

const (
	// EventVisionRecomputed is emitted after vision sources reveal new cells.
	EventVisionRecomputed logging.EventType = "fog.vision_recomputed"
	// EventFogReset is emitted when the grid is reallocated for a new map.
	EventFogReset logging.EventType = "fog.reset"
)

// VisionRecomputedPayload summarises a fog pass.
type VisionRecomputedPayload struct {
	Sources    int `json:"sources"`
	Revealed   int `json:"revealed"`
	Remembered int `json:"remembered"`
}

// FogResetPayload captures the new grid dimensions.
type FogResetPayload struct {
	Cols     int `json:"cols"`
	Rows     int `json:"rows"`
	CellSize int `json:"cellSize"`
}

// VisionRecomputed publishes a debug event for a fog pass.
func VisionRecomputed(ctx context.Context, pub logging.Publisher, version uint64, payload VisionRecomputedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventVisionRecomputed,
		Version:  version,
		Actor:    logging.EntityRef{Kind: logging.EntityKindScene},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryFog,
		Payload:  payload,
	})
}

// FogReset publishes an info event when the grid is reallocated.
func FogReset(ctx context.Context, pub logging.Publisher, version uint64, payload FogResetPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventFogReset,
		Version:  version,
		Actor:    logging.EntityRef{Kind: logging.EntityKindScene},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryFog,
		Payload:  payload,
	})
}

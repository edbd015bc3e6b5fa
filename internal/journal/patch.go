package journal

import (
	"encoding/json"
	"fmt"

	"dndemicube/server/internal/assets"
	"dndemicube/server/internal/fog"
	"dndemicube/server/internal/scene"
)

// PatchKind identifies the type of diff entry.
type PatchKind string

const (
	// PatchInstanceUpsert carries the full state of a created or changed
	// instance.
	PatchInstanceUpsert PatchKind = "instance_upsert"
	// PatchInstanceRemoved signals that an instance left the scene.
	PatchInstanceRemoved PatchKind = "instance_removed"
	// PatchOccluderUpsert carries a created or changed wall or door.
	PatchOccluderUpsert PatchKind = "occluder_upsert"
	// PatchOccluderRemoved signals that a wall or door was deleted.
	PatchOccluderRemoved PatchKind = "occluder_removed"
	// PatchFogCells carries fog cell transitions.
	PatchFogCells PatchKind = "fog_cells"
	// PatchAssetAdded announces a newly registered asset.
	PatchAssetAdded PatchKind = "asset_added"
)

// Patch represents a diff entry that can be applied to a mirrored scene.
type Patch struct {
	Kind     PatchKind `json:"kind"`
	EntityID string    `json:"entityId,omitempty"`
	Payload  any       `json:"payload,omitempty"`
}

// FogCellsPayload lists fog cells with their new state.
type FogCellsPayload struct {
	Cells []fog.CellUpdate `json:"cells"`
}

// UnmarshalJSON decodes the payload into the concrete type for the kind.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind     PatchKind       `json:"kind"`
		EntityID string          `json:"entityId"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Kind = raw.Kind
	p.EntityID = raw.EntityID
	p.Payload = nil

	var err error
	switch raw.Kind {
	case PatchInstanceUpsert:
		var v scene.Instance
		err = decodePayload(raw.Payload, &v)
		p.Payload = v
	case PatchOccluderUpsert:
		var v scene.Occluder
		err = decodePayload(raw.Payload, &v)
		p.Payload = v
	case PatchFogCells:
		var v FogCellsPayload
		err = decodePayload(raw.Payload, &v)
		p.Payload = v
	case PatchAssetAdded:
		var v assets.Asset
		err = decodePayload(raw.Payload, &v)
		p.Payload = v
	case PatchInstanceRemoved, PatchOccluderRemoved:
	default:
		return fmt.Errorf("unknown patch kind %q", raw.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.Kind, err)
	}
	return nil
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(raw, target)
}

// Compact collapses a frame's patches: only the last upsert per entity
// survives, removals discard earlier upserts, and fog transitions merge into
// a single patch holding the final state per cell. Relative order of the
// surviving entity patches is preserved.
func Compact(patches []Patch) []Patch {
	if len(patches) == 0 {
		return nil
	}
	lastIndex := make(map[string]int, len(patches))
	for i, p := range patches {
		if p.Kind == PatchFogCells {
			continue
		}
		lastIndex[string(p.Kind.family())+"/"+p.EntityID] = i
	}

	out := make([]Patch, 0, len(lastIndex)+1)
	var cells []fog.CellUpdate
	cellIndex := make(map[fog.Cell]int)
	for i, p := range patches {
		if p.Kind == PatchFogCells {
			payload, _ := p.Payload.(FogCellsPayload)
			for _, c := range payload.Cells {
				key := fog.Cell{Col: c.Col, Row: c.Row}
				if idx, ok := cellIndex[key]; ok {
					cells[idx] = c
					continue
				}
				cellIndex[key] = len(cells)
				cells = append(cells, c)
			}
			continue
		}
		if lastIndex[string(p.Kind.family())+"/"+p.EntityID] != i {
			continue
		}
		out = append(out, p)
	}
	if len(cells) > 0 {
		out = append(out, Patch{Kind: PatchFogCells, Payload: FogCellsPayload{Cells: cells}})
	}
	return out
}

type patchFamily string

func (k PatchKind) family() patchFamily {
	switch k {
	case PatchInstanceUpsert, PatchInstanceRemoved:
		return "instance"
	case PatchOccluderUpsert, PatchOccluderRemoved:
		return "occluder"
	case PatchAssetAdded:
		return "asset"
	default:
		return patchFamily(k)
	}
}

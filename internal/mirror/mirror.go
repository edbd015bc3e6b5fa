// Package mirror holds a player surface's copy of the DM scene. It applies
// keyframes and deltas received from the hub and never mutates state on its
// own.
package mirror

import (
	"errors"
	"fmt"
	"sort"

	"dndemicube/server/internal/assets"
	"dndemicube/server/internal/fog"
	"dndemicube/server/internal/geometry"
	"dndemicube/server/internal/journal"
	"dndemicube/server/internal/net/proto"
	"dndemicube/server/internal/scene"
)

// ErrStateDesync is returned when a delta does not build on the applied
// version. The mirror then needs a keyframe.
var ErrStateDesync = errors.New("mirror: state desync")

// Mirror is not safe for concurrent use; each player owns one.
type Mirror struct {
	version uint64
	ready   bool
	desync  bool
	// announced is the newest version a heartbeat reported.
	announced uint64

	mapRef    *scene.Map
	instances map[string]scene.Instance
	occluders map[string]scene.Occluder
	fog       fog.Snapshot
	assets    map[string]assets.Asset
}

func New() *Mirror {
	return &Mirror{
		instances: make(map[string]scene.Instance),
		occluders: make(map[string]scene.Occluder),
		assets:    make(map[string]assets.Asset),
	}
}

// Version is the last applied broadcast version.
func (m *Mirror) Version() uint64 { return m.version }

// NeedsKeyframe reports whether the mirror is waiting for a full snapshot. A
// heartbeat ahead of the applied version counts until a delta catches up.
func (m *Mirror) NeedsKeyframe() bool {
	return !m.ready || m.desync || m.announced > m.version
}

// ApplyKeyframe replaces the mirrored state. Keyframes older than the applied
// version are ignored.
func (m *Mirror) ApplyKeyframe(k proto.Keyframe) bool {
	if m.ready && k.Version < m.version {
		return false
	}
	m.mapRef = nil
	if k.Scene.Map != nil {
		copied := *k.Scene.Map
		m.mapRef = &copied
	}
	m.instances = make(map[string]scene.Instance, len(k.Scene.Instances))
	for _, inst := range k.Scene.Instances {
		m.instances[inst.ID] = inst
	}
	m.occluders = make(map[string]scene.Occluder, len(k.Scene.Occluders))
	for _, occ := range k.Scene.Occluders {
		m.occluders[occ.ID] = occ
	}
	m.fog = k.Scene.Fog
	m.fog.Cells = append([]fog.State(nil), k.Scene.Fog.Cells...)
	m.assets = make(map[string]assets.Asset, len(k.Assets))
	for _, a := range k.Assets {
		m.assets[a.Path] = a
	}
	m.version = k.Version
	m.ready = true
	m.desync = false
	return true
}

// ApplyDelta applies a delta on top of the current version. Re-delivered
// deltas are ignored, so applying the same delta twice is a no-op. A delta
// whose base is not the applied version yields ErrStateDesync.
func (m *Mirror) ApplyDelta(d proto.StateDelta) error {
	if !m.ready {
		return fmt.Errorf("delta %d before keyframe: %w", d.Version, ErrStateDesync)
	}
	if d.Version <= m.version {
		return nil
	}
	if d.BaseVersion != m.version {
		m.desync = true
		return fmt.Errorf("delta base %d, applied %d: %w", d.BaseVersion, m.version, ErrStateDesync)
	}
	for _, p := range d.Patches {
		if err := m.applyPatch(p); err != nil {
			m.desync = true
			return fmt.Errorf("delta %d: %w", d.Version, err)
		}
	}
	m.version = d.Version
	return nil
}

// ObserveHeartbeat notes the hub's version. The mirror needs a keyframe while
// it stays behind it; a delta catching up clears that again.
func (m *Mirror) ObserveHeartbeat(version uint64) bool {
	if version > m.announced {
		m.announced = version
	}
	return m.NeedsKeyframe()
}

func (m *Mirror) applyPatch(p journal.Patch) error {
	switch p.Kind {
	case journal.PatchInstanceUpsert:
		inst, ok := p.Payload.(scene.Instance)
		if !ok {
			return fmt.Errorf("instance patch %s: %w", p.EntityID, ErrStateDesync)
		}
		if !inst.PlayerVisible() {
			delete(m.instances, inst.ID)
			return nil
		}
		m.instances[inst.ID] = inst
	case journal.PatchInstanceRemoved:
		delete(m.instances, p.EntityID)
	case journal.PatchOccluderUpsert:
		occ, ok := p.Payload.(scene.Occluder)
		if !ok {
			return fmt.Errorf("occluder patch %s: %w", p.EntityID, ErrStateDesync)
		}
		m.occluders[occ.ID] = occ
	case journal.PatchOccluderRemoved:
		delete(m.occluders, p.EntityID)
	case journal.PatchFogCells:
		payload, ok := p.Payload.(journal.FogCellsPayload)
		if !ok {
			return fmt.Errorf("fog patch: %w", ErrStateDesync)
		}
		for _, c := range payload.Cells {
			if c.Col < 0 || c.Row < 0 || c.Col >= m.fog.Cols || c.Row >= m.fog.Rows {
				continue
			}
			m.fog.Cells[c.Row*m.fog.Cols+c.Col] = c.State
		}
	case journal.PatchAssetAdded:
		a, ok := p.Payload.(assets.Asset)
		if !ok {
			return fmt.Errorf("asset patch %s: %w", p.EntityID, ErrStateDesync)
		}
		m.assets[a.Path] = a
	default:
		return fmt.Errorf("patch kind %q: %w", p.Kind, ErrStateDesync)
	}
	return nil
}

// Snapshot returns the mirrored scene in render order.
func (m *Mirror) Snapshot() scene.Snapshot {
	snap := scene.Snapshot{Fog: m.fog}
	snap.Fog.Cells = append([]fog.State(nil), m.fog.Cells...)
	if m.mapRef != nil {
		copied := *m.mapRef
		snap.Map = &copied
	}
	snap.Instances = make([]scene.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		snap.Instances = append(snap.Instances, inst)
	}
	scene.SortInstances(snap.Instances)
	for _, occ := range m.occluders {
		snap.Occluders = append(snap.Occluders, occ)
	}
	sort.Slice(snap.Occluders, func(a, b int) bool { return snap.Occluders[a].ID < snap.Occluders[b].ID })
	return snap
}

// Frame returns what this player's renderer draws in its own viewport.
func (m *Mirror) Frame(vp geometry.Viewport) scene.Frame {
	return m.Snapshot().Frame(vp)
}

// Asset looks up a mirrored asset descriptor.
func (m *Mirror) Asset(path string) (assets.Asset, bool) {
	a, ok := m.assets[path]
	return a, ok
}

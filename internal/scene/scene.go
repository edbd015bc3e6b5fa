// Package scene is the authoritative store of the active map, the placed
// instances on it, line-of-sight occluders and the fog grid. A Scene has a
// single writer and performs no locking.
package scene

import (
	"errors"
	"fmt"

	"dndemicube/server/internal/assets"
	"dndemicube/server/internal/fog"
	"dndemicube/server/internal/geometry"
)

// ErrNotFound is returned when an operation names an unknown instance or
// occluder.
var ErrNotFound = errors.New("scene: not found")

// ErrInvalidGeometry is returned for NaN or infinite coordinates, sizes and
// angles.
var ErrInvalidGeometry = errors.New("scene: invalid geometry")

// ChangeKind identifies what an observed change touched.
type ChangeKind string

const (
	ChangeInstanceUpsert  ChangeKind = "instance_upsert"
	ChangeInstanceRemoved ChangeKind = "instance_removed"
	ChangeOccluderUpsert  ChangeKind = "occluder_upsert"
	ChangeOccluderRemoved ChangeKind = "occluder_removed"
)

// Change is reported to the observer after every successful mutation.
type Change struct {
	Kind     ChangeKind
	ID       string
	Instance Instance
	Occluder Occluder
}

type Options struct {
	FogCellSize   float64
	IndexCellSize float64
	Assets        *assets.Registry
	Observer      func(Change)
}

type Scene struct {
	mapRef    *Map
	instances map[string]*Instance
	nextID    uint64
	topZ      int
	index     *spatialIndex
	fog       *fog.Grid
	assets    *assets.Registry
	observer  func(Change)

	occluders    map[string]*Occluder
	nextOccluder uint64

	roster map[string]int
}

// New creates the scene for m, which may be nil when no map is selected. The
// fog grid is reset to cover the map.
func New(m *Map, opts Options) *Scene {
	registry := opts.Assets
	if registry == nil {
		registry = assets.NewRegistry()
	}
	s := &Scene{
		instances: make(map[string]*Instance),
		index:     newSpatialIndex(opts.IndexCellSize),
		fog:       fog.NewGrid(opts.FogCellSize),
		assets:    registry,
		observer:  opts.Observer,
		occluders: make(map[string]*Occluder),
		roster:    make(map[string]int),
	}
	if m != nil {
		copied := *m
		s.mapRef = &copied
		s.fog.Reset(m.Width, m.Height)
	}
	return s
}

// Map returns a copy of the active map, nil when none is selected.
func (s *Scene) Map() *Map {
	if s.mapRef == nil {
		return nil
	}
	copied := *s.mapRef
	return &copied
}

func (s *Scene) Fog() *fog.Grid           { return s.fog }
func (s *Scene) Assets() *assets.Registry { return s.assets }

// SetObserver replaces the change observer.
func (s *Scene) SetObserver(fn func(Change)) { s.observer = fn }

// AddInstance stores inst under a fresh id and returns the stored copy. A
// non-positive Scale becomes 1, Opacity is clamped to [0,1], a zero ZOrder
// places the instance on top, and missing dimensions are taken from the asset
// registry.
func (s *Scene) AddInstance(inst Instance) Instance {
	s.nextID++
	inst.ID = formatID(s.nextID)
	if inst.Scale <= 0 {
		inst.Scale = 1
	}
	inst.Opacity = clampOpacity(inst.Opacity)
	if inst.Width <= 0 || inst.Height <= 0 {
		w, h := s.assets.Resolve(inst.AssetPath).Size()
		inst.Width, inst.Height = w, h
	}
	if inst.ZOrder == 0 {
		s.topZ++
		inst.ZOrder = s.topZ
	} else if inst.ZOrder > s.topZ {
		s.topZ = inst.ZOrder
	}
	stored := inst.clone()
	s.instances[stored.ID] = &stored
	s.index.upsert(stored.ID, stored.Bounds())
	s.notifyInstance(ChangeInstanceUpsert, stored)
	return stored.clone()
}

func (s *Scene) RemoveInstance(id string) error {
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("remove instance %s: %w", id, ErrNotFound)
	}
	delete(s.instances, id)
	s.index.remove(id)
	s.notifyInstance(ChangeInstanceRemoved, *inst)
	return nil
}

func (s *Scene) UpdateInstance(id string, patch Patch) (Instance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("update instance %s: %w", id, ErrNotFound)
	}
	if patch.Empty() {
		return inst.clone(), nil
	}
	if !patch.finite() {
		return Instance{}, fmt.Errorf("update instance %s: %w", id, ErrInvalidGeometry)
	}
	patch.applyTo(inst)
	s.index.upsert(id, inst.Bounds())
	s.notifyInstance(ChangeInstanceUpsert, *inst)
	return inst.clone(), nil
}

// Reorder moves the instance to z. Other instances keep their z values; ties
// resolve by creation order.
func (s *Scene) Reorder(id string, z int) (Instance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("reorder instance %s: %w", id, ErrNotFound)
	}
	inst.ZOrder = z
	if z > s.topZ {
		s.topZ = z
	}
	s.notifyInstance(ChangeInstanceUpsert, *inst)
	return inst.clone(), nil
}

func (s *Scene) Instance(id string) (Instance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return inst.clone(), nil
}

func (s *Scene) Len() int { return len(s.instances) }

// Instances lists every instance back to front.
func (s *Scene) Instances() []Instance {
	out := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.clone())
	}
	SortInstances(out)
	return out
}

// Query returns the instances whose rotated bounds intersect region, back to
// front.
func (s *Scene) Query(region geometry.Rect) []Instance {
	region = region.Canon()
	var out []Instance
	for _, id := range s.index.candidates(region) {
		inst := s.instances[id]
		if inst == nil || !inst.Bounds().Intersects(region) {
			continue
		}
		out = append(out, inst.clone())
	}
	SortInstances(out)
	return out
}

// TopZ is the highest z value handed out so far.
func (s *Scene) TopZ() int { return s.topZ }

func (s *Scene) notifyInstance(kind ChangeKind, inst Instance) {
	if s.observer == nil {
		return
	}
	s.observer(Change{Kind: kind, ID: inst.ID, Instance: inst.clone()})
}

func (s *Scene) notifyOccluder(kind ChangeKind, occ Occluder) {
	if s.observer == nil {
		return
	}
	s.observer(Change{Kind: kind, ID: occ.ID, Occluder: occ.clone()})
}

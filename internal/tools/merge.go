package tools

import (
	"errors"
	"fmt"
	"image"

	"dndemicube/server/internal/compose"
	"dndemicube/server/internal/geometry"
	"dndemicube/server/internal/scene"
)

// ErrMergeStale is returned when the merged instances changed while the
// composite was being rasterized.
var ErrMergeStale = errors.New("tools: merge sources changed")

// MergePlan captures a selection for rasterization off the writer goroutine.
// Layers and Bounds only hold copies, so Rasterize may run concurrently with
// further scene mutation.
type MergePlan struct {
	Layers  []compose.Layer
	Bounds  geometry.Rect
	TopZ    int
	sources []scene.Instance
	scene   *scene.Scene
}

// Rasterize draws the planned layers. It is safe to call from any goroutine.
func (p MergePlan) Rasterize() (*image.RGBA, error) {
	return compose.Rasterize(p.Layers, p.Bounds)
}

// Sources lists the ids of the instances the plan merges.
func (p MergePlan) Sources() []string {
	ids := make([]string, len(p.sources))
	for i, inst := range p.sources {
		ids[i] = inst.ID
	}
	return ids
}

// PlanMerge snapshots the selection for a merge without touching the scene.
func (m *Machine) PlanMerge() (MergePlan, error) {
	m.pruneSelection()
	if m.state != MergeReady || len(m.selection) < 2 {
		return MergePlan{}, fmt.Errorf("merge %d instances: %w", len(m.selection), ErrInsufficientSelection)
	}

	registry := m.scene.Assets()
	plan := MergePlan{scene: m.scene}
	for i, id := range m.selection {
		inst, err := m.scene.Instance(id)
		if err != nil {
			return MergePlan{}, err
		}
		if i == 0 {
			plan.Bounds = inst.Bounds()
			plan.TopZ = inst.ZOrder
		} else {
			plan.Bounds = plan.Bounds.Union(inst.Bounds())
			if inst.ZOrder > plan.TopZ {
				plan.TopZ = inst.ZOrder
			}
		}
		plan.sources = append(plan.sources, inst)
		plan.Layers = append(plan.Layers, compose.Layer{
			Image:     registry.Resolve(inst.AssetPath).Image,
			Footprint: inst.Footprint(),
			Rotation:  inst.Rotation,
			Opacity:   inst.Opacity,
			Z:         inst.ZOrder,
		})
	}
	return plan, nil
}

// CompleteMerge stores the rasterized composite in Favorites, removes the
// originals and places the composite at the top-left of their combined
// bounds. It fails with ErrMergeStale when any original was removed or
// redrawn since the plan was taken.
func (m *Machine) CompleteMerge(plan MergePlan, img image.Image) (Result, error) {
	if plan.scene != m.scene {
		return Result{}, fmt.Errorf("merge: scene replaced: %w", ErrMergeStale)
	}
	for _, src := range plan.sources {
		inst, err := m.scene.Instance(src.ID)
		if err != nil || !samePixels(inst, src) {
			return Result{}, fmt.Errorf("merge %s: %w", src.ID, ErrMergeStale)
		}
	}

	registry := m.scene.Assets()
	composite, err := registry.AddFavorite(img)
	if err != nil {
		return Result{}, fmt.Errorf("merge: %w", err)
	}

	res := Result{Composite: &composite}
	for _, src := range plan.sources {
		if err := m.scene.RemoveInstance(src.ID); err != nil {
			return res, err
		}
		res.Removed = append(res.Removed, src.ID)
	}
	w, h := composite.Size()
	placed := m.scene.AddInstance(scene.Instance{
		AssetPath: composite.Path,
		Name:      composite.Name,
		X:         plan.Bounds.MinX,
		Y:         plan.Bounds.MinY,
		Width:     w,
		Height:    h,
		Scale:     1,
		Opacity:   1,
		ZOrder:    plan.TopZ,
	})
	res.Placed = []scene.Instance{placed}

	m.selection = []string{placed.ID}
	m.active = placed.ID
	m.settleSelectState()
	res.Selection = m.Selection()
	return res, nil
}

// samePixels reports whether two versions of an instance rasterize alike.
func samePixels(a, b scene.Instance) bool {
	return a.AssetPath == b.AssetPath &&
		a.Footprint() == b.Footprint() &&
		a.Rotation == b.Rotation &&
		a.Opacity == b.Opacity &&
		a.ZOrder == b.ZOrder
}

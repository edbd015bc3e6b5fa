package tools

import (
	"math"
	"sort"

	"dndemicube/server/internal/geometry"
	"dndemicube/server/internal/scene"
)

func (m *Machine) selectDown(ev PointerEvent) Result {
	m.pruneSelection()
	p := ev.Point()
	m.start = p
	m.additive = ev.Modifiers.Has(ModAdditive)

	if m.active != "" {
		if inst, err := m.scene.Instance(m.active); err == nil && m.onResizeHandle(inst, ev) {
			m.gesture = gestureResize
			m.origins = map[string]scene.Instance{inst.ID: inst}
			return Result{Selection: m.Selection()}
		}
	}

	if hit, ok := m.hitTest(p); ok {
		switch {
		case contains(m.selection, hit.ID):
		case m.additive:
			m.selection = append(m.selection, hit.ID)
		default:
			m.selection = []string{hit.ID}
		}
		m.active = hit.ID
		m.gesture = gestureMove
		m.origins = make(map[string]scene.Instance, len(m.selection))
		for _, id := range m.selection {
			if inst, err := m.scene.Instance(id); err == nil {
				m.origins[id] = inst
			}
		}
		m.settleSelectState()
		return Result{Selection: m.Selection()}
	}

	if !m.additive {
		m.selection = nil
		m.active = ""
	}
	m.gesture = gestureMarquee
	m.marquee = geometry.RectFromPoints(p, p)
	m.settleSelectState()
	return Result{Selection: m.Selection()}
}

// hitTest picks the topmost instance under p; equal z prefers the smaller
// footprint.
func (m *Machine) hitTest(p geometry.Point) (scene.Instance, bool) {
	hits := m.scene.Query(geometry.RectFromPoints(p, p))
	if len(hits) == 0 {
		return scene.Instance{}, false
	}
	best := hits[len(hits)-1]
	for _, inst := range hits {
		if inst.ZOrder != best.ZOrder {
			continue
		}
		if inst.Footprint().Area() < best.Footprint().Area() {
			best = inst
		}
	}
	return best, true
}

// resizeHandle is the bottom-right corner of the rotated footprint.
func resizeHandle(inst scene.Instance) geometry.Point {
	fp := inst.Footprint()
	return geometry.Point{X: fp.MaxX, Y: fp.MaxY}.RotateAround(fp.Center(), inst.Rotation)
}

// onResizeHandle keeps the handle a fixed on-screen size whatever the zoom.
func (m *Machine) onResizeHandle(inst scene.Instance, ev PointerEvent) bool {
	reach := geometry.Fit{Scale: ev.ViewScale}.ScreenToWorldDistance(m.cfg.HandleTolerance)
	return resizeHandle(inst).Distance(ev.Point()) <= reach
}

func (m *Machine) moveTo(ev PointerEvent) (Result, error) {
	dx, dy := ev.X-m.start.X, ev.Y-m.start.Y
	var res Result
	for _, id := range m.selection {
		origin, ok := m.origins[id]
		if !ok {
			continue
		}
		updated, err := m.scene.UpdateInstance(id, scene.Patch{
			X: scene.Float(origin.X + dx),
			Y: scene.Float(origin.Y + dy),
		})
		if err != nil {
			return res, err
		}
		res.Updated = append(res.Updated, updated)
	}
	res.Selection = m.Selection()
	return res, nil
}

// resizeTo scales the active instance so its handle follows the pointer with
// the top-left corner fixed. The pointer is measured in the instance's
// unrotated frame.
func (m *Machine) resizeTo(ev PointerEvent) (Result, error) {
	origin, ok := m.origins[m.active]
	if !ok {
		return Result{}, nil
	}
	local := ev.Point().RotateAround(origin.Footprint().Center(), -origin.Rotation)
	wantW := local.X - origin.X
	wantH := local.Y - origin.Y

	var patch scene.Patch
	if ev.Modifiers.Has(ModFreeScale) {
		patch.Width = scene.Float(math.Max(wantW/origin.Scale, minScale*origin.Width))
		patch.Height = scene.Float(math.Max(wantH/origin.Scale, minScale*origin.Height))
	} else {
		s := math.Max(wantW/origin.Width, wantH/origin.Height)
		patch.Scale = scene.Float(math.Max(s, minScale))
	}
	updated, err := m.scene.UpdateInstance(m.active, patch)
	if err != nil {
		return Result{}, err
	}
	return Result{Updated: []scene.Instance{updated}, Selection: m.Selection()}, nil
}

func (m *Machine) finishMarquee() Result {
	hits := m.scene.Query(m.marquee)
	sortMarqueeHits(hits)
	if !m.additive {
		m.selection = nil
	}
	for _, inst := range hits {
		if !contains(m.selection, inst.ID) {
			m.selection = append(m.selection, inst.ID)
		}
	}
	m.active = ""
	if len(m.selection) > 0 {
		m.active = m.selection[0]
	}
	m.marquee = geometry.Rect{}
	m.settleSelectState()
	return Result{Selection: m.Selection()}
}

// sortMarqueeHits orders a marquee selection smallest footprint first, then
// higher z, then creation order.
func sortMarqueeHits(hits []scene.Instance) {
	sort.SliceStable(hits, func(a, b int) bool {
		areaA, areaB := hits[a].Footprint().Area(), hits[b].Footprint().Area()
		if areaA != areaB {
			return areaA < areaB
		}
		return hits[a].ZOrder > hits[b].ZOrder
	})
}

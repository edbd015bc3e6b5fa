package tools

import (
	"math"

	"dndemicube/server/internal/geometry"
	"dndemicube/server/internal/scene"
)

func (m *Machine) stamp(ev PointerEvent) (Result, error) {
	a, err := m.armedAsset()
	if err != nil {
		return Result{}, err
	}
	w, h := a.Size()
	inst := m.scene.AddInstance(scene.Instance{
		AssetPath: a.Path,
		Name:      a.Name,
		X:         ev.X,
		Y:         ev.Y,
		Width:     w,
		Height:    h,
		Scale:     1,
		Opacity:   1,
	})
	return Result{Placed: []scene.Instance{inst}}, nil
}

// ChainSpacing is the distance between chained stamps for the armed asset.
func (m *Machine) ChainSpacing() float64 {
	w, h := m.asset.Size()
	if w <= 0 || h <= 0 {
		return m.chainSpacing
	}
	spacing := math.Max(w, h) * m.cfg.ChainSpacingFraction
	if m.chainSpacing > 0 {
		spacing = m.chainSpacing
	}
	return math.Max(spacing, math.Min(w, h)*minChainSpacingFraction)
}

func (m *Machine) layChain(stroke geometry.Polyline) (Result, error) {
	a, err := m.armedAsset()
	if err != nil {
		return Result{}, err
	}
	w, h := a.Size()
	var res Result
	for _, sample := range stroke.Sample(m.ChainSpacing()) {
		inst := m.scene.AddInstance(scene.Instance{
			AssetPath: a.Path,
			Name:      a.Name,
			X:         sample.Point.X,
			Y:         sample.Point.Y,
			Width:     w,
			Height:    h,
			Scale:     1,
			Rotation:  sample.Angle,
			Opacity:   1,
		})
		res.Placed = append(res.Placed, inst)
	}
	return res, nil
}

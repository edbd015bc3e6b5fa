package scene

import (
	"dndemicube/server/internal/fog"
	"dndemicube/server/internal/geometry"
)

// Snapshot is a detached copy of the scene for rendering and keyframes.
type Snapshot struct {
	Map       *Map         `json:"map,omitempty"`
	Instances []Instance   `json:"instances"`
	Occluders []Occluder   `json:"occluders,omitempty"`
	Fog       fog.Snapshot `json:"fog"`
}

func (s *Scene) Snapshot() Snapshot {
	return Snapshot{
		Map:       s.Map(),
		Instances: s.Instances(),
		Occluders: s.Occluders(),
		Fog:       s.fog.Snapshot(),
	}
}

// ForPlayer drops hidden instances and the DM-only occluder layer.
func (s Snapshot) ForPlayer() Snapshot {
	out := Snapshot{Map: s.Map, Fog: s.Fog}
	out.Instances = make([]Instance, 0, len(s.Instances))
	for _, inst := range s.Instances {
		if inst.PlayerVisible() {
			out.Instances = append(out.Instances, inst)
		}
	}
	return out
}

// Instance finds an instance by id.
func (s Snapshot) Instance(id string) (Instance, bool) {
	for _, inst := range s.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return Instance{}, false
}

// Frame is everything a renderer needs to draw one surface at one output
// size.
type Frame struct {
	Scene     Snapshot
	Fog       fog.Snapshot
	Transform geometry.Fit
}

// Frame places the snapshot's map in a surface's viewport: the letterbox fit
// into its output size, then its zoom and pan. The transform is zero when no
// map is selected.
func (s Snapshot) Frame(vp geometry.Viewport) Frame {
	f := Frame{Scene: s, Fog: s.Fog}
	if s.Map != nil {
		f.Transform = vp.Transform(float64(s.Map.Width), float64(s.Map.Height))
	}
	return f
}

package scene

import (
	"fmt"
	"sort"

	"dndemicube/server/internal/fog"
)

// VisionDelta reports the fog cells changed by a vision refresh.
type VisionDelta struct {
	Revealed   []fog.Cell
	Remembered []fog.Cell
}

func (d VisionDelta) Empty() bool {
	return len(d.Revealed) == 0 && len(d.Remembered) == 0
}

// SetVisionSource starts or stops wandering for an instance. Starting sets the
// radius in map pixels; stopping removes the source so its last view freezes
// into remembered fog on the next refresh.
func (s *Scene) SetVisionSource(id string, radius float64, active bool) (Instance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("set vision source %s: %w", id, ErrNotFound)
	}
	if !Finite(radius) {
		return Instance{}, fmt.Errorf("set vision source %s: %w", id, ErrInvalidGeometry)
	}
	if active {
		if radius < 0 {
			radius = 0
		}
		inst.Vision = &Vision{Radius: radius}
	} else {
		inst.Vision = nil
	}
	s.notifyInstance(ChangeInstanceUpsert, *inst)
	return inst.clone(), nil
}

// VisionSources lists the active sources centred on their instances, ordered
// by instance id.
func (s *Scene) VisionSources() []fog.Source {
	var out []fog.Source
	for _, inst := range s.instances {
		if inst.Vision == nil {
			continue
		}
		out = append(out, fog.Source{ID: inst.ID, Center: inst.Center(), Radius: inst.Vision.Radius})
	}
	sort.Slice(out, func(a, b int) bool {
		return idSequence(out[a].ID) < idSequence(out[b].ID)
	})
	return out
}

// RefreshVision reveals everything the active sources see, then settles the
// cells no active source covers into remembered fog.
func (s *Scene) RefreshVision() VisionDelta {
	sources := s.VisionSources()
	s.fog.SetOccluders(s.BlockingSegments())
	s.fog.SetSolids(s.Solids())
	return VisionDelta{
		Revealed:   s.fog.ComputeVisibility(sources),
		Remembered: s.fog.Settle(sources),
	}
}

// AddCombatant places a token for a character joining initiative. The first
// token for a character keeps its name; later ones are named "Token <name>".
func (s *Scene) AddCombatant(characterID, name, assetPath string, x, y float64) Instance {
	key := characterID
	if key == "" {
		key = name
	}
	count := s.roster[key]
	s.roster[key] = count + 1
	display := name
	if count > 0 {
		display = "Token " + name
	}
	return s.AddInstance(Instance{
		AssetPath:   assetPath,
		Name:        display,
		CharacterID: characterID,
		X:           x,
		Y:           y,
		Scale:       1,
		Opacity:     1,
	})
}

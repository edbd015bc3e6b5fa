package scene

import (
	"fmt"
	"sort"
	"strconv"

	"dndemicube/server/internal/geometry"
)

type OccluderKind string

const (
	OccluderWall   OccluderKind = "wall"
	OccluderDoor   OccluderKind = "door"
	OccluderObject OccluderKind = "object"
)

// Occluder is a wall polyline, a door segment or an object outline. Walls and
// objects always block sight; doors block only while closed. An object's
// points form a closed polygon that shadows what lies behind it.
type Occluder struct {
	ID     string           `json:"id"`
	Kind   OccluderKind     `json:"kind"`
	Points []geometry.Point `json:"points"`
	Open   bool             `json:"open,omitempty"`
}

func (o Occluder) Blocks() bool {
	return o.Kind != OccluderDoor || !o.Open
}

func (o Occluder) Segments() []geometry.Segment {
	if len(o.Points) < 2 {
		return nil
	}
	out := make([]geometry.Segment, 0, len(o.Points)-1)
	for i := 1; i < len(o.Points); i++ {
		out = append(out, geometry.Segment{A: o.Points[i-1], B: o.Points[i]})
	}
	return out
}

func (o Occluder) clone() Occluder {
	o.Points = append([]geometry.Point(nil), o.Points...)
	return o
}

func (s *Scene) AddWall(points []geometry.Point) (Occluder, error) {
	if len(points) < 2 {
		return Occluder{}, fmt.Errorf("add wall: need at least two points, got %d", len(points))
	}
	if !finitePoints(points) {
		return Occluder{}, fmt.Errorf("add wall: %w", ErrInvalidGeometry)
	}
	return s.addOccluder(Occluder{Kind: OccluderWall, Points: points}), nil
}

// AddObject outlines an object such as a pillar or a tent with at least three
// points.
func (s *Scene) AddObject(points []geometry.Point) (Occluder, error) {
	if len(points) < 3 {
		return Occluder{}, fmt.Errorf("add object: need at least three points, got %d", len(points))
	}
	if !finitePoints(points) {
		return Occluder{}, fmt.Errorf("add object: %w", ErrInvalidGeometry)
	}
	return s.addOccluder(Occluder{Kind: OccluderObject, Points: points}), nil
}

func (s *Scene) AddDoor(a, b geometry.Point) (Occluder, error) {
	if !finitePoints([]geometry.Point{a, b}) {
		return Occluder{}, fmt.Errorf("add door: %w", ErrInvalidGeometry)
	}
	return s.addOccluder(Occluder{Kind: OccluderDoor, Points: []geometry.Point{a, b}}), nil
}

func finitePoints(points []geometry.Point) bool {
	for _, p := range points {
		if !Finite(p.X, p.Y) {
			return false
		}
	}
	return true
}

func (s *Scene) addOccluder(o Occluder) Occluder {
	s.nextOccluder++
	o.ID = o.idPrefix() + strconv.FormatUint(s.nextOccluder, 10)
	stored := o.clone()
	s.occluders[stored.ID] = &stored
	s.notifyOccluder(ChangeOccluderUpsert, stored)
	return stored.clone()
}

func (o Occluder) idPrefix() string {
	switch o.Kind {
	case OccluderDoor:
		return "door-"
	case OccluderObject:
		return "object-"
	default:
		return "wall-"
	}
}

func (s *Scene) SetDoorOpen(id string, open bool) (Occluder, error) {
	o, ok := s.occluders[id]
	if !ok || o.Kind != OccluderDoor {
		return Occluder{}, fmt.Errorf("set door %s: %w", id, ErrNotFound)
	}
	o.Open = open
	s.notifyOccluder(ChangeOccluderUpsert, *o)
	return o.clone(), nil
}

func (s *Scene) RemoveOccluder(id string) error {
	o, ok := s.occluders[id]
	if !ok {
		return fmt.Errorf("remove occluder %s: %w", id, ErrNotFound)
	}
	delete(s.occluders, id)
	s.notifyOccluder(ChangeOccluderRemoved, *o)
	return nil
}

// Occluders lists walls, doors and objects in creation order.
func (s *Scene) Occluders() []Occluder {
	out := make([]Occluder, 0, len(s.occluders))
	for _, o := range s.occluders {
		out = append(out, o.clone())
	}
	sortOccluders(out)
	return out
}

// BlockingSegments flattens every wall and closed door into segments.
func (s *Scene) BlockingSegments() []geometry.Segment {
	var out []geometry.Segment
	for _, o := range s.Occluders() {
		if o.Kind != OccluderObject && o.Blocks() {
			out = append(out, o.Segments()...)
		}
	}
	return out
}

// Solids returns every object outline.
func (s *Scene) Solids() []geometry.Polygon {
	var out []geometry.Polygon
	for _, o := range s.Occluders() {
		if o.Kind == OccluderObject {
			out = append(out, geometry.Polygon(o.Points))
		}
	}
	return out
}

func sortOccluders(list []Occluder) {
	sort.Slice(list, func(a, b int) bool {
		return occluderSeq(list[a].ID) < occluderSeq(list[b].ID)
	})
}

func occluderSeq(id string) uint64 {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '-' {
			n, _ := strconv.ParseUint(id[i+1:], 10, 64)
			return n
		}
	}
	return 0
}

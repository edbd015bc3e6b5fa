package scene

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"dndemicube/server/internal/geometry"
)

const instanceIDPrefix = "inst-"

// Map is the immutable reference to the active map image.
type Map struct {
	AssetPath string `json:"assetPath"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Aspect is width over height, zero for a degenerate map.
func (m Map) Aspect() float64 {
	if m.Height <= 0 {
		return 0
	}
	return float64(m.Width) / float64(m.Height)
}

func (m Map) Bounds() geometry.Rect {
	return geometry.RectFromSize(0, 0, float64(m.Width), float64(m.Height))
}

// Vision marks an instance as a wandering vision source.
type Vision struct {
	Radius float64 `json:"radius"`
}

// Instance is a placed asset. X and Y are the top-left corner of the unrotated
// footprint; Rotation turns the footprint about its centre. Width and Height
// are the base size in world units, taken from the asset's pixel size at
// placement and changed only by free scaling.
type Instance struct {
	ID          string  `json:"id"`
	AssetPath   string  `json:"assetPath"`
	Name        string  `json:"name,omitempty"`
	CharacterID string  `json:"characterId,omitempty"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Scale       float64 `json:"scale"`
	Rotation    float64 `json:"rotation"`
	Opacity     float64 `json:"opacity"`
	ZOrder      int     `json:"z"`
	Hidden      bool    `json:"hidden,omitempty"`
	Vision      *Vision `json:"vision,omitempty"`
}

// PlayerVisible reports whether the instance is projected to players.
func (i Instance) PlayerVisible() bool { return !i.Hidden }

// Footprint is the unrotated rectangle covered by the scaled asset.
func (i Instance) Footprint() geometry.Rect {
	return geometry.RectFromSize(i.X, i.Y, i.Width*i.Scale, i.Height*i.Scale)
}

// Bounds is the axis-aligned box around the rotated footprint.
func (i Instance) Bounds() geometry.Rect {
	return geometry.RotatedBounds(i.Footprint(), i.Rotation)
}

func (i Instance) Center() geometry.Point {
	return i.Footprint().Center()
}

func (i Instance) clone() Instance {
	if i.Vision != nil {
		v := *i.Vision
		i.Vision = &v
	}
	return i
}

// Patch carries the optional fields of an instance update. Nil fields are
// left untouched.
type Patch struct {
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Scale    *float64 `json:"scale,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
	Opacity  *float64 `json:"opacity,omitempty"`
	Name     *string  `json:"name,omitempty"`
	Hidden   *bool    `json:"hidden,omitempty"`
}

func Float(v float64) *float64 { return &v }
func String(v string) *string  { return &v }
func Bool(v bool) *bool        { return &v }

func (p Patch) Empty() bool {
	return p.X == nil && p.Y == nil && p.Scale == nil && p.Width == nil && p.Height == nil && p.Rotation == nil &&
		p.Opacity == nil && p.Name == nil && p.Hidden == nil
}

func (p Patch) finite() bool {
	for _, v := range []*float64{p.X, p.Y, p.Scale, p.Width, p.Height, p.Rotation, p.Opacity} {
		if v != nil && !Finite(*v) {
			return false
		}
	}
	return true
}

// Finite reports whether every value is neither NaN nor infinite.
func Finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (p Patch) applyTo(inst *Instance) {
	if p.X != nil {
		inst.X = *p.X
	}
	if p.Y != nil {
		inst.Y = *p.Y
	}
	if p.Scale != nil && *p.Scale > 0 {
		inst.Scale = *p.Scale
	}
	if p.Width != nil && *p.Width > 0 {
		inst.Width = *p.Width
	}
	if p.Height != nil && *p.Height > 0 {
		inst.Height = *p.Height
	}
	if p.Rotation != nil {
		inst.Rotation = *p.Rotation
	}
	if p.Opacity != nil {
		inst.Opacity = clampOpacity(*p.Opacity)
	}
	if p.Name != nil {
		inst.Name = *p.Name
	}
	if p.Hidden != nil {
		inst.Hidden = *p.Hidden
	}
}

func clampOpacity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func formatID(seq uint64) string {
	return fmt.Sprintf("%s%d", instanceIDPrefix, seq)
}

// idSequence recovers the numeric part of an instance id, zero when the id is
// not in the inst-N form.
func idSequence(id string) uint64 {
	if !strings.HasPrefix(id, instanceIDPrefix) {
		return 0
	}
	n, err := strconv.ParseUint(id[len(instanceIDPrefix):], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// SortInstances orders back to front: ascending z, then creation order.
func SortInstances(list []Instance) {
	sort.SliceStable(list, func(a, b int) bool {
		if list[a].ZOrder != list[b].ZOrder {
			return list[a].ZOrder < list[b].ZOrder
		}
		sa, sb := idSequence(list[a].ID), idSequence(list[b].ID)
		if sa != sb {
			return sa < sb
		}
		return list[a].ID < list[b].ID
	})
}

// Package geometry holds the pure math shared by the DM and player surfaces:
// points and rectangles in world units, rotated bounds, polyline sampling and
// segment intersection.
package geometry

import "math"

const epsilon = 1e-9

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Add(o Point) Point { return Point{X: p.X + o.X, Y: p.Y + o.Y} }
func (p Point) Sub(o Point) Point { return Point{X: p.X - o.X, Y: p.Y - o.Y} }

func (p Point) Distance(o Point) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// RotateAround rotates p by angle radians about pivot.
func (p Point) RotateAround(pivot Point, angle float64) Point {
	if angle == 0 {
		return p
	}
	sin, cos := math.Sincos(angle)
	dx, dy := p.X-pivot.X, p.Y-pivot.Y
	return Point{
		X: pivot.X + dx*cos - dy*sin,
		Y: pivot.Y + dx*sin + dy*cos,
	}
}

// Rect is an axis-aligned rectangle. Min is inclusive of the top-left corner.
type Rect struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

func RectFromSize(x, y, w, h float64) Rect {
	return Rect{MinX: x, MinY: y, MaxX: x + w, MaxY: y + h}.Canon()
}

// RectFromPoints builds the rectangle spanned by two corners in any order.
func RectFromPoints(a, b Point) Rect {
	return Rect{MinX: a.X, MinY: a.Y, MaxX: b.X, MaxY: b.Y}.Canon()
}

// Canon swaps inverted edges so Min <= Max on both axes.
func (r Rect) Canon() Rect {
	if r.MinX > r.MaxX {
		r.MinX, r.MaxX = r.MaxX, r.MinX
	}
	if r.MinY > r.MaxY {
		r.MinY, r.MaxY = r.MaxY, r.MinY
	}
	return r
}

func (r Rect) Width() float64  { return r.MaxX - r.MinX }
func (r Rect) Height() float64 { return r.MaxY - r.MinY }
func (r Rect) Area() float64   { return r.Width() * r.Height() }

func (r Rect) Center() Point {
	return Point{X: (r.MinX + r.MaxX) / 2, Y: (r.MinY + r.MaxY) / 2}
}

func (r Rect) Min() Point { return Point{X: r.MinX, Y: r.MinY} }

func (r Rect) Contains(p Point) bool {
	return p.X >= r.MinX && p.X <= r.MaxX && p.Y >= r.MinY && p.Y <= r.MaxY
}

// Intersects reports whether the closed rectangles share any point, so a
// zero-area rectangle acts as a point probe.
func (r Rect) Intersects(o Rect) bool {
	return r.MinX <= o.MaxX && o.MinX <= r.MaxX && r.MinY <= o.MaxY && o.MinY <= r.MaxY
}

func (r Rect) Union(o Rect) Rect {
	return Rect{
		MinX: math.Min(r.MinX, o.MinX),
		MinY: math.Min(r.MinY, o.MinY),
		MaxX: math.Max(r.MaxX, o.MaxX),
		MaxY: math.Max(r.MaxY, o.MaxY),
	}
}

// Corners lists the corners clockwise starting at the top-left.
func (r Rect) Corners() [4]Point {
	return [4]Point{
		{X: r.MinX, Y: r.MinY},
		{X: r.MaxX, Y: r.MinY},
		{X: r.MaxX, Y: r.MaxY},
		{X: r.MinX, Y: r.MaxY},
	}
}

// RotatedBounds returns the axis-aligned bounds of r rotated by angle radians
// about its centre.
func RotatedBounds(r Rect, angle float64) Rect {
	if angle == 0 {
		return r
	}
	c := r.Center()
	corners := r.Corners()
	out := Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, p := range corners {
		q := p.RotateAround(c, angle)
		out.MinX = math.Min(out.MinX, q.X)
		out.MinY = math.Min(out.MinY, q.Y)
		out.MaxX = math.Max(out.MaxX, q.X)
		out.MaxY = math.Max(out.MaxY, q.Y)
	}
	return out
}

// Segment is a line segment between two world points.
type Segment struct {
	A Point `json:"a"`
	B Point `json:"b"`
}

// Crosses reports whether the segments properly intersect or touch.
func (s Segment) Crosses(o Segment) bool {
	d1 := orient(o.A, o.B, s.A)
	d2 := orient(o.A, o.B, s.B)
	d3 := orient(s.A, s.B, o.A)
	d4 := orient(s.A, s.B, o.B)
	if ((d1 > epsilon && d2 < -epsilon) || (d1 < -epsilon && d2 > epsilon)) &&
		((d3 > epsilon && d4 < -epsilon) || (d3 < -epsilon && d4 > epsilon)) {
		return true
	}
	switch {
	case math.Abs(d1) <= epsilon && onSegment(o.A, o.B, s.A):
		return true
	case math.Abs(d2) <= epsilon && onSegment(o.A, o.B, s.B):
		return true
	case math.Abs(d3) <= epsilon && onSegment(s.A, s.B, o.A):
		return true
	case math.Abs(d4) <= epsilon && onSegment(s.A, s.B, o.B):
		return true
	}
	return false
}

// Polygon is a closed ring; the last point joins the first.
type Polygon []Point

// Edges returns the ring's sides, including the closing one.
func (p Polygon) Edges() []Segment {
	if len(p) < 2 {
		return nil
	}
	out := make([]Segment, len(p))
	for i := range p {
		out[i] = Segment{A: p[i], B: p[(i+1)%len(p)]}
	}
	return out
}

// Contains reports whether pt lies inside the ring by the even-odd rule.
func (p Polygon) Contains(pt Point) bool {
	inside := false
	for i, j := 0, len(p)-1; i < len(p); j, i = i, i+1 {
		a, b := p[i], p[j]
		if (a.Y > pt.Y) != (b.Y > pt.Y) &&
			pt.X < (b.X-a.X)*(pt.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
	}
	return inside
}

// OutwardNormal returns an unnormalised normal of edge i pointing away from
// the interior, whichever way the ring winds.
func (p Polygon) OutwardNormal(i int) Point {
	a, b := p[i], p[(i+1)%len(p)]
	n := Point{X: b.Y - a.Y, Y: a.X - b.X}
	if p.signedArea() < 0 {
		n = Point{X: -n.X, Y: -n.Y}
	}
	return n
}

func (p Polygon) signedArea() float64 {
	var sum float64
	for i := range p {
		a, b := p[i], p[(i+1)%len(p)]
		sum += a.X*b.Y - b.X*a.Y
	}
	return sum / 2
}

func orient(a, b, c Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

func onSegment(a, b, p Point) bool {
	return p.X >= math.Min(a.X, b.X)-epsilon && p.X <= math.Max(a.X, b.X)+epsilon &&
		p.Y >= math.Min(a.Y, b.Y)-epsilon && p.Y <= math.Max(a.Y, b.Y)+epsilon
}

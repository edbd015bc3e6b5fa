// Package fog tracks the tri-state fog-of-war grid laid over the active map.
package fog

import (
	"math"

	"dndemicube/server/internal/geometry"
)

// State is the visibility of one grid cell. Transitions only ever move
// forward: Unexplored to Visible, Visible to Remembered and back to Visible.
type State uint8

const (
	Unexplored State = iota
	Visible
	Remembered
)

func (s State) String() string {
	switch s {
	case Visible:
		return "visible"
	case Remembered:
		return "remembered"
	default:
		return "unexplored"
	}
}

// DefaultCellSize is the side of one fog cell in map pixels.
const DefaultCellSize = 10

type Cell struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

// Source is a circular vision emitter in map pixels.
type Source struct {
	ID     string         `json:"id"`
	Center geometry.Point `json:"center"`
	Radius float64        `json:"radius"`
}

// Grid is owned by a single writer; it performs no locking.
type Grid struct {
	cellSize  float64
	cols      int
	rows      int
	cells     []State
	occluders []geometry.Segment
	solids    []geometry.Polygon
}

func NewGrid(cellSize float64) *Grid {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &Grid{cellSize: cellSize}
}

// Reset allocates a grid covering the map with every cell Unexplored. Any
// occluders are dropped with the old map.
func (g *Grid) Reset(mapWidth, mapHeight int) {
	g.cols, g.rows = 0, 0
	g.cells = nil
	g.occluders = nil
	g.solids = nil
	if mapWidth <= 0 || mapHeight <= 0 {
		return
	}
	g.cols = int(math.Ceil(float64(mapWidth) / g.cellSize))
	g.rows = int(math.Ceil(float64(mapHeight) / g.cellSize))
	g.cells = make([]State, g.cols*g.rows)
}

func (g *Grid) CellSize() float64 { return g.cellSize }
func (g *Grid) Cols() int         { return g.cols }
func (g *Grid) Rows() int         { return g.rows }

// SetOccluders replaces the segments that block line of sight.
func (g *Grid) SetOccluders(segments []geometry.Segment) {
	g.occluders = append(g.occluders[:0:0], segments...)
}

// SetSolids replaces the polygons that cast shadows. A source outside a solid
// sees into it but not past it; a source inside sees nothing beyond its
// edges.
func (g *Grid) SetSolids(polygons []geometry.Polygon) {
	g.solids = g.solids[:0:0]
	for _, p := range polygons {
		if len(p) >= 3 {
			g.solids = append(g.solids, append(geometry.Polygon(nil), p...))
		}
	}
}

func (g *Grid) State(col, row int) State {
	if !g.inBounds(col, row) {
		return Unexplored
	}
	return g.cells[row*g.cols+col]
}

// CellCenter returns the centre of the cell in map pixels.
func (g *Grid) CellCenter(col, row int) geometry.Point {
	return geometry.Point{
		X: (float64(col) + 0.5) * g.cellSize,
		Y: (float64(row) + 0.5) * g.cellSize,
	}
}

// ComputeVisibility marks every cell whose centre lies within a source's
// radius, and has an unobstructed line to the source, as Visible. It returns
// the cells that transitioned into Visible.
func (g *Grid) ComputeVisibility(sources []Source) []Cell {
	var changed []Cell
	for _, src := range sources {
		g.eachCovered(src, func(col, row int) {
			idx := row*g.cols + col
			if g.cells[idx] == Visible {
				return
			}
			g.cells[idx] = Visible
			changed = append(changed, Cell{Col: col, Row: row})
		})
	}
	return changed
}

// Settle demotes every Visible cell not covered by an active source to
// Remembered and returns the demoted cells. Unexplored cells are untouched.
func (g *Grid) Settle(active []Source) []Cell {
	if len(g.cells) == 0 {
		return nil
	}
	covered := make([]bool, len(g.cells))
	for _, src := range active {
		g.eachCovered(src, func(col, row int) {
			covered[row*g.cols+col] = true
		})
	}
	var changed []Cell
	for idx, state := range g.cells {
		if state != Visible || covered[idx] {
			continue
		}
		g.cells[idx] = Remembered
		changed = append(changed, Cell{Col: idx % g.cols, Row: idx / g.cols})
	}
	return changed
}

// Apply overwrites individual cells. It is used by mirrors replaying deltas.
func (g *Grid) Apply(updates []CellUpdate) {
	for _, u := range updates {
		if g.inBounds(u.Col, u.Row) {
			g.cells[u.Row*g.cols+u.Col] = u.State
		}
	}
}

// eachCovered visits the cells src can see. The grid's edge bounds sight, so
// a source off the grid sees nothing.
func (g *Grid) eachCovered(src Source, fn func(col, row int)) {
	if src.Radius < 0 || len(g.cells) == 0 {
		return
	}
	if src.Center.X < 0 || src.Center.Y < 0 ||
		src.Center.X > float64(g.cols)*g.cellSize || src.Center.Y > float64(g.rows)*g.cellSize {
		return
	}
	minCol := clamp(int(math.Floor((src.Center.X-src.Radius)/g.cellSize)), 0, g.cols-1)
	maxCol := clamp(int(math.Floor((src.Center.X+src.Radius)/g.cellSize)), 0, g.cols-1)
	minRow := clamp(int(math.Floor((src.Center.Y-src.Radius)/g.cellSize)), 0, g.rows-1)
	maxRow := clamp(int(math.Floor((src.Center.Y+src.Radius)/g.cellSize)), 0, g.rows-1)
	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			center := g.CellCenter(col, row)
			if center.Distance(src.Center) > src.Radius {
				continue
			}
			if g.blocked(src.Center, center) {
				continue
			}
			fn(col, row)
		}
	}
}

func (g *Grid) blocked(from, to geometry.Point) bool {
	if len(g.occluders) == 0 && len(g.solids) == 0 {
		return false
	}
	ray := geometry.Segment{A: from, B: to}
	for _, wall := range g.occluders {
		if ray.Crosses(wall) {
			return true
		}
	}
	dx, dy := to.X-from.X, to.Y-from.Y
	for _, solid := range g.solids {
		inside := solid.Contains(from)
		for i, edge := range solid.Edges() {
			if !ray.Crosses(edge) {
				continue
			}
			// From outside only the sides the ray leaves through block.
			n := solid.OutwardNormal(i)
			if inside || dx*n.X+dy*n.Y > 0 {
				return true
			}
		}
	}
	return false
}

func (g *Grid) inBounds(col, row int) bool {
	return col >= 0 && row >= 0 && col < g.cols && row < g.rows
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// VisionRadiusFromFeet converts a character's vision range in feet into map
// pixels using the grid square size in feet and the grid square size in
// pixels. Non-positive grid values fall back to 5 ft squares of 50 px.
func VisionRadiusFromFeet(feet, gridSquareFeet, gridScale float64) float64 {
	if gridSquareFeet <= 0 {
		gridSquareFeet = 5
	}
	if gridScale <= 0 {
		gridScale = 50
	}
	if feet <= 0 {
		return 0
	}
	return feet / gridSquareFeet * gridScale
}

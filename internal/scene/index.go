package scene

import (
	"math"

	"dndemicube/server/internal/geometry"
)

const defaultIndexCellSize = 64.0

type cellKey struct {
	X int
	Y int
}

// spatialIndex buckets instance ids by the grid cells their bounds overlap.
type spatialIndex struct {
	cellSize    float64
	invCellSize float64
	cells       map[cellKey][]string
	entries     map[string][]cellKey
}

func newSpatialIndex(cellSize float64) *spatialIndex {
	if cellSize <= 0 {
		cellSize = defaultIndexCellSize
	}
	return &spatialIndex{
		cellSize:    cellSize,
		invCellSize: 1.0 / cellSize,
		cells:       make(map[cellKey][]string),
		entries:     make(map[string][]cellKey),
	}
}

func (idx *spatialIndex) upsert(id string, bounds geometry.Rect) {
	if old, ok := idx.entries[id]; ok {
		idx.removeFromCells(id, old)
	}
	cells := idx.cellsFor(bounds)
	idx.entries[id] = cells
	for _, cell := range cells {
		idx.cells[cell] = append(idx.cells[cell], id)
	}
}

func (idx *spatialIndex) remove(id string) {
	cells, ok := idx.entries[id]
	if !ok {
		return
	}
	idx.removeFromCells(id, cells)
	delete(idx.entries, id)
}

// candidates returns the ids whose cells overlap the region. Callers refine
// the result against exact bounds.
func (idx *spatialIndex) candidates(region geometry.Rect) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, cell := range idx.cellsFor(region) {
		for _, id := range idx.cells[cell] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (idx *spatialIndex) removeFromCells(id string, cells []cellKey) {
	for _, cell := range cells {
		bucket := idx.cells[cell]
		for i := range bucket {
			if bucket[i] != id {
				continue
			}
			bucket[i] = bucket[len(bucket)-1]
			bucket = bucket[:len(bucket)-1]
			break
		}
		if len(bucket) == 0 {
			delete(idx.cells, cell)
		} else {
			idx.cells[cell] = bucket
		}
	}
}

func (idx *spatialIndex) cellsFor(r geometry.Rect) []cellKey {
	minX := idx.coordToCell(r.MinX)
	minY := idx.coordToCell(r.MinY)
	maxX := idx.coordToCell(r.MaxX)
	maxY := idx.coordToCell(r.MaxY)
	cells := make([]cellKey, 0, (maxX-minX+1)*(maxY-minY+1))
	for row := minY; row <= maxY; row++ {
		for col := minX; col <= maxX; col++ {
			cells = append(cells, cellKey{X: col, Y: row})
		}
	}
	return cells
}

func (idx *spatialIndex) coordToCell(value float64) int {
	return int(math.Floor(value * idx.invCellSize))
}

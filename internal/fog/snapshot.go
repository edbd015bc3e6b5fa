package fog

// Occlusion is how the player renderer draws a cell.
type Occlusion uint8

const (
	Clear Occlusion = iota
	Dimmed
	Opaque
)

// CellUpdate carries a single cell transition on the wire.
type CellUpdate struct {
	Col   int   `json:"col"`
	Row   int   `json:"row"`
	State State `json:"state"`
}

// Snapshot is an immutable copy of the grid. Cells are row-major and encode
// as base64 in JSON.
type Snapshot struct {
	Cols     int     `json:"cols"`
	Rows     int     `json:"rows"`
	CellSize float64 `json:"cellSize"`
	Cells    []State `json:"cells"`
}

func (g *Grid) Snapshot() Snapshot {
	return Snapshot{
		Cols:     g.cols,
		Rows:     g.rows,
		CellSize: g.cellSize,
		Cells:    append([]State(nil), g.cells...),
	}
}

// Restore replaces the grid contents with the snapshot.
func (g *Grid) Restore(s Snapshot) {
	if s.CellSize > 0 {
		g.cellSize = s.CellSize
	}
	g.cols, g.rows = s.Cols, s.Rows
	g.cells = make([]State, s.Cols*s.Rows)
	copy(g.cells, s.Cells)
}

func (s Snapshot) StateAt(col, row int) State {
	if col < 0 || row < 0 || col >= s.Cols || row >= s.Rows {
		return Unexplored
	}
	idx := row*s.Cols + col
	if idx >= len(s.Cells) {
		return Unexplored
	}
	return s.Cells[idx]
}

// Render maps the cell state onto the player occlusion contract.
func (s Snapshot) Render(col, row int) Occlusion {
	switch s.StateAt(col, row) {
	case Visible:
		return Clear
	case Remembered:
		return Dimmed
	default:
		return Opaque
	}
}

// Counts tallies cells per state.
func (s Snapshot) Counts() map[State]int {
	counts := map[State]int{Unexplored: 0, Visible: 0, Remembered: 0}
	for _, c := range s.Cells {
		counts[c]++
	}
	return counts
}

// Updates expands the given cells into state-carrying updates for g.
func (g *Grid) Updates(cells []Cell) []CellUpdate {
	if len(cells) == 0 {
		return nil
	}
	out := make([]CellUpdate, 0, len(cells))
	for _, c := range cells {
		out = append(out, CellUpdate{Col: c.Col, Row: c.Row, State: g.State(c.Col, c.Row)})
	}
	return out
}

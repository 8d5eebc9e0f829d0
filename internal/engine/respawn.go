package engine

// respawn finds a fresh three-cell body for a collided actor. It prefers
// placements with margin from the walls whose cells, and the cell immediately
// ahead of the new head, are all unoccupied. When the interior is packed it
// falls back to a fixed set of corner placements, and as a last resort forces
// the first corner even if it overlaps, so the duel always makes progress.
// The search order is fixed, which keeps respawns deterministic.
func (e *Engine) respawn(occ map[Cell]int) (Direction, []Cell) {
	headings := [4]Direction{DirRight, DirDown, DirLeft, DirUp}

	for y := respawnMargin; y < e.state.Height-respawnMargin; y++ {
		for x := respawnMargin; x < e.state.Width-respawnMargin; x++ {
			head := Cell{X: x, Y: y}
			for _, heading := range headings {
				if body, ok := e.placementAt(head, heading, occ); ok {
					return heading, body
				}
			}
		}
	}

	for _, corner := range e.cornerPlacements() {
		if body, ok := e.placementAt(corner.head, corner.heading, occ); ok {
			return corner.heading, body
		}
	}

	forced := e.cornerPlacements()[0]
	return forced.heading, e.clampedBody(forced.head, forced.heading)
}

type cornerPlacement struct {
	head    Cell
	heading Direction
}

func (e *Engine) cornerPlacements() [4]cornerPlacement {
	w, h := e.state.Width, e.state.Height
	return [4]cornerPlacement{
		{head: Cell{X: respawnLength - 1, Y: 1}, heading: DirRight},
		{head: Cell{X: w - respawnLength, Y: 1}, heading: DirLeft},
		{head: Cell{X: respawnLength - 1, Y: h - 2}, heading: DirRight},
		{head: Cell{X: w - respawnLength, Y: h - 2}, heading: DirLeft},
	}
}

// placementAt validates that a body spawned at head facing heading fits on
// the board and overlaps nothing, including the cell ahead of the head.
func (e *Engine) placementAt(head Cell, heading Direction, occ map[Cell]int) ([]Cell, bool) {
	body := spawnBody(head, heading)
	for _, cell := range body {
		if !e.inBounds(cell) || occ[cell] > 0 {
			return nil, false
		}
	}
	ahead := head.step(heading)
	if !e.inBounds(ahead) || occ[ahead] > 0 {
		return nil, false
	}
	return body, true
}

// clampedBody builds the forced last-resort body, pinning every cell onto the
// board so degenerate grid sizes still yield a valid snake.
func (e *Engine) clampedBody(head Cell, heading Direction) []Cell {
	body := spawnBody(head, heading)
	for i := range body {
		body[i] = e.clamp(body[i])
	}
	return body
}

func (e *Engine) inBounds(c Cell) bool {
	return c.X >= 0 && c.X < e.state.Width && c.Y >= 0 && c.Y < e.state.Height
}

func (e *Engine) clamp(c Cell) Cell {
	if c.X < 0 {
		c.X = 0
	}
	if c.X >= e.state.Width {
		c.X = e.state.Width - 1
	}
	if c.Y < 0 {
		c.Y = 0
	}
	if c.Y >= e.state.Height {
		c.Y = e.state.Height - 1
	}
	return c
}

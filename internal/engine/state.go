package engine

// Slot identifies one of the two fixed actor positions in a duel.
type Slot string

const (
	SlotFirst  Slot = "first"
	SlotSecond Slot = "second"
)

// ParseSlot validates a wire-supplied slot name.
func ParseSlot(value string) (Slot, bool) {
	switch Slot(value) {
	case SlotFirst, SlotSecond:
		return Slot(value), true
	default:
		return "", false
	}
}

// Other returns the opposing slot.
func (s Slot) Other() Slot {
	if s == SlotFirst {
		return SlotSecond
	}
	return SlotFirst
}

func (s Slot) index() int {
	if s == SlotSecond {
		return 1
	}
	return 0
}

// Direction is a cardinal heading on the grid.
type Direction string

const (
	DirUp    Direction = "up"
	DirDown  Direction = "down"
	DirLeft  Direction = "left"
	DirRight Direction = "right"
)

// ParseDirection validates a wire-supplied direction.
func ParseDirection(value string) (Direction, bool) {
	switch Direction(value) {
	case DirUp, DirDown, DirLeft, DirRight:
		return Direction(value), true
	default:
		return "", false
	}
}

// Opposite returns the reverse heading.
func (d Direction) Opposite() Direction {
	switch d {
	case DirUp:
		return DirDown
	case DirDown:
		return DirUp
	case DirLeft:
		return DirRight
	case DirRight:
		return DirLeft
	default:
		return ""
	}
}

func (d Direction) delta() (int, int) {
	switch d {
	case DirUp:
		return 0, -1
	case DirDown:
		return 0, 1
	case DirLeft:
		return -1, 0
	case DirRight:
		return 1, 0
	default:
		return 0, 0
	}
}

// Cell addresses one grid square. The origin is the top-left corner.
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Cell) step(d Direction) Cell {
	dx, dy := d.delta()
	return Cell{X: c.X + dx, Y: c.Y + dy}
}

// Status tracks the lifecycle of a duel.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// Actor is the public view of one snake. Body is ordered head-first and is
// never empty. Alive is false only during the respawn cooldown window.
type Actor struct {
	Slot     Slot      `json:"slot"`
	Heading  Direction `json:"heading"`
	Body     []Cell    `json:"body"`
	Score    int       `json:"score"`
	Alive    bool      `json:"alive"`
	Ready    bool      `json:"ready"`
	Cooldown int       `json:"cooldown"`
}

func (a Actor) head() Cell {
	return a.Body[0]
}

func (a Actor) clone() Actor {
	cloned := a
	cloned.Body = append([]Cell(nil), a.Body...)
	return cloned
}

// State is a full simulation snapshot. Clones of it are safe to hand to other
// goroutines or serialize onto the wire.
type State struct {
	Status     Status   `json:"status"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Fruit      Cell     `json:"fruit"`
	Actors     [2]Actor `json:"actors"`
	Winner     *Slot    `json:"winner,omitempty"`
	TickMillis int64    `json:"tickMillis"`
	Tick       uint64   `json:"t"`
}

// Clone deep-copies the snapshot.
func (s State) Clone() State {
	cloned := s
	for i := range s.Actors {
		cloned.Actors[i] = s.Actors[i].clone()
	}
	if s.Winner != nil {
		winner := *s.Winner
		cloned.Winner = &winner
	}
	return cloned
}

// ActorBySlot returns the actor occupying the given slot.
func (s State) ActorBySlot(slot Slot) Actor {
	return s.Actors[slot.index()]
}

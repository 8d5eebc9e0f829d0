// Package engine implements the deterministic snake duel simulation. The
// engine is a pure tick machine: given the same seed and the same intents on
// the same tick boundaries, two instances produce identical state sequences.
package engine

import (
	"math/rand"
	"time"
)

const (
	respawnLength        = 3
	respawnCooldownTicks = 3
	respawnMargin        = 3
)

// Config describes the board and pacing of a duel. Zero fields fall back to
// defaults.
type Config struct {
	Width       int
	Height      int
	TargetScore int
	TickEvery   time.Duration
	Seed        int64
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 24
	}
	if c.Height <= 0 {
		c.Height = 16
	}
	if c.TargetScore <= 0 {
		c.TargetScore = 10
	}
	if c.TickEvery <= 0 {
		c.TickEvery = 150 * time.Millisecond
	}
	return c
}

type moveKind int

const (
	moveNormal moveKind = iota
	moveFruit
	moveWall
	moveBody
	moveCooldown
)

type movePlan struct {
	kind    moveKind
	heading Direction
	next    Cell
}

// Engine owns the authoritative duel state. It is not safe for concurrent
// use; the host serializes access on its tick loop.
type Engine struct {
	cfg     Config
	state   State
	pending [2]Direction
	rng     *rand.Rand
}

// New constructs an engine with both actors spawned and the first fruit
// placed. The random source is private and seeded from cfg.Seed so the engine
// stays deterministic in isolation from wall-clock time.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	midY := cfg.Height / 2
	e.state = State{
		Status:     StatusIdle,
		Width:      cfg.Width,
		Height:     cfg.Height,
		TickMillis: cfg.TickEvery.Milliseconds(),
		Actors: [2]Actor{
			{
				Slot:    SlotFirst,
				Heading: DirRight,
				Body:    spawnBody(Cell{X: respawnLength, Y: midY}, DirRight),
				Alive:   true,
			},
			{
				Slot:    SlotSecond,
				Heading: DirLeft,
				Body:    spawnBody(Cell{X: cfg.Width - 1 - respawnLength, Y: midY}, DirLeft),
				Alive:   true,
			},
		},
	}
	e.state.Fruit = e.pickFruit(e.occupancy())
	return e
}

func spawnBody(head Cell, heading Direction) []Cell {
	body := make([]Cell, 0, respawnLength)
	back := heading.Opposite()
	cell := head
	for i := 0; i < respawnLength; i++ {
		body = append(body, cell)
		cell = cell.step(back)
	}
	return body
}

// Ready marks one actor as ready. Once both are ready the duel moves from
// idle to ready and can be started.
func (e *Engine) Ready(slot Slot) {
	actor := &e.state.Actors[slot.index()]
	actor.Ready = true
	if e.state.Status == StatusIdle && e.BothReady() {
		e.state.Status = StatusReady
	}
}

// BothReady reports whether both actors have signalled readiness.
func (e *Engine) BothReady() bool {
	return e.state.Actors[0].Ready && e.state.Actors[1].Ready
}

// Start begins ticking. It is a no-op unless the duel is in the ready state.
func (e *Engine) Start() {
	if e.state.Status == StatusReady {
		e.state.Status = StatusRunning
	}
}

// QueueIntent stages at most one heading change for the next tick. Reverse
// headings are rejected, as are intents submitted during respawn cooldown.
// The latest accepted intent before a tick wins.
func (e *Engine) QueueIntent(slot Slot, dir Direction) bool {
	if e.state.Status != StatusRunning {
		return false
	}
	if _, ok := ParseDirection(string(dir)); !ok {
		return false
	}
	actor := e.state.Actors[slot.index()]
	if actor.Cooldown > 0 {
		return false
	}
	if dir == actor.Heading.Opposite() {
		return false
	}
	e.pending[slot.index()] = dir
	return true
}

// Tick advances the duel by one step and returns a snapshot of the result.
// Outside the running state it only returns the current snapshot.
func (e *Engine) Tick() State {
	if e.state.Status != StatusRunning {
		return e.Snapshot()
	}
	e.state.Tick++

	// Phase 1: plan both moves against a frozen view of the board so the
	// outcome does not depend on actor evaluation order.
	frozen := e.occupancy()
	var plans [2]movePlan
	for i := range e.state.Actors {
		plans[i] = e.planMove(i, frozen)
	}
	e.pending[0], e.pending[1] = "", ""

	// Phase 2: apply each plan independently.
	occ := e.occupancy()
	for i := range e.state.Actors {
		e.applyPlan(i, plans[i], occ)
		if e.state.Status == StatusFinished {
			break
		}
	}
	return e.Snapshot()
}

// Snapshot returns a deep copy of the current state, safe to share.
func (e *Engine) Snapshot() State {
	return e.state.Clone()
}

// Config returns the fully defaulted configuration the engine runs with.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) planMove(idx int, frozen map[Cell]int) movePlan {
	actor := e.state.Actors[idx]
	if actor.Cooldown > 0 {
		return movePlan{kind: moveCooldown, heading: actor.Heading}
	}
	heading := actor.Heading
	if pending := e.pending[idx]; pending != "" && pending != heading.Opposite() {
		heading = pending
	}
	next := actor.head().step(heading)
	plan := movePlan{heading: heading, next: next}
	switch {
	case next.X < 0 || next.X >= e.state.Width || next.Y < 0 || next.Y >= e.state.Height:
		plan.kind = moveWall
	case frozen[next] > 0:
		plan.kind = moveBody
	case next == e.state.Fruit:
		plan.kind = moveFruit
	default:
		plan.kind = moveNormal
	}
	return plan
}

func (e *Engine) applyPlan(idx int, plan movePlan, occ map[Cell]int) {
	actor := &e.state.Actors[idx]
	switch plan.kind {
	case moveCooldown:
		actor.Cooldown--
		if actor.Cooldown == 0 {
			actor.Alive = true
		}
	case moveWall, moveBody:
		removeBody(occ, actor.Body)
		actor.Score = 0
		actor.Alive = false
		actor.Heading, actor.Body = e.respawn(occ)
		addBody(occ, actor.Body)
		actor.Cooldown = respawnCooldownTicks
	case moveFruit:
		actor.Heading = plan.heading
		actor.Body = append([]Cell{plan.next}, actor.Body...)
		occ[plan.next]++
		actor.Score++
		if actor.Score >= e.cfg.TargetScore {
			e.state.Status = StatusFinished
			winner := actor.Slot
			e.state.Winner = &winner
			return
		}
		e.state.Fruit = e.pickFruit(occ)
	case moveNormal:
		actor.Heading = plan.heading
		tail := actor.Body[len(actor.Body)-1]
		occ[tail]--
		copy(actor.Body[1:], actor.Body[:len(actor.Body)-1])
		actor.Body[0] = plan.next
		occ[plan.next]++
	}
}

func (e *Engine) occupancy() map[Cell]int {
	occ := make(map[Cell]int)
	for i := range e.state.Actors {
		addBody(occ, e.state.Actors[i].Body)
	}
	return occ
}

func addBody(occ map[Cell]int, body []Cell) {
	for _, cell := range body {
		occ[cell]++
	}
}

func removeBody(occ map[Cell]int, body []Cell) {
	for _, cell := range body {
		occ[cell]--
	}
}

// pickFruit places a fruit uniformly at random among unoccupied cells. On a
// fully occupied board the fruit parks off-grid until space frees up.
func (e *Engine) pickFruit(occ map[Cell]int) Cell {
	free := make([]Cell, 0, e.state.Width*e.state.Height)
	for y := 0; y < e.state.Height; y++ {
		for x := 0; x < e.state.Width; x++ {
			cell := Cell{X: x, Y: y}
			if occ[cell] <= 0 {
				free = append(free, cell)
			}
		}
	}
	if len(free) == 0 {
		return Cell{X: -1, Y: -1}
	}
	return free[e.rng.Intn(len(free))]
}

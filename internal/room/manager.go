package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meathill/pvp-games/internal/logging"
	"github.com/meathill/pvp-games/internal/proto"
	"github.com/meathill/pvp-games/internal/telemetry"
)

const defaultIdleAfter = 5 * time.Minute

// ManagerConfig tunes the room table.
type ManagerConfig struct {
	Store  Store
	Assist *proto.AssistConfig

	// IdleAfter bounds how long an empty room survives before the sweeper
	// removes it. Defaults to five minutes.
	IdleAfter time.Duration

	Logger    telemetry.Logger
	Publisher logging.Publisher
	Clock     logging.Clock
}

// Manager owns the per-room actor table. Rooms are created lazily on first
// join and reaped once empty past the idle window.
type Manager struct {
	cfg ManagerConfig

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = defaultIdleAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	return &Manager{
		cfg:   cfg,
		rooms: make(map[string]*Room),
	}
}

// NewRoomID mints an identifier for peers that did not bring one.
func NewRoomID() string {
	return uuid.NewString()
}

// Room returns the actor for the given id, creating it lazily.
func (m *Manager) Room(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rooms[id]; ok {
		return existing
	}
	created := New(Config{
		ID:        id,
		Store:     m.cfg.Store,
		Assist:    m.cfg.Assist,
		Logger:    m.cfg.Logger,
		Publisher: m.cfg.Publisher,
		Clock:     m.cfg.Clock,
	})
	m.rooms[id] = created
	return created
}

// Lookup returns the room actor without creating one.
func (m *Manager) Lookup(id string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Occupancy answers the HTTP room query.
func (m *Manager) Occupancy(id string) (Record, bool) {
	if r, ok := m.Lookup(id); ok {
		return r.Snapshot(), true
	}
	if m.cfg.Store != nil {
		if record, ok, err := m.cfg.Store.Load(context.Background(), id); err == nil && ok {
			return record, true
		}
	}
	return Record{}, false
}

// Sweep removes rooms that have sat empty past the idle window, returning
// how many were reaped.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleAfter)

	m.mu.Lock()
	candidates := make(map[string]*Room, len(m.rooms))
	for id, r := range m.rooms {
		candidates[id] = r
	}
	m.mu.Unlock()

	reaped := 0
	for id, r := range candidates {
		record := r.Snapshot()
		if record.FirstOccupied || record.SecondOccupied || record.LastActive.After(cutoff) {
			continue
		}
		m.mu.Lock()
		delete(m.rooms, id)
		m.mu.Unlock()
		r.Close()
		if m.cfg.Store != nil {
			if err := m.cfg.Store.Delete(context.Background(), id); err != nil {
				m.cfg.Logger.Printf("sweep: delete room %s failed: %v", id, err)
			}
		}
		reaped++
	}

	// Rooms persisted by a previous process may never get an actor again;
	// clear their records too.
	if m.cfg.Store != nil {
		if idle, err := m.cfg.Store.ListIdle(context.Background(), cutoff); err == nil {
			for _, record := range idle {
				if _, live := m.Lookup(record.ID); live {
					continue
				}
				if err := m.cfg.Store.Delete(context.Background(), record.ID); err != nil {
					m.cfg.Logger.Printf("sweep: delete stale record %s failed: %v", record.ID, err)
				}
			}
		}
	}
	return reaped
}

// Run sweeps on a fixed cadence until the stop channel closes.
func (m *Manager) Run(stop <-chan struct{}) {
	every := m.cfg.IdleAfter / 2
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Close shuts down every live room.
func (m *Manager) Close() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
}

package room

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSlotTaken rejects a join against an occupied slot. It is surfaced to
// the joining peer only.
var ErrSlotTaken = errors.New("room: slot already occupied")

// Record is the durable view of a room: everything needed to resume after
// the host environment suspends the actor. Live connection handles are
// deliberately absent; they re-attach on reconnect.
type Record struct {
	ID             string
	FirstOccupied  bool
	SecondOccupied bool
	Established    bool
	CreatedAt      time.Time
	LastActive     time.Time
}

// Store persists room records. Every mutating room event writes through it.
type Store interface {
	Save(ctx context.Context, record Record) error
	Load(ctx context.Context, id string) (Record, bool, error)
	Delete(ctx context.Context, id string) error
	ListIdle(ctx context.Context, before time.Time) ([]Record, error)
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, record Record) error {
	s.mu.Lock()
	s.records[record.ID] = record
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	return record, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListIdle(_ context.Context, before time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var idle []Record
	for _, record := range s.records {
		if !record.FirstOccupied && !record.SecondOccupied && record.LastActive.Before(before) {
			idle = append(idle, record)
		}
	}
	return idle, nil
}

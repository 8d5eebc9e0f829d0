// Package sqlite persists room records in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meathill/pvp-games/internal/room"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
    id              TEXT PRIMARY KEY,
    first_occupied  INTEGER NOT NULL DEFAULT 0,
    second_occupied INTEGER NOT NULL DEFAULT 0,
    established     INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    last_active     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rooms_last_active ON rooms(last_active);
`

// Store implements room.Store on top of database/sql.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema. WAL
// keeps the coordinator's read queries from blocking writes.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply room schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, record room.Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO rooms (id, first_occupied, second_occupied, established, created_at, last_active)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    first_occupied  = excluded.first_occupied,
    second_occupied = excluded.second_occupied,
    established     = excluded.established,
    last_active     = excluded.last_active`,
		record.ID,
		boolInt(record.FirstOccupied),
		boolInt(record.SecondOccupied),
		boolInt(record.Established),
		record.CreatedAt.UnixMilli(),
		record.LastActive.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save room %s: %w", record.ID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (room.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, first_occupied, second_occupied, established, created_at, last_active
FROM rooms WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return room.Record{}, false, nil
	}
	if err != nil {
		return room.Record{}, false, fmt.Errorf("load room %s: %w", id, err)
	}
	return record, true, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete room %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListIdle(ctx context.Context, before time.Time) ([]room.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, first_occupied, second_occupied, established, created_at, last_active
FROM rooms
WHERE first_occupied = 0 AND second_occupied = 0 AND last_active < ?`,
		before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list idle rooms: %w", err)
	}
	defer rows.Close()

	var records []room.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle room: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list idle rooms: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (room.Record, error) {
	var (
		record                  room.Record
		first, second, est      int
		createdMs, lastActiveMs int64
	)
	if err := row.Scan(&record.ID, &first, &second, &est, &createdMs, &lastActiveMs); err != nil {
		return room.Record{}, err
	}
	record.FirstOccupied = first != 0
	record.SecondOccupied = second != 0
	record.Established = est != 0
	record.CreatedAt = time.UnixMilli(createdMs)
	record.LastActive = time.UnixMilli(lastActiveMs)
	return record, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

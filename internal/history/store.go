// Package history persists the outcome of every compilation in a local
// SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status values recorded for a compilation.
const (
	StatusRunning       = "running"
	StatusCompiled      = "compiled"
	StatusNotApplicable = "not_applicable"
	StatusFailed        = "failed"
)

var ErrNotFound = errors.New("history: record not found")

type Record struct {
	ID           string        `json:"id"`
	Strategy     string        `json:"strategy"`
	Quantization string        `json:"quantization"`
	Device       string        `json:"device"`
	Status       string        `json:"status"`
	Source       string        `json:"source"`
	Artifact     string        `json:"artifact,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Filter narrows List. Zero values match everything; Limit <= 0 means 100.
type Filter struct {
	Strategy string
	Status   string
	Limit    int
}

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS compilations (
  id TEXT PRIMARY KEY,
  strategy TEXT NOT NULL,
  quantization TEXT NOT NULL DEFAULT '',
  device TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  source TEXT NOT NULL DEFAULT '',
  artifact TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  duration_ns INTEGER NOT NULL DEFAULT 0,
  created_unix_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS compilations_created ON compilations(created_unix_ms);
`)
	return err
}

// Record inserts r, or replaces the row with the same id. A zero CreatedAt is
// set to now.
func (s *Store) Record(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return nil
	}
	if r.ID == "" {
		return errors.New("history: record without id")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO compilations(id, strategy, quantization, device, status, source, artifact, error, duration_ns, created_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  strategy=excluded.strategy,
  quantization=excluded.quantization,
  device=excluded.device,
  status=excluded.status,
  source=excluded.source,
  artifact=excluded.artifact,
  error=excluded.error,
  duration_ns=excluded.duration_ns;
`, r.ID, r.Strategy, r.Quantization, r.Device, r.Status, r.Source, r.Artifact, r.Error, int64(r.Duration), r.CreatedAt.UnixMilli())
	return err
}

const selectColumns = `SELECT id, strategy, quantization, device, status, source, artifact, error, duration_ns, created_unix_ms FROM compilations`

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id=?;", id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+`
WHERE (?1 = '' OR strategy = ?1) AND (?2 = '' OR status = ?2)
ORDER BY created_unix_ms DESC, id DESC
LIMIT ?3;
`, f.Strategy, f.Status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r        Record
		duration int64
		created  int64
	)
	if err := sc.Scan(&r.ID, &r.Strategy, &r.Quantization, &r.Device, &r.Status, &r.Source, &r.Artifact, &r.Error, &duration, &created); err != nil {
		return Record{}, err
	}
	r.Duration = time.Duration(duration)
	r.CreatedAt = time.UnixMilli(created).UTC()
	return r, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cwbudde/paramtuner/internal/feedback"
)

// Record store backends accepted by NewRecordStore.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// ErrUnknownBackend is returned by NewRecordStore for unsupported backends.
var ErrUnknownBackend = errors.New("unknown record store backend")

// RecordQuery filters ListRecords. Zero values match everything.
type RecordQuery struct {
	Strategy string
	Since    time.Time
	Limit    int // newest N after filtering; 0 = no limit
}

func (q RecordQuery) match(rec feedback.Record) bool {
	if q.Strategy != "" && rec.Strategy() != q.Strategy {
		return false
	}
	if !q.Since.IsZero() && rec.Timestamp().Before(q.Since) {
		return false
	}
	return true
}

// RecordStore persists effectiveness records. Records are returned oldest
// first. Saving a record whose ID already exists replaces it.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec feedback.Record) error
	ListRecords(ctx context.Context, q RecordQuery) ([]feedback.Record, error)
	CountRecords(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// NewRecordStore opens the named backend. path is only used by sqlite.
func NewRecordStore(ctx context.Context, backend, path string) (RecordStore, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryRecordStore(), nil
	case BackendSQLite:
		return OpenSQLiteRecordStore(ctx, path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// MemoryRecordStore keeps records in process memory.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records []feedback.Record
	index   map[string]int
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{index: make(map[string]int)}
}

func (m *MemoryRecordStore) SaveRecord(_ context.Context, rec feedback.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.index[rec.ID()]; ok {
		m.records[i] = rec
		return nil
	}
	m.index[rec.ID()] = len(m.records)
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryRecordStore) ListRecords(_ context.Context, q RecordQuery) ([]feedback.Record, error) {
	m.mu.RLock()
	var out []feedback.Record
	for _, rec := range m.records {
		if q.match(rec) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp().Before(out[j].Timestamp())
	})
	return limitNewest(out, q.Limit), nil
}

func (m *MemoryRecordStore) CountRecords(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *MemoryRecordStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.index = make(map[string]int)
	return nil
}

func (m *MemoryRecordStore) Close() error { return nil }

// SQLiteRecordStore stores records as JSON payloads in a SQLite table, with
// strategy and timestamp columns for filtering.
type SQLiteRecordStore struct {
	path string
	db   *sql.DB
}

// OpenSQLiteRecordStore opens (or creates) the database at path and
// ensures the schema exists. Use ":memory:" for a throwaway database.
func OpenSQLiteRecordStore(ctx context.Context, path string) (*SQLiteRecordStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS effectiveness_records (
			id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			improvement REAL NOT NULL,
			recorded_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_strategy ON effectiveness_records(strategy);
		CREATE INDEX IF NOT EXISTS idx_records_recorded_at ON effectiveness_records(recorded_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteRecordStore{path: path, db: db}, nil
}

// Path returns the database location.
func (s *SQLiteRecordStore) Path() string { return s.path }

func (s *SQLiteRecordStore) SaveRecord(ctx context.Context, rec feedback.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO effectiveness_records (id, strategy, improvement, recorded_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			strategy = excluded.strategy,
			improvement = excluded.improvement,
			recorded_at = excluded.recorded_at,
			payload = excluded.payload
	`, rec.ID(), rec.Strategy(), rec.Improvement(), rec.Timestamp().UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.ID(), err)
	}
	return nil
}

func (s *SQLiteRecordStore) ListRecords(ctx context.Context, q RecordQuery) ([]feedback.Record, error) {
	query := `SELECT id, payload FROM effectiveness_records WHERE 1 = 1`
	var args []any
	if q.Strategy != "" {
		query += ` AND strategy = ?`
		args = append(args, q.Strategy)
	}
	if !q.Since.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, q.Since.UnixNano())
	}
	query += ` ORDER BY recorded_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []feedback.Record
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var rec feedback.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return limitNewest(out, q.Limit), nil
}

func (s *SQLiteRecordStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM effectiveness_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *SQLiteRecordStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM effectiveness_records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}

func limitNewest(records []feedback.Record, limit int) []feedback.Record {
	if limit > 0 && len(records) > limit {
		return records[len(records)-limit:]
	}
	return records
}

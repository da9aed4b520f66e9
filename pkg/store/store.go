// Package store persists capture records in SQLite. Records are the durable
// source of truth; the in-memory cache is rebuilt from them.
//
// Usage:
//
//	st, err := store.Open("capture.db")
//	rec, err := st.Get(ctx, "entry-id")
//
// In tests:
//
//	st := store.OpenMemory(t)
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/capture-client/pkg/capture"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("store: record not found")

const schema = `
CREATE TABLE IF NOT EXISTS capture_records (
	id     TEXT PRIMARY KEY,
	app_id TEXT NOT NULL DEFAULT '',
	ts     INTEGER NOT NULL,
	record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS capture_records_app_ts ON capture_records (app_id, ts DESC);
CREATE INDEX IF NOT EXISTS capture_records_ts ON capture_records (ts DESC);
`

type config struct {
	busyTimeout int
	synchronous string
	mkdirAll    bool
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// Store is the SQLite-backed record store.
type Store struct {
	db *sql.DB

	// entry lock holders share gate; Clear and DeleteBefore take it exclusively
	gate  sync.RWMutex
	locks sync.Map // map[string]*EntryLock, never shrinks
}

// EntryLock serializes read-modify-write cycles on one entry id. While it is
// held, bulk removals wait.
type EntryLock struct {
	gate *sync.RWMutex
	mu   sync.Mutex
}

// Lock acquires the entry.
func (l *EntryLock) Lock() {
	l.gate.RLock()
	l.mu.Lock()
}

// Unlock releases the entry.
func (l *EntryLock) Unlock() {
	l.mu.Unlock()
	l.gate.RUnlock()
}

// Open opens (and creates if needed) the record database at path.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := config{busyTimeout: 10_000, synchronous: "NORMAL"}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store for tests and closes it on cleanup.
// A single connection keeps every query on the same in-memory database.
func OpenMemory(t testing.TB, opts ...Option) *Store {
	t.Helper()
	st, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	st.db.SetMaxOpenConns(1)
	t.Cleanup(func() { st.Close() })
	return st
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Lock returns the lock guarding read-modify-write cycles for one entry id.
// The same id always yields the same lock. A holder must not take a second
// entry lock.
func (s *Store) Lock(id string) *EntryLock {
	if l, ok := s.locks.Load(id); ok {
		return l.(*EntryLock)
	}
	actual, _ := s.locks.LoadOrStore(id, &EntryLock{gate: &s.gate})
	return actual.(*EntryLock)
}

// Get returns the record stored under id.
func (s *Store) Get(ctx context.Context, id string) (capture.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM capture_records WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return capture.Record{}, ErrNotFound
	}
	if err != nil {
		return capture.Record{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	rec, err := decode(raw)
	if err != nil {
		return capture.Record{}, fmt.Errorf("store: decode %s: %w", id, err)
	}
	return rec, nil
}

// Put writes the record under its entry id, replacing any previous one.
func (s *Store) Put(ctx context.Context, rec capture.Record) error {
	if !rec.Valid() {
		return fmt.Errorf("store: put: record has no entry id")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", rec.Data.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO capture_records (id, app_id, ts, record) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET app_id = excluded.app_id, ts = excluded.ts, record = excluded.record`,
		rec.Data.ID, rec.Data.AppID, rec.Timestamp.UnixNano(), string(b))
	if err != nil {
		return fmt.Errorf("store: put %s: %w", rec.Data.ID, err)
	}
	return nil
}

// Delete removes the record for id. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM capture_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// Clear removes every capture record and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	return s.ClearWith(ctx, nil)
}

// ClearWith is Clear with a hook that runs after the removal, before any
// entry lock holder resumes. A failed removal skips the hook.
func (s *Store) ClearWith(ctx context.Context, cleared func()) (int64, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM capture_records`)
	if err != nil {
		return 0, fmt.Errorf("store: clear: %w", err)
	}
	n, _ := res.RowsAffected()
	if cleared != nil {
		cleared()
	}
	return n, nil
}

// SettleProvisional marks screenshots left provisional by an earlier process
// local-only and returns the ids it rewrote. Call it before uploads start.
func (s *Store) SettleProvisional(ctx context.Context) ([]string, error) {
	recs, err := s.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range recs {
		if r.Data.DegradeProvisional() == 0 {
			continue
		}
		if err := s.settle(ctx, r.Data.ID); err != nil {
			return ids, err
		}
		ids = append(ids, r.Data.ID)
	}
	return ids, nil
}

func (s *Store) settle(ctx context.Context, id string) error {
	l := s.Lock(id)
	l.Lock()
	defer l.Unlock()

	rec, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Data.DegradeProvisional() == 0 {
		return nil
	}
	return s.Put(ctx, rec)
}

// List returns up to limit valid records, newest first. Malformed records are
// logged and skipped, never removed.
func (s *Store) List(ctx context.Context, limit int) ([]capture.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM capture_records ORDER BY ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return collect(rows, limit)
}

// ListByApp returns up to limit valid records for appID, newest first, using
// the (app_id, ts) index.
func (s *Store) ListByApp(ctx context.Context, appID string, limit int) ([]capture.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record FROM capture_records WHERE app_id = ? ORDER BY ts DESC`, appID)
	if err != nil {
		return nil, fmt.Errorf("store: list app %s: %w", appID, err)
	}
	return collect(rows, limit)
}

// Malformed lists the ids of records that cannot be decoded.
func (s *Store) Malformed(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM capture_records ORDER BY ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: scan: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		if _, err := decode(raw); err != nil {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// DeleteBefore removes every record older than cutoff and returns their ids.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: prune: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM capture_records WHERE ts < ? ORDER BY ts`, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: prune: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM capture_records WHERE ts < ?`, cutoff.UnixNano()); err != nil {
		return nil, fmt.Errorf("store: prune: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: prune: %w", err)
	}
	return ids, nil
}

// PutRaw stores an undecoded record body. It exists for maintenance tools and
// tests that need to reproduce damaged records.
func (s *Store) PutRaw(ctx context.Context, id, appID string, ts time.Time, raw string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO capture_records (id, app_id, ts, record) VALUES (?, ?, ?, ?)`,
		id, appID, ts.UnixNano(), raw)
	if err != nil {
		return fmt.Errorf("store: put raw %s: %w", id, err)
	}
	return nil
}

func collect(rows *sql.Rows, limit int) ([]capture.Record, error) {
	defer rows.Close()
	var out []capture.Record
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		rec, err := decode(raw)
		if err != nil {
			log.Warn().Err(err).Str("component", "store").Str("entry_id", id).Msg("skipping malformed record")
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}
	return out, nil
}

func decode(raw string) (capture.Record, error) {
	var rec capture.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return capture.Record{}, err
	}
	if !rec.Valid() {
		return capture.Record{}, errors.New("record has no entry id")
	}
	if rec.Data.Screenshots == nil {
		rec.Data.Screenshots = []capture.Screenshot{}
	}
	return rec, nil
}

// Package sqlite provides a SQLite-backed StateStore for routeguard, for
// single-node deployments that want breaker state to survive restarts
// without running a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ineyio/routeguard"
)

// Store is a SQLite-backed StateStore.
type Store struct {
	db          *sql.DB
	tablePrefix string
	nowFn       func() time.Time
}

var _ routeguard.StateStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "routeguard_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock overrides the time source used to stamp writes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFn = now }
}

// Open opens the database file at path and creates the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("routeguard/sqlite: open: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		tablePrefix: "routeguard_",
		nowFn:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) table() string { return s.tablePrefix + "breaker_states" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			provider_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			opened_at INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			consecutive_successes INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`, s.table())
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("routeguard/sqlite: ensure schema: %w", err)
	}
	return nil
}

// SaveState stores snap for id.
func (s *Store) SaveState(ctx context.Context, id routeguard.ProviderID, snap routeguard.BreakerSnapshot) error {
	var openedAt int64
	if !snap.OpenedAt.IsZero() {
		openedAt = snap.OpenedAt.UnixNano()
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (provider_id, state, opened_at, consecutive_failures, consecutive_successes, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (provider_id) DO UPDATE SET
				state = excluded.state,
				opened_at = excluded.opened_at,
				consecutive_failures = excluded.consecutive_failures,
				consecutive_successes = excluded.consecutive_successes,
				updated_at = excluded.updated_at
			WHERE %[1]s.updated_at <= excluded.updated_at`, s.table()),
		string(id), snap.State.String(), openedAt,
		int64(snap.ConsecutiveFailures), int64(snap.ConsecutiveSuccesses),
		s.nowFn().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("routeguard/sqlite: save state: %w", err)
	}
	return nil
}

// LoadState returns the snapshot stored for id.
func (s *Store) LoadState(ctx context.Context, id routeguard.ProviderID) (routeguard.BreakerSnapshot, bool, error) {
	var (
		state               string
		openedAt            int64
		failures, successes int64
	)

	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT state, opened_at, consecutive_failures, consecutive_successes
			FROM %s WHERE provider_id = ?`, s.table()),
		string(id),
	).Scan(&state, &openedAt, &failures, &successes)

	if errors.Is(err, sql.ErrNoRows) {
		return routeguard.BreakerSnapshot{}, false, nil
	}
	if err != nil {
		return routeguard.BreakerSnapshot{}, false, fmt.Errorf("routeguard/sqlite: load state: %w", err)
	}

	bs, err := routeguard.ParseBreakerState(state)
	if err != nil {
		return routeguard.BreakerSnapshot{}, false, fmt.Errorf("routeguard/sqlite: load state: %w", err)
	}

	snap := routeguard.BreakerSnapshot{
		State:                bs,
		ConsecutiveFailures:  uint(failures),
		ConsecutiveSuccesses: uint(successes),
	}
	if openedAt > 0 {
		snap.OpenedAt = time.Unix(0, openedAt).UTC()
	}
	return snap, true, nil
}

// Delete removes the state stored for id.
func (s *Store) Delete(ctx context.Context, id routeguard.ProviderID) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE provider_id = ?`, s.table()),
		string(id),
	)
	if err != nil {
		return fmt.Errorf("routeguard/sqlite: delete state: %w", err)
	}
	return nil
}

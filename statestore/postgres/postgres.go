// Package postgres provides a PostgreSQL-backed StateStore for routeguard.
//
// Breaker state is stored in a single table keyed by provider id and written
// with an upsert, which makes it durable across restarts and shareable
// between router instances. A write older than the stored row is ignored.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/routeguard"
)

// Store is a PostgreSQL-backed StateStore.
type Store struct {
	pool        *pgxpool.Pool
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

// New creates a new PostgreSQL-backed StateStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "routeguard_",
		nowFn:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) table() string { return s.tablePrefix + "breaker_states" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			provider_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			opened_at TIMESTAMPTZ,
			consecutive_failures BIGINT NOT NULL DEFAULT 0,
			consecutive_successes BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`, s.table())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("routeguard/postgres: ensure schema: %w", err)
	}
	return nil
}

// SaveState stores snap for id.
func (s *Store) SaveState(ctx context.Context, id routeguard.ProviderID, snap routeguard.BreakerSnapshot) error {
	var openedAt *time.Time
	if !snap.OpenedAt.IsZero() {
		t := snap.OpenedAt.UTC()
		openedAt = &t
	}

	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (provider_id, state, opened_at, consecutive_failures, consecutive_successes, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (provider_id) DO UPDATE SET
				state = EXCLUDED.state,
				opened_at = EXCLUDED.opened_at,
				consecutive_failures = EXCLUDED.consecutive_failures,
				consecutive_successes = EXCLUDED.consecutive_successes,
				updated_at = EXCLUDED.updated_at
			WHERE %[1]s.updated_at <= EXCLUDED.updated_at`, s.table()),
		string(id), snap.State.String(), openedAt,
		int64(snap.ConsecutiveFailures), int64(snap.ConsecutiveSuccesses),
		s.nowFn().UTC(),
	)
	if err != nil {
		return fmt.Errorf("routeguard/postgres: save state: %w", err)
	}
	return nil
}

// LoadState returns the snapshot stored for id.
func (s *Store) LoadState(ctx context.Context, id routeguard.ProviderID) (routeguard.BreakerSnapshot, bool, error) {
	var (
		state               string
		openedAt            *time.Time
		failures, successes int64
	)

	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT state, opened_at, consecutive_failures, consecutive_successes
			FROM %s WHERE provider_id = $1`, s.table()),
		string(id),
	).Scan(&state, &openedAt, &failures, &successes)

	if errors.Is(err, pgx.ErrNoRows) {
		return routeguard.BreakerSnapshot{}, false, nil
	}
	if err != nil {
		return routeguard.BreakerSnapshot{}, false, fmt.Errorf("routeguard/postgres: load state: %w", err)
	}

	bs, err := routeguard.ParseBreakerState(state)
	if err != nil {
		return routeguard.BreakerSnapshot{}, false, fmt.Errorf("routeguard/postgres: load state: %w", err)
	}

	snap := routeguard.BreakerSnapshot{
		State:                bs,
		ConsecutiveFailures:  uint(failures),
		ConsecutiveSuccesses: uint(successes),
	}
	if openedAt != nil {
		snap.OpenedAt = openedAt.UTC()
	}
	return snap, true, nil
}

// Delete removes the state stored for id.
func (s *Store) Delete(ctx context.Context, id routeguard.ProviderID) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE provider_id = $1`, s.table()),
		string(id),
	)
	if err != nil {
		return fmt.Errorf("routeguard/postgres: delete state: %w", err)
	}
	return nil
}

// Cleanup removes state not written for longer than olderThan.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.nowFn().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE updated_at < $1`, s.table()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("routeguard/postgres: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

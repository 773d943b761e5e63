// Package redis provides a Redis-backed StateStore for routeguard.
//
// Breaker state is stored in one Redis hash per provider and written with an
// atomic Lua script, so several router instances can share breaker state.
// A write carrying an older timestamp than the stored one is ignored.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/routeguard"
)

// Store is a Redis-backed StateStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
	nowFn     func() time.Time
}

var _ routeguard.StateStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "routeguard:breaker:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTTL expires stored state after d without writes. Zero keeps it forever.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithClock overrides the time source used to stamp writes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFn = now }
}

// New creates a new Redis-backed StateStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "routeguard:breaker:",
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(id routeguard.ProviderID) string {
	return s.keyPrefix + string(id)
}

// saveScript atomically replaces the stored state unless it is newer.
// KEYS[1] = provider hash key
// ARGV[1] = state
// ARGV[2] = opened_at (unix nanos, 0 = unset)
// ARGV[3] = consecutive_failures
// ARGV[4] = consecutive_successes
// ARGV[5] = updated_at (unix nanos)
// ARGV[6] = ttl (milliseconds, 0 = none)
//
// Returns:
//
//	1 = written
//	0 = stale write ignored
var saveScript = goredis.NewScript(`
local key = KEYS[1]
local updated_at = tonumber(ARGV[5])

local current = redis.call("HGET", key, "updated_at")
if current and tonumber(current) > updated_at then
    return 0
end

redis.call("HSET", key,
    "state", ARGV[1],
    "opened_at", ARGV[2],
    "consecutive_failures", ARGV[3],
    "consecutive_successes", ARGV[4],
    "updated_at", ARGV[5])

local ttl = tonumber(ARGV[6])
if ttl > 0 then
    redis.call("PEXPIRE", key, ttl)
end
return 1
`)

// SaveState stores snap for id.
func (s *Store) SaveState(ctx context.Context, id routeguard.ProviderID, snap routeguard.BreakerSnapshot) error {
	var openedAt int64
	if !snap.OpenedAt.IsZero() {
		openedAt = snap.OpenedAt.UnixNano()
	}

	_, err := saveScript.Run(ctx, s.client,
		[]string{s.key(id)},
		snap.State.String(),
		openedAt,
		snap.ConsecutiveFailures,
		snap.ConsecutiveSuccesses,
		s.nowFn().UnixNano(),
		s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("routeguard/redis: save state: %w", err)
	}
	return nil
}

// LoadState returns the snapshot stored for id.
func (s *Store) LoadState(ctx context.Context, id routeguard.ProviderID) (routeguard.BreakerSnapshot, bool, error) {
	vals, err := s.client.HMGet(ctx, s.key(id),
		"state", "opened_at", "consecutive_failures", "consecutive_successes").Result()
	if err != nil {
		return routeguard.BreakerSnapshot{}, false, fmt.Errorf("routeguard/redis: load state: %w", err)
	}

	// Not found.
	if vals[0] == nil {
		return routeguard.BreakerSnapshot{}, false, nil
	}

	state, err := routeguard.ParseBreakerState(fmt.Sprint(vals[0]))
	if err != nil {
		return routeguard.BreakerSnapshot{}, false, fmt.Errorf("routeguard/redis: load state: %w", err)
	}

	openedAt, err := parseInt(vals[1])
	if err != nil {
		return routeguard.BreakerSnapshot{}, false, fmt.Errorf("routeguard/redis: load state: opened_at: %w", err)
	}
	failures, err := parseUint(vals[2])
	if err != nil {
		return routeguard.BreakerSnapshot{}, false, fmt.Errorf("routeguard/redis: load state: consecutive_failures: %w", err)
	}
	successes, err := parseUint(vals[3])
	if err != nil {
		return routeguard.BreakerSnapshot{}, false, fmt.Errorf("routeguard/redis: load state: consecutive_successes: %w", err)
	}

	snap := routeguard.BreakerSnapshot{
		State:                state,
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
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("routeguard/redis: delete state: %w", err)
	}
	return nil
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Missing fields read as zero.
func parseInt(v any) (int64, error) {
	if s := str(v); s != "" {
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, nil
}

func parseUint(v any) (uint64, error) {
	if s := str(v); s != "" {
		return strconv.ParseUint(s, 10, 64)
	}
	return 0, nil
}

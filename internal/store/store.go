// Package store is the persistent session store: idempotent upsert and
// read of (code -> game-state blob) plus the lobby-code counter, on top of
// a pgx connection pool that heals itself across transient outages.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lanternworks/rendezvous/internal/snapshot"
)

var (
	storeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_store_retries_total",
		Help: "Total store queries retried after a transient failure",
	})
	poolRecreations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_store_pool_recreations_total",
		Help: "Total times the connection pool was torn down and rebuilt",
	})
)

const (
	defaultMaxAttempts   = 4
	defaultProbeAttempts = 5

	queryBackoffBase = 200 * time.Millisecond
	queryBackoffCap  = 5 * time.Second
	probeBackoffCap  = 10 * time.Second
)

const upsertSessionSQL = `
INSERT INTO sessions (code, save_state, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (code) DO UPDATE
SET save_state = EXCLUDED.save_state, updated_at = now()`

// querier is the slice of pgxpool.Pool the store uses. Tests substitute a
// fake through the pool factory.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store wraps a self-healing connection pool. Safe for concurrent use.
type Store struct {
	logger        zerolog.Logger
	newPool       func(ctx context.Context) (querier, error)
	maxAttempts   int
	probeAttempts int

	mu   sync.Mutex
	pool querier

	recreate singleflight.Group
}

// New connects to the database and returns a ready store. The initial pool
// is probed with one acquire-and-release before use.
func New(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		logger: logger.With().Str("component", "store").Logger(),
		newPool: func(ctx context.Context) (querier, error) {
			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return nil, fmt.Errorf("creating connection pool: %w", err)
			}
			return pool, nil
		},
		maxAttempts:   defaultMaxAttempts,
		probeAttempts: defaultProbeAttempts,
	}
	pool, err := s.newPool(ctx)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
	}
}

// Upsert writes or updates the blob for code. Last write wins.
func (s *Store) Upsert(ctx context.Context, code string, blob []byte) error {
	return s.withRetry(ctx, "upsert session", func(ctx context.Context, q querier) error {
		_, err := q.Exec(ctx, upsertSessionSQL, code, blob)
		return err
	})
}

// UpsertBatch writes every entry in one transaction.
func (s *Store) UpsertBatch(ctx context.Context, entries []snapshot.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withRetry(ctx, "upsert session batch", func(ctx context.Context, q querier) error {
		tx, err := q.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		for _, e := range entries {
			if _, err := tx.Exec(ctx, upsertSessionSQL, e.Code, e.Blob); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

// Load returns the blob for code, reporting whether a row existed.
func (s *Store) Load(ctx context.Context, code string) ([]byte, bool, error) {
	var blob []byte
	found := false
	err := s.withRetry(ctx, "load session", func(ctx context.Context, q querier) error {
		err := q.QueryRow(ctx, `SELECT save_state FROM sessions WHERE code = $1`, code).Scan(&blob)
		if errors.Is(err, pgx.ErrNoRows) {
			blob, found = nil, false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return blob, found, nil
}

// LoadCounter reads the persisted lobby-code counter, zero when the row
// has never been written.
func (s *Store) LoadCounter(ctx context.Context) (uint64, error) {
	var counter int64
	err := s.withRetry(ctx, "load code counter", func(ctx context.Context, q querier) error {
		err := q.QueryRow(ctx, `SELECT counter FROM generator_state WHERE id`).Scan(&counter)
		if errors.Is(err, pgx.ErrNoRows) {
			counter = 0
			return nil
		}
		return err
	})
	return uint64(counter), err
}

// SaveCounter persists the lobby-code counter.
func (s *Store) SaveCounter(ctx context.Context, counter uint64) error {
	return s.withRetry(ctx, "save code counter", func(ctx context.Context, q querier) error {
		_, err := q.Exec(ctx, `
INSERT INTO generator_state (id, counter) VALUES (TRUE, $1)
ON CONFLICT (id) DO UPDATE SET counter = EXCLUDED.counter`, int64(counter))
		return err
	})
}

func (s *Store) currentPool() querier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// withRetry runs fn up to maxAttempts times. A transient failure poisons
// the pool, triggers a deduplicated recreation, backs off, and retries.
// Non-transient failures and exhausted retries propagate unchanged apart
// from the operation prefix.
func (s *Store) withRetry(ctx context.Context, op string, fn func(ctx context.Context, q querier) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		q := s.currentPool()
		err := fn(ctx, q)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		storeRetries.Inc()
		s.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", s.maxAttempts).
			Msg("Transient store failure")
		if attempt == s.maxAttempts {
			break
		}
		if rerr := s.recreatePool(ctx, q); rerr != nil {
			return fmt.Errorf("%s: %w", op, rerr)
		}
		select {
		case <-time.After(backoff(attempt, queryBackoffCap)):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

// recreatePool tears down the poisoned pool and builds a fresh one, probed
// by an acquire-and-release. Concurrent callers collapse onto a single
// in-flight recreation and all share its outcome.
func (s *Store) recreatePool(ctx context.Context, poisoned querier) error {
	_, err, _ := s.recreate.Do("recreate", func() (any, error) {
		s.mu.Lock()
		current := s.pool
		s.mu.Unlock()
		if current != poisoned {
			// A previous flight already replaced the pool.
			return nil, nil
		}

		poolRecreations.Inc()
		s.logger.Warn().Msg("Recreating store connection pool")
		poisoned.Close()

		var lastErr error
		for probe := 1; probe <= s.probeAttempts; probe++ {
			if probe > 1 {
				select {
				case <-time.After(backoff(probe-1, probeBackoffCap)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			fresh, err := s.newPool(ctx)
			if err != nil {
				lastErr = err
				continue
			}
			if err := fresh.Ping(ctx); err != nil {
				lastErr = err
				fresh.Close()
				continue
			}
			s.mu.Lock()
			s.pool = fresh
			s.mu.Unlock()
			s.logger.Info().Int("probes", probe).Msg("Store connection pool recreated")
			return nil, nil
		}
		return nil, fmt.Errorf("cannot recreate connection pool after %d probes: %w", s.probeAttempts, lastErr)
	})
	return err
}

// backoff returns min(200ms * 2^(attempt-1), cap).
func backoff(attempt int, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		return cap
	}
	d := queryBackoffBase << (attempt - 1)
	if d > cap {
		return cap
	}
	return d
}

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store shared across gateway instances through the
// application's existing postgres, for deployments that do not run redis.
// The upsert resolves the window check and the increment in a single
// statement, so concurrent requests on one key serialize on the row.
// Like MemoryStore it sweeps lapsed windows in the background so the
// table stays bounded by active clients.
type PostgresStore struct {
	pool    *pgxpool.Pool
	window  time.Duration
	max     int
	evictFn func(ctx context.Context) error

	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewPostgresStore creates the store, ensures its table exists and starts
// the eviction sweep. Zero window or max select the defaults. Call Close
// to stop the sweep; the pool itself stays the caller's to close.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, window time.Duration, max int) (*PostgresStore, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}

	query := `CREATE TABLE IF NOT EXISTS auth_rate_limits (
		client_key TEXT PRIMARY KEY,
		request_count INTEGER NOT NULL,
		reset_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := pool.Exec(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to create rate limit table: %w", err)
	}

	p := &PostgresStore{
		pool:       pool,
		window:     window,
		max:        max,
		sweepEvery: sweepInterval,
		stop:       make(chan struct{}),
	}
	p.evictFn = p.EvictExpired
	go p.sweepLoop()
	return p, nil
}

// Close stops the eviction sweep. Safe to call more than once.
func (p *PostgresStore) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *PostgresStore) sweepLoop() {
	ticker := time.NewTicker(p.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := p.evictFn(ctx); err != nil {
				slog.Warn("Rate limit eviction sweep failed", "error", err)
			}
			cancel()
		}
	}
}

func (p *PostgresStore) Increment(ctx context.Context, key string) (Result, error) {
	query := `INSERT INTO auth_rate_limits (client_key, request_count, reset_at)
			  VALUES ($1, 1, now() + make_interval(secs => $2))
			  ON CONFLICT (client_key) DO UPDATE SET
			  request_count = CASE WHEN auth_rate_limits.reset_at <= now()
								   THEN 1
								   ELSE auth_rate_limits.request_count + 1 END,
			  reset_at = CASE WHEN auth_rate_limits.reset_at <= now()
							  THEN now() + make_interval(secs => $2)
							  ELSE auth_rate_limits.reset_at END
			  RETURNING request_count, reset_at`

	var count int
	var resetAt time.Time
	err := p.pool.QueryRow(ctx, query, key, p.window.Seconds()).Scan(&count, &resetAt)
	if err != nil {
		return Result{}, fmt.Errorf("failed to increment rate limit row: %w", err)
	}

	return Result{Count: count, ResetAt: resetAt, Limited: count > p.max}, nil
}

// EvictExpired drops rows whose window has lapsed. Run it periodically;
// correctness does not depend on it, only table size.
func (p *PostgresStore) EvictExpired(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, "DELETE FROM auth_rate_limits WHERE reset_at <= now()"); err != nil {
		return fmt.Errorf("failed to evict expired rate limit rows: %w", err)
	}
	return nil
}

// Package postgres builds the pgx pool shared by database-backed stores.
// Every query is traced through otelpgx, logged, and reported to an
// optional observer for metrics.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"
)

type options struct {
	logger    log.Logger
	observer  QueryObserver
	slowQuery time.Duration
	maxConns  int32
}

// Option configures NewPool.
type Option func(*options)

// WithLogger sets the logger used for query logs. Without it the logger
// stored in the query context is used.
func WithLogger(l log.Logger) Option { return func(o *options) { o.logger = l } }

// WithObserver reports every query's duration to obs.
func WithObserver(obs QueryObserver) Option { return func(o *options) { o.observer = obs } }

// WithSlowQuery logs only successful queries slower than d. Failed queries
// are always logged.
func WithSlowQuery(d time.Duration) Option { return func(o *options) { o.slowQuery = d } }

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) Option { return func(o *options) { o.maxConns = n } }

// NewPool parses databaseURL, installs the query tracer, and pings the
// database before returning.
func NewPool(ctx context.Context, databaseURL string, opts ...Option) (*pgxpool.Pool, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}
	cfg.ConnConfig.Tracer = &queryTracer{
		inner:     otelpgx.NewTracer(),
		logger:    o.logger,
		observer:  o.observer,
		slowQuery: o.slowQuery,
		now:       time.Now,
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Package postgres provides PostgreSQL persistence using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/config"
)

const maxRetryDelay = 5 * time.Second

// Pool owns the gateway's connection pool. Repositories receive DB().
type Pool struct {
	pool *pgxpool.Pool
}

// PoolOption customises NewPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	logger     *zap.Logger
	retryDelay time.Duration
}

// WithLogger reports connection retries to logger.
func WithLogger(logger *zap.Logger) PoolOption {
	return func(o *poolOptions) { o.logger = logger }
}

// WithRetryDelay sets the first delay between connection attempts. Later
// delays double up to five seconds.
func WithRetryDelay(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.retryDelay = d }
}

// NewPool connects to PostgreSQL. The gateway often starts alongside its
// database, so the first ping is retried up to cfg.ConnectAttempts times.
//
// Postcondition: Returns a pool that answered a ping, or a non-nil error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, opts ...PoolOption) (*Pool, error) {
	o := poolOptions{logger: zap.NewNop(), retryDelay: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	attempts := max(cfg.ConnectAttempts, 1)
	delay := o.retryDelay
	for attempt := 1; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			return &Pool{pool: pool}, nil
		}
		if attempt >= attempts {
			pool.Close()
			return nil, fmt.Errorf("pinging database after %d attempts: %w", attempt, err)
		}
		o.logger.Warn("database not ready",
			zap.String("host", cfg.Host),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("waiting for database: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	return poolCfg, nil
}

// Health pings the database within timeout. It satisfies health.Prober.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Close releases all pool resources.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pgxpool.Pool for use by repositories.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}

// PoolStats is a snapshot of pool usage.
type PoolStats struct {
	Acquired          int32
	Idle              int32
	Constructing      int32
	Max               int32
	Acquires          int64
	EmptyAcquires     int64
	AcquireWaitPeriod time.Duration
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() PoolStats {
	s := p.pool.Stat()
	return PoolStats{
		Acquired:          s.AcquiredConns(),
		Idle:              s.IdleConns(),
		Constructing:      s.ConstructingConns(),
		Max:               s.MaxConns(),
		Acquires:          s.AcquireCount(),
		EmptyAcquires:     s.EmptyAcquireCount(),
		AcquireWaitPeriod: s.AcquireDuration(),
	}
}

// StatsSource is implemented by *Pool.
type StatsSource interface {
	Stats() PoolStats
}

var (
	connsDesc = prometheus.NewDesc("fgate_db_connections",
		"Pool connections by state.", []string{"state"}, nil)
	maxConnsDesc = prometheus.NewDesc("fgate_db_max_connections",
		"Configured pool size.", nil, nil)
	acquiresDesc = prometheus.NewDesc("fgate_db_acquires_total",
		"Connections acquired from the pool.", nil, nil)
	emptyAcquiresDesc = prometheus.NewDesc("fgate_db_empty_acquires_total",
		"Acquires that had to wait for a connection.", nil, nil)
	acquireWaitDesc = prometheus.NewDesc("fgate_db_acquire_wait_seconds_total",
		"Time spent acquiring connections.", nil, nil)
)

type statsCollector struct {
	src StatsSource
}

// NewStatsCollector exports src as Prometheus metrics on every scrape.
func NewStatsCollector(src StatsSource) prometheus.Collector {
	return statsCollector{src: src}
}

func (c statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- connsDesc
	ch <- maxConnsDesc
	ch <- acquiresDesc
	ch <- emptyAcquiresDesc
	ch <- acquireWaitDesc
}

func (c statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(connsDesc, prometheus.GaugeValue, float64(s.Acquired), "acquired")
	ch <- prometheus.MustNewConstMetric(connsDesc, prometheus.GaugeValue, float64(s.Idle), "idle")
	ch <- prometheus.MustNewConstMetric(connsDesc, prometheus.GaugeValue, float64(s.Constructing), "constructing")
	ch <- prometheus.MustNewConstMetric(maxConnsDesc, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(acquiresDesc, prometheus.CounterValue, float64(s.Acquires))
	ch <- prometheus.MustNewConstMetric(emptyAcquiresDesc, prometheus.CounterValue, float64(s.EmptyAcquires))
	ch <- prometheus.MustNewConstMetric(acquireWaitDesc, prometheus.CounterValue, s.AcquireWaitPeriod.Seconds())
}

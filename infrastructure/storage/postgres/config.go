// Package postgres provides a PostgreSQL-backed descriptor index and
// reference ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Errors
var (
	ErrConnectionFailed = errors.New("postgres: connection failed")
	ErrMigrationFailed  = errors.New("postgres: migration failed")
)

// Config holds PostgreSQL pool configuration.
type Config struct {
	// DSN is a libpq keyword string or a postgres:// URL.
	DSN string

	// ApplicationName is reported to the server in pg_stat_activity.
	ApplicationName string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// ConnectTimeout bounds establishing each connection. A connect_timeout
	// in the DSN wins.
	ConnectTimeout time.Duration

	// HealthCheckPeriod is how often idle connections are checked.
	HealthCheckPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DSN:               "postgres://localhost:5432/cassettedeck?sslmode=disable",
		ApplicationName:   "cassettedeck",
		MaxConns:          10,
		MinConns:          0,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		ConnectTimeout:    10 * time.Second,
		HealthCheckPeriod: time.Minute,
	}
}

// ConfigOption configures the PostgreSQL pool.
type ConfigOption func(*Config)

// WithDSN sets the connection string.
func WithDSN(dsn string) ConfigOption {
	return func(c *Config) {
		c.DSN = dsn
	}
}

// WithApplicationName sets the application_name runtime parameter.
func WithApplicationName(name string) ConfigOption {
	return func(c *Config) {
		c.ApplicationName = name
	}
}

// WithPoolSize sets the connection pool bounds.
func WithPoolSize(minConns, maxConns int32) ConfigOption {
	return func(c *Config) {
		c.MinConns = minConns
		c.MaxConns = maxConns
	}
}

// WithConnectTimeout sets the per-connection dial timeout.
func WithConnectTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.ConnectTimeout = d
	}
}

// PoolConfig parses cfg into a pgxpool configuration without connecting.
func PoolConfig(cfg Config, opts ...ConfigOption) (*pgxpool.Config, error) {
	for _, opt := range opts {
		opt(&cfg)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 && cfg.MinConns <= poolCfg.MaxConns {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	if poolCfg.ConnConfig.ConnectTimeout == 0 && cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok && cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	return poolCfg, nil
}

// NewPool creates a connection pool and verifies the server is reachable.
func NewPool(ctx context.Context, cfg Config, opts ...ConfigOption) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(cfg, opts...)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	return pool, nil
}

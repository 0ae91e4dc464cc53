// Package sqlite provides a SQLite-backed artifact index and blob
// reference ledger.
package sqlite

import (
	"database/sql"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Errors
var (
	ErrConnectionFailed = errors.New("sqlite: connection failed")
	ErrMigrationFailed  = errors.New("sqlite: migration failed")
)

// Config configures the SQLite index.
type Config struct {
	// DSN is the data source name (e.g., "file:index.db?mode=rwc").
	// Driver parameters already present in the DSN are left untouched.
	DSN string

	MaxOpenConns    int
	ConnMaxIdleTime time.Duration

	// AutoMigrate creates tables if they don't exist.
	AutoMigrate bool

	// JournalMode sets the journal mode. WAL lets readers proceed while
	// an ingestion commits.
	JournalMode string

	// Synchronous sets the synchronous pragma (OFF, NORMAL, FULL).
	Synchronous string

	// BusyTimeout is how long a connection waits on a locked database.
	BusyTimeout time.Duration

	// ImmediateTx starts write transactions with BEGIN IMMEDIATE so
	// concurrent registrations queue on the busy timeout instead of
	// failing on lock upgrade.
	ImmediateTx bool
}

// Option configures the SQLite index.
type Option func(*Config)

// WithDSN sets the data source name.
func WithDSN(dsn string) Option {
	return func(c *Config) {
		c.DSN = dsn
	}
}

// WithMaxOpenConns sets the maximum open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *Config) {
		c.MaxOpenConns = n
	}
}

// WithAutoMigrate enables automatic table creation.
func WithAutoMigrate() Option {
	return func(c *Config) {
		c.AutoMigrate = true
	}
}

// WithJournalMode sets the SQLite journal mode.
func WithJournalMode(mode string) Option {
	return func(c *Config) {
		c.JournalMode = mode
	}
}

// WithBusyTimeout sets the busy timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.BusyTimeout = d
	}
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DSN:             "file:cassettedeck.db?mode=rwc",
		MaxOpenConns:    8,
		ConnMaxIdleTime: 10 * time.Minute,
		AutoMigrate:     true,
		JournalMode:     "WAL",
		Synchronous:     "NORMAL",
		BusyTimeout:     5 * time.Second,
		ImmediateTx:     true,
	}
}

// openDB opens a SQLite database. Pragmas go into the DSN so every pooled
// connection gets them.
func openDB(cfg Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSource(cfg))
	if err != nil {
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	return db, nil
}

// dataSource appends go-sqlite3 driver parameters to cfg.DSN.
func dataSource(cfg Config) string {
	dsn, query, _ := strings.Cut(cfg.DSN, "?")
	existing, err := url.ParseQuery(query)
	if err != nil {
		existing = url.Values{}
	}

	set := func(key, value string) {
		if value != "" && !existing.Has(key) {
			existing.Set(key, value)
		}
	}
	set("_journal_mode", cfg.JournalMode)
	set("_synchronous", cfg.Synchronous)
	if cfg.BusyTimeout > 0 {
		set("_busy_timeout", strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10))
	}
	if cfg.ImmediateTx {
		set("_txlock", "immediate")
	}
	set("_foreign_keys", "on")

	return dsn + "?" + existing.Encode()
}

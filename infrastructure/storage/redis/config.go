// Package redis provides a Redis-backed descriptor cache.
package redis

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	// Address is a host:port, a comma separated list of cluster or
	// sentinel nodes, or a redis:// / rediss:// URL.
	Address string

	// Password for authentication. A password in a URL address wins.
	Password string

	// DB selects the database index on single-node deployments.
	DB int

	// MasterName selects sentinel mode when set.
	MasterName string

	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	// KeyPrefix namespaces every key.
	KeyPrefix string

	// DefaultTTL applies to entries set without an explicit TTL.
	DefaultTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:      "localhost:6379",
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
		KeyPrefix:    "cassettedeck:",
		DefaultTTL:   time.Hour,
	}
}

// ConfigOption configures the Redis connection.
type ConfigOption func(*Config)

// WithAddress sets the server address, node list or URL.
func WithAddress(addr string) ConfigOption {
	return func(c *Config) {
		c.Address = addr
	}
}

// WithPassword sets the authentication password.
func WithPassword(password string) ConfigOption {
	return func(c *Config) {
		c.Password = password
	}
}

// WithSentinel selects sentinel mode for the named master.
func WithSentinel(masterName string) ConfigOption {
	return func(c *Config) {
		c.MasterName = masterName
	}
}

// WithKeyPrefix sets the key prefix for namespacing.
func WithKeyPrefix(prefix string) ConfigOption {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

// WithTimeouts sets connection timeouts.
func WithTimeouts(dial, read, write time.Duration) ConfigOption {
	return func(c *Config) {
		c.DialTimeout = dial
		c.ReadTimeout = read
		c.WriteTimeout = write
	}
}

// WithDefaultTTL sets the TTL used when Set is called without one.
func WithDefaultTTL(ttl time.Duration) ConfigOption {
	return func(c *Config) {
		c.DefaultTTL = ttl
	}
}

// universalOptions translates cfg into client options. One address gives a
// single-node client, several give a cluster client, and MasterName gives
// a failover client.
func (c Config) universalOptions() (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{
		Password:     c.Password,
		DB:           c.DB,
		MasterName:   c.MasterName,
		MaxRetries:   c.MaxRetries,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PoolSize:     c.PoolSize,
	}

	if strings.HasPrefix(c.Address, "redis://") || strings.HasPrefix(c.Address, "rediss://") {
		parsed, err := redis.ParseURL(c.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts.Addrs = []string{parsed.Addr}
		opts.DB = parsed.DB
		opts.TLSConfig = parsed.TLSConfig
		opts.Username = parsed.Username
		if parsed.Password != "" {
			opts.Password = parsed.Password
		}
		return opts, nil
	}

	for addr := range strings.SplitSeq(c.Address, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			opts.Addrs = append(opts.Addrs, addr)
		}
	}
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("redis address is empty")
	}
	return opts, nil
}

package resilience

import "time"

// Config tunes retries and the circuit breaker around a backend.
type Config struct {
	// MaxAttempts bounds attempts per operation, including the first.
	MaxAttempts int

	// InitialDelay is the first backoff delay.
	InitialDelay time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration

	// AttemptTimeout bounds a single attempt. Zero disables it.
	AttemptTimeout time.Duration

	// OnStateChange is called after the circuit changes state.
	OnStateChange func(from, to string)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialDelay:     100 * time.Millisecond,
		Multiplier:       2.0,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		AttemptTimeout:   time.Minute,
	}
}

// Option configures the backend decorator.
type Option func(*Config)

// WithRetryAttempts sets the maximum attempts.
func WithRetryAttempts(n int) Option {
	return func(c *Config) {
		c.MaxAttempts = n
	}
}

// WithRetryDelay sets the initial retry delay.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) {
		c.InitialDelay = d
	}
}

// WithCircuitBreakerThreshold sets the failure threshold for the circuit breaker.
func WithCircuitBreakerThreshold(n int) Option {
	return func(c *Config) {
		c.FailureThreshold = n
	}
}

// WithCircuitBreakerTimeout sets the circuit breaker open duration.
func WithCircuitBreakerTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.OpenTimeout = d
	}
}

// WithAttemptTimeout sets the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AttemptTimeout = d
	}
}

// WithStateObserver registers a callback for circuit state changes.
func WithStateObserver(fn func(from, to string)) Option {
	return func(c *Config) {
		c.OnStateChange = fn
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	return c
}

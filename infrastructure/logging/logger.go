// Package logging provides structured logging using bolt.
package logging

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/felixgeelhaar/bolt/v3"
)

// current holds the process logger. Init may replace it at any time; events
// already created keep writing to the logger they came from.
var current atomic.Pointer[bolt.Logger]

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is the output format (json or console).
	Format string

	// Output is the output destination. Defaults to stderr so logs never
	// interleave with artifact bytes written to stdout.
	Output io.Writer
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "console",
		Output: os.Stderr,
	}
}

// FromSettings builds a Config from the logging section of a deck config,
// keeping defaults for empty values.
func FromSettings(level, format string) Config {
	cfg := DefaultConfig()
	if level != "" {
		cfg.Level = level
	}
	if format != "" {
		cfg.Format = format
	}
	return cfg
}

func parseLevel(s string) bolt.Level {
	switch s {
	case "trace":
		return bolt.TRACE
	case "debug":
		return bolt.DEBUG
	case "warn":
		return bolt.WARN
	case "error":
		return bolt.ERROR
	default:
		return bolt.INFO
	}
}

// New builds a logger from config without installing it.
func New(config Config) *bolt.Logger {
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	var handler bolt.Handler
	if config.Format == "json" {
		handler = bolt.NewJSONHandler(output)
	} else {
		handler = bolt.NewConsoleHandler(output)
	}
	return bolt.New(handler).SetLevel(parseLevel(config.Level))
}

// Init installs a logger built from config as the process logger. Calling
// it again reconfigures logging.
func Init(config Config) {
	current.Store(New(config))
}

// Get returns the process logger, installing the default one on first use.
func Get() *bolt.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	current.CompareAndSwap(nil, New(DefaultConfig()))
	return current.Load()
}

// LogEvent wraps a bolt.Event so domain Fields can be chained onto it.
type LogEvent struct {
	event *bolt.Event
}

// NewEvent wraps a bolt.Event for field application.
func NewEvent(e *bolt.Event) *LogEvent {
	return &LogEvent{event: e}
}

// Add applies a field to the event and returns the wrapper for chaining.
func (l *LogEvent) Add(f Field) *LogEvent {
	l.event = f(l.event)
	return l
}

// Msg sends the log event with a message.
func (l *LogEvent) Msg(msg string) {
	l.event.Msg(msg)
}

// Send sends the log event without a message.
func (l *LogEvent) Send() {
	l.event.Send()
}

// Trace starts a trace level event on the process logger.
func Trace() *LogEvent { return NewEvent(Get().Trace()) }

// Debug starts a debug level event on the process logger.
func Debug() *LogEvent { return NewEvent(Get().Debug()) }

// Info starts an info level event on the process logger.
func Info() *LogEvent { return NewEvent(Get().Info()) }

// Warn starts a warn level event on the process logger.
func Warn() *LogEvent { return NewEvent(Get().Warn()) }

// Error starts an error level event on the process logger.
func Error() *LogEvent { return NewEvent(Get().Error()) }

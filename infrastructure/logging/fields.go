package logging

import (
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

// Field is a function that applies structured data to a log event.
type Field func(*bolt.Event) *bolt.Event

// Principal adds the requesting client identity.
func Principal(p string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("principal", p)
	}
}

// IngestionID adds the ingestion correlation ID.
func IngestionID(id string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("ingestion_id", id)
	}
}

// Artifact adds name and version fields.
func Artifact(name, version string) Field {
	return func(e *bolt.Event) *bolt.Event {
		e = e.Str("artifact", name)
		if version != "" {
			e = e.Str("version", version)
		}
		return e
	}
}

// Digest adds a blob digest field.
func Digest(d digest.Digest) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("digest", d.String())
	}
}

// State adds a lifecycle state field.
func State(s artifact.State) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("state", string(s))
	}
}

// Transition adds from_state and to_state fields.
func Transition(from, to artifact.State) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("from_state", string(from)).Str("to_state", string(to))
	}
}

// Size adds a byte size field.
func Size(n int64) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int64("size", n)
	}
}

// Count adds a named integer field.
func Count(key string, n int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int(key, n)
	}
}

// RetryAfter adds a retry_after_ms field.
func RetryAfter(d time.Duration) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int64("retry_after_ms", d.Milliseconds())
	}
}

// Duration adds a duration field in milliseconds.
func Duration(d time.Duration) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int64("duration_ms", d.Milliseconds())
	}
}

// Cached adds a cached field.
func Cached(cached bool) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Bool("cached", cached)
	}
}

// ErrorField adds an error field.
func ErrorField(err error) Field {
	return func(e *bolt.Event) *bolt.Event {
		if err == nil {
			return e
		}
		return e.Err(err)
	}
}

// Reason adds a reason field.
func Reason(reason string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("reason", reason)
	}
}

// Component adds a component field for categorization.
func Component(name string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("component", name)
	}
}

// Operation adds an operation field.
func Operation(op string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("operation", op)
	}
}

// Str adds a string field with custom key.
func Str(key, value string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str(key, value)
	}
}

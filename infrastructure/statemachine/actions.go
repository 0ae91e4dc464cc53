package statemachine

import (
	"github.com/felixgeelhaar/statekit"
	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/infrastructure/logging"
)

// Payload carries additional data with a lifecycle event.
type Payload struct {
	Reason string
	Digest digest.Digest
}

func payloadOf(event statekit.Event) Payload {
	if p, ok := event.Payload.(Payload); ok {
		return p
	}
	return Payload{}
}

// logStateEntry logs when entering a state.
// Actions receive a pointer to the context; the context is *Context.
func logStateEntry(ctx **Context, _ statekit.Event) {
	if ctx == nil || *ctx == nil {
		return
	}
	c := *ctx
	logging.Debug().
		Add(logging.Component("lifecycle")).
		Add(logging.IngestionID(c.IngestionID)).
		Add(logging.State(c.State)).
		Msg("entered state")
}

// recordTransition appends the step to the context history.
func recordTransition(ctx **Context, event statekit.Event) {
	if ctx == nil || *ctx == nil {
		return
	}
	c := *ctx
	from := c.State
	to, ok := Target(from, event.Type)
	if !ok {
		return
	}

	p := payloadOf(event)
	if p.Reason != "" {
		c.Reason = p.Reason
	}
	if p.Digest != "" {
		c.Digest = p.Digest
	}
	at := c.now().UTC()
	c.History = append(c.History, Transition{
		From:   from,
		To:     to,
		Event:  event.Type,
		Reason: p.Reason,
		At:     at,
	})
	c.State = to

	logging.Info().
		Add(logging.Component("lifecycle")).
		Add(logging.IngestionID(c.IngestionID)).
		Add(logging.Transition(from, to)).
		Add(logging.Reason(p.Reason)).
		Msg("lifecycle transition")

	if c.observer != nil {
		c.observer(from, to)
	}
}

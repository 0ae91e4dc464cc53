package statemachine

import (
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

// ErrInvalidTransition indicates an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Option configures an Interpreter.
type Option func(*Context)

// WithClock sets the time source for recorded transitions.
func WithClock(now func() time.Time) Option {
	return func(c *Context) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver registers a callback invoked after every transition.
func WithObserver(fn func(from, to artifact.State)) Option {
	return func(c *Context) {
		c.observer = fn
	}
}

// Interpreter drives one ingestion through the lifecycle statechart.
type Interpreter struct {
	interp *statekit.Interpreter[*Context]
	ctx    *Context
}

// NewInterpreter creates an interpreter bound to a fresh context.
func NewInterpreter(machine *statekit.MachineConfig[*Context], ingestionID string, opts ...Option) *Interpreter {
	ctx := NewContext(ingestionID)
	for _, opt := range opts {
		opt(ctx)
	}

	interp := statekit.NewInterpreter(machine)
	interp.UpdateContext(func(c **Context) {
		*c = ctx
	})
	return &Interpreter{
		interp: interp,
		ctx:    ctx,
	}
}

// Start enters the initial state.
func (i *Interpreter) Start() {
	i.interp.Start()
	i.ctx.State = artifact.State(i.interp.State().Value)
}

// Stop stops the interpreter.
func (i *Interpreter) Stop() {
	i.interp.Stop()
}

// State returns the current state.
func (i *Interpreter) State() artifact.State {
	return artifact.State(i.interp.State().Value)
}

// CanFire reports whether the current state accepts event.
func (i *Interpreter) CanFire(event Event) bool {
	_, ok := Target(i.State(), event)
	return ok
}

// Fire sends event with reason. A refused event leaves the state unchanged.
func (i *Interpreter) Fire(event Event, reason string) error {
	return i.send(event, Payload{Reason: reason})
}

// Stage moves a validated ingestion to staged, recording the stored digest.
func (i *Interpreter) Stage(d digest.Digest) error {
	return i.send(EventStage, Payload{Digest: d})
}

func (i *Interpreter) send(event Event, payload Payload) error {
	from := i.State()
	to, ok := Target(from, event)
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
	}

	i.interp.Send(statekit.Event{Type: event, Payload: payload})

	if got := i.State(); got != to {
		return fmt.Errorf("%w: %s on %s refused by guard", ErrInvalidTransition, event, from)
	}
	return nil
}

// IsTerminal returns true if the interpreter is in a final state.
func (i *Interpreter) IsTerminal() bool {
	return i.interp.Done()
}

// Matches checks if the current state matches s.
func (i *Interpreter) Matches(s artifact.State) bool {
	return i.interp.Matches(statekit.StateID(s))
}

// Context returns the interpreter context.
func (i *Interpreter) Context() *Context {
	return i.ctx
}

// History returns a copy of the recorded transitions.
func (i *Interpreter) History() []Transition {
	out := make([]Transition, len(i.ctx.History))
	copy(out, i.ctx.History)
	return out
}

// ResumeFrom restores the interpreter to state, as when reporting on a
// record that was persisted by an earlier ingestion.
func (i *Interpreter) ResumeFrom(state artifact.State) error {
	snapshot := statekit.Snapshot[*Context]{
		MachineID:    machineID,
		CurrentState: statekit.StateID(state),
		Context:      i.ctx,
		CreatedAt:    i.ctx.now(),
	}
	if err := i.interp.Restore(snapshot); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	i.ctx.State = state
	return nil
}

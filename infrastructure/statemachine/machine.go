// Package statemachine provides the statekit integration for the artifact lifecycle.
package statemachine

import (
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

// Transition is one recorded lifecycle step.
type Transition struct {
	From   artifact.State `json:"from"`
	To     artifact.State `json:"to"`
	Event  Event          `json:"event"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// Context carries one ingestion through the state machine.
type Context struct {
	IngestionID string
	Name        string
	Version     string
	Digest      digest.Digest
	State       artifact.State
	Reason      string
	History     []Transition

	now      func() time.Time
	observer func(from, to artifact.State)
}

// NewContext creates a machine context for one ingestion.
func NewContext(ingestionID string) *Context {
	return &Context{
		IngestionID: ingestionID,
		State:       artifact.StateUploading,
		now:         time.Now,
	}
}

// Event is a lifecycle event name.
type Event = statekit.EventType

// Lifecycle events.
const (
	EventValidate  Event = "VALIDATE"
	EventReject    Event = "REJECT"
	EventStage     Event = "STAGE"
	EventPublish   Event = "PUBLISH"
	EventSupersede Event = "SUPERSEDE"
)

const machineID = "artifact"

const (
	stateUploading  = statekit.StateID(artifact.StateUploading)
	stateValidating = statekit.StateID(artifact.StateValidating)
	stateRejected   = statekit.StateID(artifact.StateRejected)
	stateStaged     = statekit.StateID(artifact.StateStaged)
	statePublished  = statekit.StateID(artifact.StatePublished)
	stateSuperseded = statekit.StateID(artifact.StateSuperseded)
)

// transitions mirrors the statechart so callers can ask before firing.
var transitions = map[artifact.State]map[Event]artifact.State{
	artifact.StateUploading: {
		EventValidate: artifact.StateValidating,
		EventReject:   artifact.StateRejected,
	},
	artifact.StateValidating: {
		EventStage:  artifact.StateStaged,
		EventReject: artifact.StateRejected,
	},
	artifact.StateStaged: {
		EventPublish: artifact.StatePublished,
		EventReject:  artifact.StateRejected,
	},
	artifact.StatePublished: {
		EventSupersede: artifact.StateSuperseded,
	},
}

// Target returns the state event leads to from state, if any.
func Target(from artifact.State, event Event) (artifact.State, bool) {
	to, ok := transitions[from][event]
	return to, ok
}

// NewLifecycleMachine creates the artifact lifecycle statechart.
func NewLifecycleMachine() (*statekit.MachineConfig[*Context], error) {
	return statekit.NewMachine[*Context](machineID).
		WithInitial(stateUploading).
		WithContext(&Context{}).
		WithAction("logEntry", logStateEntry).
		WithAction("recordTransition", recordTransition).
		WithGuard("hasDigest", guardHasDigest).
		WithGuard("hasReason", guardHasReason).
		State(stateUploading).
			OnEntry("logEntry").
			On(EventValidate).Target(stateValidating).Do("recordTransition").
			On(EventReject).Target(stateRejected).Guard("hasReason").Do("recordTransition").
			Done().
		State(stateValidating).
			OnEntry("logEntry").
			On(EventStage).Target(stateStaged).Do("recordTransition").
			On(EventReject).Target(stateRejected).Guard("hasReason").Do("recordTransition").
			Done().
		State(stateStaged).
			OnEntry("logEntry").
			On(EventPublish).Target(statePublished).Guard("hasDigest").Do("recordTransition").
			On(EventReject).Target(stateRejected).Guard("hasReason").Do("recordTransition").
			Done().
		State(statePublished).
			OnEntry("logEntry").
			On(EventSupersede).Target(stateSuperseded).Do("recordTransition").
			Done().
		State(stateRejected).
			OnEntry("logEntry").
			Final().
			Done().
		State(stateSuperseded).
			OnEntry("logEntry").
			Final().
			Done().
		Build()
}

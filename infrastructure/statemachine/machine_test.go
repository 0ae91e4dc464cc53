package statemachine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/statemachine"
)

func newTestInterpreter(t *testing.T, opts ...statemachine.Option) *statemachine.Interpreter {
	t.Helper()

	machine, err := statemachine.NewLifecycleMachine()
	if err != nil {
		t.Fatalf("NewLifecycleMachine() error = %v", err)
	}
	interp := statemachine.NewInterpreter(machine, "ing-1", opts...)
	interp.Start()
	t.Cleanup(interp.Stop)
	return interp
}

func TestNewLifecycleMachine(t *testing.T) {
	t.Parallel()

	machine, err := statemachine.NewLifecycleMachine()
	if err != nil {
		t.Fatalf("NewLifecycleMachine() error = %v", err)
	}
	if machine == nil {
		t.Fatal("NewLifecycleMachine() returned nil")
	}
}

func TestTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from   artifact.State
		event  statemachine.Event
		want   artifact.State
		wantOK bool
	}{
		{artifact.StateUploading, statemachine.EventValidate, artifact.StateValidating, true},
		{artifact.StateUploading, statemachine.EventReject, artifact.StateRejected, true},
		{artifact.StateUploading, statemachine.EventPublish, "", false},
		{artifact.StateValidating, statemachine.EventStage, artifact.StateStaged, true},
		{artifact.StateValidating, statemachine.EventReject, artifact.StateRejected, true},
		{artifact.StateStaged, statemachine.EventPublish, artifact.StatePublished, true},
		{artifact.StateStaged, statemachine.EventReject, artifact.StateRejected, true},
		{artifact.StatePublished, statemachine.EventSupersede, artifact.StateSuperseded, true},
		{artifact.StatePublished, statemachine.EventReject, "", false},
		{artifact.StateRejected, statemachine.EventValidate, "", false},
		{artifact.StateSuperseded, statemachine.EventPublish, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			t.Parallel()

			got, ok := statemachine.Target(tt.from, tt.event)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Target(%s, %s) = %s, %v; want %s, %v", tt.from, tt.event, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestInterpreter_InitialState(t *testing.T) {
	t.Parallel()

	interp := newTestInterpreter(t)

	if interp.State() != artifact.StateUploading {
		t.Errorf("State() = %s, want uploading", interp.State())
	}
	if interp.IsTerminal() {
		t.Error("initial state should not be terminal")
	}
	if !interp.Matches(artifact.StateUploading) {
		t.Error("Matches(uploading) = false")
	}
}

func TestInterpreter_HappyPath(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var observed []artifact.State
	interp := newTestInterpreter(t,
		statemachine.WithClock(func() time.Time { return now }),
		statemachine.WithObserver(func(_, to artifact.State) { observed = append(observed, to) }),
	)
	d := blob.Compute([]byte("payload"))

	if err := interp.Fire(statemachine.EventValidate, ""); err != nil {
		t.Fatalf("VALIDATE error = %v", err)
	}
	if err := interp.Stage(d); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if err := interp.Fire(statemachine.EventPublish, "registered"); err != nil {
		t.Fatalf("PUBLISH error = %v", err)
	}

	if interp.State() != artifact.StatePublished {
		t.Fatalf("State() = %s, want published", interp.State())
	}
	if interp.IsTerminal() {
		t.Error("published is not terminal")
	}
	if interp.Context().Digest != d {
		t.Errorf("Digest = %s, want %s", interp.Context().Digest, d)
	}

	history := interp.History()
	if len(history) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(history))
	}
	if history[2].From != artifact.StateStaged || history[2].To != artifact.StatePublished {
		t.Errorf("last transition = %+v", history[2])
	}
	if !history[0].At.Equal(now) {
		t.Errorf("At = %v, want %v", history[0].At, now)
	}
	want := []artifact.State{artifact.StateValidating, artifact.StateStaged, artifact.StatePublished}
	if len(observed) != len(want) {
		t.Fatalf("observed %v, want %v", observed, want)
	}
	for i := range want {
		if observed[i] != want[i] {
			t.Errorf("observed[%d] = %s, want %s", i, observed[i], want[i])
		}
	}
}

func TestInterpreter_RejectIsTerminal(t *testing.T) {
	t.Parallel()

	interp := newTestInterpreter(t)
	_ = interp.Fire(statemachine.EventValidate, "")

	if err := interp.Fire(statemachine.EventReject, "traversal"); err != nil {
		t.Fatalf("REJECT error = %v", err)
	}
	if !interp.IsTerminal() {
		t.Error("rejected should be terminal")
	}
	if interp.Context().Reason != "traversal" {
		t.Errorf("Reason = %q", interp.Context().Reason)
	}

	err := interp.Fire(statemachine.EventValidate, "")
	if !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Errorf("Fire after reject error = %v, want ErrInvalidTransition", err)
	}
}

func TestInterpreter_InvalidTransition(t *testing.T) {
	t.Parallel()

	interp := newTestInterpreter(t)

	err := interp.Fire(statemachine.EventPublish, "")
	if !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	if interp.State() != artifact.StateUploading {
		t.Errorf("State() = %s, want uploading", interp.State())
	}
	if interp.CanFire(statemachine.EventPublish) {
		t.Error("CanFire(PUBLISH) from uploading = true")
	}
	if !interp.CanFire(statemachine.EventValidate) {
		t.Error("CanFire(VALIDATE) from uploading = false")
	}
}

func TestInterpreter_Guards(t *testing.T) {
	t.Parallel()

	t.Run("reject requires reason", func(t *testing.T) {
		t.Parallel()

		interp := newTestInterpreter(t)
		err := interp.Fire(statemachine.EventReject, "")
		if !errors.Is(err, statemachine.ErrInvalidTransition) {
			t.Fatalf("error = %v, want ErrInvalidTransition", err)
		}
		if interp.State() != artifact.StateUploading {
			t.Errorf("State() = %s", interp.State())
		}
	})

	t.Run("publish requires digest", func(t *testing.T) {
		t.Parallel()

		interp := newTestInterpreter(t)
		_ = interp.Fire(statemachine.EventValidate, "")
		_ = interp.Fire(statemachine.EventStage, "")

		err := interp.Fire(statemachine.EventPublish, "")
		if !errors.Is(err, statemachine.ErrInvalidTransition) {
			t.Fatalf("error = %v, want ErrInvalidTransition", err)
		}
		if interp.State() != artifact.StateStaged {
			t.Errorf("State() = %s, want staged", interp.State())
		}
	})
}

func TestInterpreter_ResumeFrom(t *testing.T) {
	t.Parallel()

	interp := newTestInterpreter(t)
	if err := interp.ResumeFrom(artifact.StatePublished); err != nil {
		t.Fatalf("ResumeFrom() error = %v", err)
	}
	if interp.State() != artifact.StatePublished {
		t.Fatalf("State() = %s, want published", interp.State())
	}

	if err := interp.Fire(statemachine.EventSupersede, "newer release"); err != nil {
		t.Fatalf("SUPERSEDE error = %v", err)
	}
	if !interp.IsTerminal() {
		t.Error("superseded should be terminal")
	}
}

func TestInterpreter_Independent(t *testing.T) {
	t.Parallel()

	machine, err := statemachine.NewLifecycleMachine()
	if err != nil {
		t.Fatal(err)
	}
	a := statemachine.NewInterpreter(machine, "a")
	b := statemachine.NewInterpreter(machine, "b")
	a.Start()
	b.Start()

	_ = a.Fire(statemachine.EventValidate, "")

	if b.State() != artifact.StateUploading {
		t.Errorf("second interpreter moved to %s", b.State())
	}
	if a.Context().IngestionID == b.Context().IngestionID {
		t.Error("interpreters share a context")
	}
}

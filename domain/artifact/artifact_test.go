package artifact_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

func TestDescriptor_Validate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		desc    artifact.Descriptor
		wantErr error
	}{
		{"valid", artifact.NewDescriptor("worldedit", "7.3.0", now), nil},
		{"valid with build metadata", artifact.NewDescriptor("we-cli", "1.0.0+build.5", now), nil},
		{"empty name", artifact.NewDescriptor("", "1.0", now), artifact.ErrInvalidName},
		{"name with slash", artifact.NewDescriptor("a/b", "1.0", now), artifact.ErrInvalidName},
		{"version with dot-dot prefix", artifact.NewDescriptor("a", "..", now), artifact.ErrInvalidVersion},
		{"missing release time", artifact.NewDescriptor("a", "1.0", time.Time{}), artifact.ErrMissingReleaseTime},
		{"sub-millisecond after zero", artifact.NewDescriptor("a", "1.0", time.Time{}.Add(time.Microsecond)), artifact.ErrMissingReleaseTime},
		{"year 10000", artifact.NewDescriptor("a", "1.0", time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)), artifact.ErrInvalidReleaseTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.desc.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDescriptor_WithFlagDoesNotAlias(t *testing.T) {
	t.Parallel()

	base := artifact.NewDescriptor("a", "1", time.Now()).WithFlag("has_block_states", true)
	derived := base.WithFlag("has_cli_data", true)

	if base.Flag("has_cli_data") {
		t.Error("WithFlag mutated the receiver's flags")
	}
	if got := derived.FlagNames(); len(got) != 2 || got[0] != "has_block_states" || got[1] != "has_cli_data" {
		t.Errorf("FlagNames() = %v", got)
	}
}

func TestNormalizeTime(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("X", 3600)
	in := time.Date(2024, 5, 1, 12, 0, 0, 123456789, loc)
	got := artifact.NormalizeTime(in)

	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
	if got.Nanosecond() != 123000000 {
		t.Errorf("nanoseconds = %d, want 123000000", got.Nanosecond())
	}
	if !artifact.NormalizeTime(time.Time{}).IsZero() {
		t.Error("zero time should stay zero")
	}
}

func TestCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{&artifact.RateLimitError{RetryAfter: time.Second}, "rate.limit.exceeded"},
		{artifact.NewValidationError(artifact.ReasonTraversal, "../x", ""), "validation.traversal"},
		{fmt.Errorf("wrapped: %w", artifact.NewValidationError(artifact.ReasonOversize, "", "")), "validation.oversize"},
		{artifact.ErrConflict, "artifact.conflict"},
		{fmt.Errorf("lookup: %w", artifact.ErrNotFound), "artifact.not.found"},
		{artifact.StorageError("write blob", errors.New("disk full")), "storage.error"},
		{errors.New("boom"), "internal.server.error"},
	}

	for _, tt := range tests {
		if got := artifact.Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	if !artifact.Retryable(&artifact.RateLimitError{}) {
		t.Error("rate limit errors should be retryable")
	}
	if !artifact.Retryable(artifact.StorageError("read", errors.New("io"))) {
		t.Error("storage errors should be retryable")
	}
	if artifact.Retryable(artifact.ErrConflict) {
		t.Error("conflicts should not be retryable")
	}
	if artifact.Retryable(artifact.NewValidationError(artifact.ReasonMalformed, "", "")) {
		t.Error("validation errors should not be retryable")
	}
}

func TestStorageError_DoesNotDoubleWrap(t *testing.T) {
	t.Parallel()

	inner := artifact.StorageError("write", errors.New("io"))
	if artifact.StorageError("put", inner) != inner {
		t.Error("StorageError should return already-wrapped errors unchanged")
	}
	if artifact.StorageError("noop", nil) != nil {
		t.Error("StorageError(nil) should be nil")
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("admit: %w", &artifact.RateLimitError{RetryAfter: 1500 * time.Millisecond})
	d, ok := artifact.RetryAfter(err)
	if !ok || d != 1500*time.Millisecond {
		t.Errorf("RetryAfter() = %v, %v", d, ok)
	}
}

func TestCursor_Admits(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := func(v string, at time.Time) artifact.Record {
		return artifact.Record{Descriptor: artifact.NewDescriptor("a", v, at)}
	}

	c := artifact.Cursor{ReleaseTime: t0, Version: "2"}
	if !c.Admits(rec("9", t0.Add(-time.Second))) {
		t.Error("older record should be admitted")
	}
	if !c.Admits(rec("1", t0)) {
		t.Error("tie with lower version should be admitted")
	}
	if c.Admits(rec("2", t0)) {
		t.Error("cursor record itself should not be admitted")
	}
	if c.Admits(rec("1", t0.Add(time.Second))) {
		t.Error("newer record should not be admitted")
	}
	if !(artifact.Cursor{}).Admits(rec("1", t0)) {
		t.Error("zero cursor admits everything")
	}
}

func TestPaginate(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var all []artifact.Record
	for i := range 7 {
		all = append(all, artifact.Record{
			Descriptor: artifact.NewDescriptor("a", fmt.Sprintf("v%d", 9-i), t0.Add(-time.Duration(i)*time.Hour)),
			Digest:     digest.FromString(fmt.Sprint(i)),
		})
	}

	calls := 0
	page := func(_ context.Context, _ string, opts artifact.ListOptions) ([]artifact.Record, error) {
		calls++
		var out []artifact.Record
		for _, r := range all {
			if opts.Before.Admits(r) && len(out) < opts.EffectiveLimit() {
				out = append(out, r)
			}
		}
		return out, nil
	}

	var got []string
	for r, err := range artifact.Paginate(context.Background(), "a", 3, page) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, r.Version)
	}

	if len(got) != 7 {
		t.Fatalf("got %d records, want 7: %v", len(got), got)
	}
	if got[0] != "v9" || got[6] != "v3" {
		t.Errorf("unexpected order: %v", got)
	}
	if calls != 3 {
		t.Errorf("page calls = %d, want 3", calls)
	}
}

func TestPaginate_StopsEarly(t *testing.T) {
	t.Parallel()

	calls := 0
	page := func(_ context.Context, _ string, opts artifact.ListOptions) ([]artifact.Record, error) {
		calls++
		out := make([]artifact.Record, opts.EffectiveLimit())
		for i := range out {
			out[i] = artifact.Record{Descriptor: artifact.NewDescriptor("a", fmt.Sprint(i), time.Now())}
		}
		return out, nil
	}

	n := 0
	for range artifact.Paginate(context.Background(), "a", 2, page) {
		n++
		if n == 1 {
			break
		}
	}
	if calls != 1 {
		t.Errorf("page calls = %d, want 1", calls)
	}
}

func TestListOptions_EffectiveLimit(t *testing.T) {
	t.Parallel()

	if got := (artifact.ListOptions{}).EffectiveLimit(); got != artifact.DefaultListLimit {
		t.Errorf("default = %d", got)
	}
	if got := (artifact.ListOptions{Limit: 5000}).EffectiveLimit(); got != artifact.MaxListLimit {
		t.Errorf("capped = %d", got)
	}
	if got := (artifact.ListOptions{Limit: 7}).EffectiveLimit(); got != 7 {
		t.Errorf("explicit = %d", got)
	}
}

func TestState(t *testing.T) {
	t.Parallel()

	if !artifact.StateRejected.IsTerminal() || !artifact.StateSuperseded.IsTerminal() {
		t.Error("rejected and superseded are terminal")
	}
	if artifact.StatePublished.IsTerminal() {
		t.Error("published is not terminal")
	}
	if artifact.StateStaged.IsVisible() {
		t.Error("staged artifacts are not visible")
	}
}

package storagetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
)

// Epoch is a fixed base time for release times in the suites.
var Epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// IndexFactory returns a fresh, empty index.
type IndexFactory func(t *testing.T) artifact.Index

func desc(name, version string, release time.Time) artifact.Descriptor {
	return artifact.NewDescriptor(name, version, release)
}

func digestOf(s string) digest.Digest {
	return blob.Compute([]byte(s))
}

// TestIndex runs the index behavioral suite.
func TestIndex(t *testing.T, newIndex IndexFactory) {
	t.Helper()

	t.Run("register and lookup", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t)

		d := desc("demo", "1.0.0", Epoch).WithFlag("stable", true)
		rec, created, err := idx.Register(ctx, d, digestOf("a"))
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if !created {
			t.Error("first registration should create")
		}
		if rec.Digest != digestOf("a") {
			t.Errorf("Digest = %s", rec.Digest)
		}

		got, err := idx.Lookup(ctx, "demo", "1.0.0")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if got.Digest != digestOf("a") || !got.ReleaseTime.Equal(Epoch) {
			t.Errorf("Lookup() = %+v", got)
		}
		if !got.Flag("stable") {
			t.Error("flags should round trip")
		}
	})

	t.Run("idempotent registration", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t)

		first, _, err := idx.Register(ctx, desc("demo", "1.0.0", Epoch), digestOf("a"))
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		again, created, err := idx.Register(ctx, desc("demo", "1.0.0", Epoch.Add(time.Hour)), digestOf("a"))
		if err != nil {
			t.Fatalf("second Register() error = %v", err)
		}
		if created {
			t.Error("second registration should not create")
		}
		if !again.ReleaseTime.Equal(first.ReleaseTime) {
			t.Error("stored record should be returned unchanged")
		}
	})

	t.Run("conflicting registration", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t)

		if _, _, err := idx.Register(ctx, desc("demo", "1.0.0", Epoch), digestOf("a")); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		_, _, err := idx.Register(ctx, desc("demo", "1.0.0", Epoch), digestOf("b"))
		if !errors.Is(err, artifact.ErrConflict) {
			t.Fatalf("Register() error = %v, want ErrConflict", err)
		}

		got, err := idx.Lookup(ctx, "demo", "1.0.0")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if got.Digest != digestOf("a") {
			t.Error("conflict must not replace the stored digest")
		}
	})

	t.Run("concurrent conflicting registrations", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t)

		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := idx.Register(ctx, desc("race", "1", Epoch), digestOf(fmt.Sprint(i)))
				if err != nil && !errors.Is(err, artifact.ErrConflict) {
					t.Errorf("Register() error = %v", err)
				}
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if created != 1 {
			t.Errorf("created = %d, want exactly 1", created)
		}
	})

	t.Run("not found", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t)

		if _, err := idx.Lookup(ctx, "missing", "1"); !errors.Is(err, artifact.ErrNotFound) {
			t.Errorf("Lookup(version) error = %v, want ErrNotFound", err)
		}
		if _, err := idx.Lookup(ctx, "missing", ""); !errors.Is(err, artifact.ErrNotFound) {
			t.Errorf("Lookup(latest) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("latest follows release time", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t)

		mustRegister(t, idx, desc("demo", "2.0.0", Epoch.Add(2*time.Hour)), digestOf("2"))
		mustRegister(t, idx, desc("demo", "3.0.0", Epoch.Add(time.Hour)), digestOf("3"))
		mustRegister(t, idx, desc("demo", "1.0.0", Epoch), digestOf("1"))

		got, err := idx.Lookup(ctx, "demo", "")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if got.Version != "2.0.0" {
			t.Errorf("latest = %s, want 2.0.0", got.Version)
		}
	})

	t.Run("equal release times break ties by version", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t)

		mustRegister(t, idx, desc("demo", "a", Epoch), digestOf("a"))
		mustRegister(t, idx, desc("demo", "b", Epoch), digestOf("b"))

		got, err := idx.Lookup(ctx, "demo", "")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if got.Version != "b" {
			t.Errorf("latest = %s, want b", got.Version)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t)

		for i := range 7 {
			mustRegister(t, idx, desc("demo", fmt.Sprintf("v%d", i), Epoch.Add(time.Duration(i)*time.Minute)), digestOf(fmt.Sprint(i)))
		}
		// Same release time as v6 to exercise the version tiebreak.
		mustRegister(t, idx, desc("demo", "v6a", Epoch.Add(6*time.Minute)), digestOf("6a"))
		mustRegister(t, idx, desc("other", "v1", Epoch), digestOf("other"))

		var versions []string
		opts := artifact.ListOptions{Limit: 3}
		for {
			page, err := idx.ListPage(ctx, "demo", opts)
			if err != nil {
				t.Fatalf("ListPage() error = %v", err)
			}
			for _, r := range page {
				versions = append(versions, r.Version)
			}
			if len(page) < 3 {
				break
			}
			opts.Before = page[len(page)-1].Cursor()
		}

		want := "v6a,v6,v5,v4,v3,v2,v1,v0"
		if got := strings.Join(versions, ","); got != want {
			t.Errorf("paged order = %s, want %s", got, want)
		}

		var listed []string
		for r, err := range idx.List(ctx, "demo") {
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			listed = append(listed, r.Version)
		}
		if got := strings.Join(listed, ","); got != want {
			t.Errorf("List() order = %s, want %s", got, want)
		}
	})

	t.Run("list of unknown name is empty", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t)

		for _, err := range idx.List(ctx, "nothing") {
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			t.Fatal("List() should yield nothing")
		}
	})

	t.Run("references", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t)

		shared := digestOf("shared")
		mustRegister(t, idx, desc("a", "1", Epoch), shared)
		mustRegister(t, idx, desc("b", "1", Epoch), shared)
		mustRegister(t, idx, desc("c", "1", Epoch), digestOf("own"))

		n, err := idx.References(ctx, shared)
		if err != nil {
			t.Fatalf("References() error = %v", err)
		}
		if n != 2 {
			t.Errorf("References() = %d, want 2", n)
		}
		if n, _ := idx.References(ctx, digestOf("unused")); n != 0 {
			t.Errorf("References(unused) = %d, want 0", n)
		}
	})

	t.Run("invalid descriptor", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t)

		_, _, err := idx.Register(ctx, desc("../etc", "1", Epoch), digestOf("x"))
		if !errors.Is(err, artifact.ErrInvalidName) {
			t.Errorf("Register() error = %v, want ErrInvalidName", err)
		}
	})
}

func mustRegister(t *testing.T, idx artifact.Index, d artifact.Descriptor, dg digest.Digest) artifact.Record {
	t.Helper()

	rec, _, err := idx.Register(context.Background(), d, dg)
	if err != nil {
		t.Fatalf("Register(%s) error = %v", d.Key(), err)
	}
	return rec
}

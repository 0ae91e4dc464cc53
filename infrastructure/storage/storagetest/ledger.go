package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/enginehub/cassettedeck/domain/blob"
)

// LedgerFactory returns a fresh, empty ledger.
type LedgerFactory func(t *testing.T) blob.RefLedger

// TestLedger runs the reference ledger behavioral suite.
func TestLedger(t *testing.T, newLedger LedgerFactory) {
	t.Helper()

	t.Run("retain and release", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		d := digestOf("blob")

		for want := int64(1); want <= 2; want++ {
			n, err := l.Retain(ctx, d, Epoch)
			if err != nil {
				t.Fatalf("Retain() error = %v", err)
			}
			if n != want {
				t.Errorf("Retain() = %d, want %d", n, want)
			}
		}
		for want := int64(1); want >= 0; want-- {
			n, err := l.Release(ctx, d, Epoch)
			if err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if n != want {
				t.Errorf("Release() = %d, want %d", n, want)
			}
		}
		if _, err := l.Release(ctx, d, Epoch); !errors.Is(err, blob.ErrNotRetained) {
			t.Errorf("Release() at zero error = %v, want ErrNotRetained", err)
		}
	})

	t.Run("release unknown digest", func(t *testing.T) {
		l := newLedger(t)
		if _, err := l.Release(context.Background(), digestOf("nope"), Epoch); !errors.Is(err, blob.ErrNotRetained) {
			t.Errorf("Release() error = %v, want ErrNotRetained", err)
		}
	})

	t.Run("touch keeps count", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		d := digestOf("blob")

		if err := l.Touch(ctx, d, Epoch); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
		ref, err := l.Ref(ctx, d)
		if err != nil {
			t.Fatalf("Ref() error = %v", err)
		}
		if ref.Count != 0 || !ref.UpdatedAt.Equal(Epoch) {
			t.Errorf("Ref() = %+v", ref)
		}

		_, _ = l.Retain(ctx, d, Epoch)
		later := Epoch.Add(time.Minute)
		if err := l.Touch(ctx, d, later); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
		ref, _ = l.Ref(ctx, d)
		if ref.Count != 1 || !ref.UpdatedAt.Equal(later) {
			t.Errorf("Ref() after touch = %+v", ref)
		}
	})

	t.Run("missing ref", func(t *testing.T) {
		l := newLedger(t)
		if _, err := l.Ref(context.Background(), digestOf("nope")); !errors.Is(err, blob.ErrRefNotFound) {
			t.Errorf("Ref() error = %v, want ErrRefNotFound", err)
		}
	})

	t.Run("stale", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)

		old, fresh := digestOf("old"), digestOf("fresh")
		_ = l.Touch(ctx, old, Epoch)
		_ = l.Touch(ctx, fresh, Epoch.Add(2*time.Hour))

		stale, err := l.Stale(ctx, Epoch.Add(time.Hour))
		if err != nil {
			t.Fatalf("Stale() error = %v", err)
		}
		if len(stale) != 1 || stale[0].Digest != old {
			t.Errorf("Stale() = %+v, want only %s", stale, old)
		}
	})

	t.Run("reconcile keeps activity time", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		d := digestOf("blob")

		_, _ = l.Retain(ctx, d, Epoch)
		_, _ = l.Retain(ctx, d, Epoch)
		if err := l.Reconcile(ctx, d, 0); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		ref, _ := l.Ref(ctx, d)
		if ref.Count != 0 || !ref.UpdatedAt.Equal(Epoch) {
			t.Errorf("Ref() = %+v", ref)
		}
	})

	t.Run("forget", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		d := digestOf("blob")

		_ = l.Touch(ctx, d, Epoch)
		if err := l.Forget(ctx, d); err != nil {
			t.Fatalf("Forget() error = %v", err)
		}
		if _, err := l.Ref(ctx, d); !errors.Is(err, blob.ErrRefNotFound) {
			t.Errorf("Ref() after Forget error = %v", err)
		}
		if err := l.Forget(ctx, d); err != nil {
			t.Errorf("Forget() of missing row error = %v", err)
		}
	})
}

package memory_test

import (
	"testing"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/storage/memory"
	"github.com/enginehub/cassettedeck/infrastructure/storage/storagetest"
)

func TestIndex(t *testing.T) {
	t.Parallel()

	storagetest.TestIndex(t, func(t *testing.T) artifact.Index {
		return memory.NewIndex(nil)
	})
}

func TestLedger(t *testing.T) {
	t.Parallel()

	storagetest.TestLedger(t, func(t *testing.T) blob.RefLedger {
		return memory.NewIndex(nil)
	})
}

func TestBlobBackend(t *testing.T) {
	t.Parallel()

	storagetest.TestBackend(t, func(t *testing.T) blob.Backend {
		return memory.NewBlobBackend(nil)
	})
}

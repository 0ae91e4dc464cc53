package content

import (
	"hash/fnv"
	"sync"

	"github.com/opencontainers/go-digest"
)

const lockStripes = 32

// stripedLocks serializes work on a digest without a lock per blob.
type stripedLocks struct {
	stripes [lockStripes]sync.RWMutex
}

func (l *stripedLocks) forDigest(d digest.Digest) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(d))
	return &l.stripes[h.Sum32()%lockStripes]
}

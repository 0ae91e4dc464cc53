package archive

// Limits bounds the resources one archive may consume.
type Limits struct {
	// MaxArchiveSize caps the raw payload.
	MaxArchiveSize int64
	// MaxEntries caps the number of entries of any kind.
	MaxEntries int
	// MaxEntrySize caps the uncompressed size of one entry.
	MaxEntrySize int64
	// MaxTotalSize caps the uncompressed size of all entries.
	MaxTotalSize int64
}

// DefaultLimits returns limits with sensible defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxArchiveSize: 256 << 20,
		MaxEntries:     10_000,
		MaxEntrySize:   64 << 20,
		MaxTotalSize:   512 << 20,
	}
}

// streamBudget bounds the decompressed bytes of a tar stream: entry
// content plus generous header and padding overhead.
func (l Limits) streamBudget() int64 {
	const perEntryOverhead = 4 << 10
	const extendedHeaders = 2 << 20
	return l.MaxTotalSize + int64(l.MaxEntries+2)*perEntryOverhead + extendedHeaders
}

func (l Limits) normalized() Limits {
	def := DefaultLimits()
	if l.MaxArchiveSize <= 0 {
		l.MaxArchiveSize = def.MaxArchiveSize
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = def.MaxEntries
	}
	if l.MaxEntrySize <= 0 {
		l.MaxEntrySize = def.MaxEntrySize
	}
	if l.MaxTotalSize <= 0 {
		l.MaxTotalSize = def.MaxTotalSize
	}
	return l
}

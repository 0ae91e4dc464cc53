// Package archive validates inbound artifact archives and reduces them to
// a canonical byte form suitable for content addressing.
package archive

import (
	"io"
	"slices"
	"sync"
)

// EntryKind classifies archive entries.
type EntryKind int

// Entry kinds.
const (
	KindFile EntryKind = iota
	KindDir
	KindLink
	KindOther
)

// Header describes one entry as declared by its container.
type Header struct {
	// Name is the raw entry name.
	Name string
	Kind EntryKind
	// Size is the declared uncompressed size.
	Size int64
	// CompressedSize is the stored size, or zero if the container does
	// not record it per entry.
	CompressedSize int64
}

// VisitFunc receives each entry in container order. body yields the
// uncompressed content and is only valid during the call.
type VisitFunc func(h Header, body io.Reader) error

// Format is a container format.
type Format interface {
	// Name identifies the format in results and logs.
	Name() string

	// Match reports whether head, the leading bytes of a payload,
	// belongs to this format.
	Match(head []byte) bool

	// Walk enumerates entries. Implementations check whatever limits
	// their headers allow before inflating any entry.
	Walk(raw []byte, limits Limits, visit VisitFunc) error
}

// Registry detects the format of a payload.
type Registry struct {
	mu      sync.RWMutex
	formats []Format
}

// NewRegistry creates a registry. Formats are tried in order.
func NewRegistry(formats ...Format) *Registry {
	return &Registry{formats: slices.Clone(formats)}
}

// DefaultRegistry returns a registry with every built-in format.
func DefaultRegistry() *Registry {
	return NewRegistry(Zip(), TarGzip(), TarZstd(), TarLZ4(), Tar())
}

// Register adds a format. Later registrations are tried last.
func (r *Registry) Register(f Format) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats = append(r.formats, f)
}

// Detect returns the first format matching raw.
func (r *Registry) Detect(raw []byte) (Format, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	head := raw
	if len(head) > 512 {
		head = head[:512]
	}
	for _, f := range r.formats {
		if f.Match(head) {
			return f, true
		}
	}
	return nil, false
}

// Names returns the registered format names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.formats))
	for i, f := range r.formats {
		names[i] = f.Name()
	}
	return names
}

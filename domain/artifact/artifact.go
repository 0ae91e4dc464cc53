// Package artifact provides domain models for versioned artifacts.
package artifact

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"
)

var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]{0,127}$`)

// Descriptor is the logical identity of a published artifact.
type Descriptor struct {
	// Name is the artifact name.
	Name string `json:"name"`

	// Version is unique per name.
	Version string `json:"version"`

	// ReleaseTime orders versions of the same name.
	ReleaseTime time.Time `json:"release_time"`

	// Flags holds boolean-named attributes of the release.
	Flags map[string]bool `json:"flags,omitempty"`
}

// NewDescriptor creates a descriptor with a normalized release time.
func NewDescriptor(name, version string, releaseTime time.Time) Descriptor {
	return Descriptor{
		Name:        name,
		Version:     version,
		ReleaseTime: NormalizeTime(releaseTime),
	}
}

// WithFlag sets a flag on the descriptor.
func (d Descriptor) WithFlag(name string, value bool) Descriptor {
	flags := make(map[string]bool, len(d.Flags)+1)
	maps.Copy(flags, d.Flags)
	flags[name] = value
	d.Flags = flags
	return d
}

// Flag reports the value of a flag. Unknown flags are false.
func (d Descriptor) Flag(name string) bool {
	return d.Flags[name]
}

// FlagNames returns the names of all set flags in sorted order.
func (d Descriptor) FlagNames() []string {
	names := make([]string, 0, len(d.Flags))
	for name, v := range d.Flags {
		if v {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Validate checks the descriptor identity fields.
func (d Descriptor) Validate() error {
	if !identPattern.MatchString(d.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, d.Name)
	}
	if !identPattern.MatchString(d.Version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, d.Version)
	}
	if d.ReleaseTime.IsZero() {
		return ErrMissingReleaseTime
	}
	if !ValidReleaseTime(d.ReleaseTime) {
		return fmt.Errorf("%w: %s", ErrInvalidReleaseTime, d.ReleaseTime)
	}
	return nil
}

// Key returns the "name@version" form of the descriptor.
func (d Descriptor) Key() string {
	return d.Name + "@" + d.Version
}

// String returns a string representation of the descriptor.
func (d Descriptor) String() string {
	return d.Key()
}

// ValidName reports whether s is an acceptable artifact name or version.
func ValidName(s string) bool {
	return identPattern.MatchString(s)
}

// ValidReleaseTime reports whether t survives normalization as a non-zero
// time between years 1 and 9999.
func ValidReleaseTime(t time.Time) bool {
	n := NormalizeTime(t)
	if n.IsZero() {
		return false
	}
	year := n.Year()
	return year >= 1 && year <= 9999
}

// NormalizeTime converts t to UTC at millisecond precision.
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// Record is a registered descriptor together with the blob it points at.
type Record struct {
	Descriptor

	// Digest identifies the canonical content.
	Digest digest.Digest `json:"digest"`

	// RegisteredAt is when the index accepted the descriptor.
	RegisteredAt time.Time `json:"registered_at"`
}

// Cursor returns the listing cursor positioned at this record.
func (r Record) Cursor() Cursor {
	return Cursor{ReleaseTime: r.ReleaseTime, Version: r.Version}
}

// Newer reports whether r sorts before other in release order.
func (r Record) Newer(other Record) bool {
	if !r.ReleaseTime.Equal(other.ReleaseTime) {
		return r.ReleaseTime.After(other.ReleaseTime)
	}
	return r.Version > other.Version
}

// EntryMeta describes one accepted archive entry.
type EntryMeta struct {
	Path           string `json:"path"`
	Size           int64  `json:"size"`
	CompressedSize int64  `json:"compressed_size"`
}

// IngestionResult is the outcome of one ingestion attempt.
type IngestionResult struct {
	// ID correlates the log lines of one ingestion.
	ID string `json:"id"`

	Descriptor Descriptor    `json:"descriptor"`
	Digest     digest.Digest `json:"digest,omitempty"`

	// Accepted is true when the descriptor is published.
	Accepted bool `json:"accepted"`

	// Reason is the stable code of the rejection, empty when accepted.
	Reason string `json:"reason,omitempty"`

	// State is the lifecycle state the ingestion ended in.
	State State `json:"state"`

	// Created is false when an identical version was already registered.
	Created bool `json:"created"`

	Entries []EntryMeta `json:"entries,omitempty"`
}

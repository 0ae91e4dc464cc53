package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

// Result is the outcome of a successful validation.
type Result struct {
	// Format is the detected container format.
	Format string
	// Entries lists content entries in canonical order. The manifest is
	// not included.
	Entries []artifact.EntryMeta
	// Manifest is the decoded descriptor manifest.
	Manifest Manifest
	// Canonical is the byte form that gets content addressed.
	Canonical []byte
}

// Validator checks archives against limits and path rules.
type Validator struct {
	limits   Limits
	registry *Registry
}

// Option configures a Validator.
type Option func(*Validator)

// WithRegistry sets the format registry.
func WithRegistry(r *Registry) Option {
	return func(v *Validator) {
		v.registry = r
	}
}

// NewValidator creates a validator. Non-positive limits take defaults.
func NewValidator(limits Limits, opts ...Option) *Validator {
	v := &Validator{
		limits:   limits.normalized(),
		registry: DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Limits returns the effective limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate inspects raw and returns its canonical form. Every failure
// is an *artifact.ValidationError.
func (v *Validator) Validate(raw []byte) (*Result, error) {
	if int64(len(raw)) > v.limits.MaxArchiveSize {
		return nil, artifact.NewValidationError(artifact.ReasonOversize, "",
			fmt.Sprintf("archive of %d bytes exceeds limit of %d", len(raw), v.limits.MaxArchiveSize))
	}
	if len(raw) == 0 {
		return nil, artifact.NewValidationError(artifact.ReasonMalformed, "", "empty payload")
	}

	format, ok := v.registry.Detect(raw)
	if !ok {
		return nil, artifact.NewValidationError(artifact.ReasonUnsupportedCodec, "",
			"unrecognized container, expected one of "+strings.Join(v.registry.Names(), ", "))
	}

	c := &collector{limits: v.limits, files: make(map[string][]byte)}
	if err := format.Walk(raw, v.limits, c.visit); err != nil {
		if errors.Is(err, artifact.ErrValidation) {
			return nil, err
		}
		return nil, &artifact.ValidationError{Reason: artifact.ReasonMalformed, Err: err}
	}

	if c.manifest == nil {
		return nil, artifact.NewValidationError(artifact.ReasonMalformed, ManifestName, "manifest missing")
	}
	if len(c.files) == 0 {
		return nil, artifact.NewValidationError(artifact.ReasonMalformed, "", "archive has no content entries")
	}
	manifest, err := ParseManifest(c.manifest)
	if err != nil {
		return nil, err
	}

	entries := c.sortedEntries()
	if err := checkPrefixConflicts(entries); err != nil {
		return nil, err
	}

	canonical, err := Canonicalize(c.files)
	if err != nil {
		return nil, &artifact.ValidationError{Reason: artifact.ReasonMalformed, Err: err}
	}

	return &Result{
		Format:    format.Name(),
		Entries:   entries,
		Manifest:  manifest,
		Canonical: canonical,
	}, nil
}

type collector struct {
	limits   Limits
	files    map[string][]byte
	meta     map[string]artifact.EntryMeta
	manifest []byte
	count    int
	total    int64
}

func (c *collector) visit(h Header, body io.Reader) error {
	c.count++
	if c.count > c.limits.MaxEntries {
		return artifact.NewValidationError(artifact.ReasonOversize, h.Name,
			fmt.Sprintf("more than %d entries", c.limits.MaxEntries))
	}

	p, err := cleanEntryPath(h.Name)
	if err != nil {
		return err
	}

	switch h.Kind {
	case KindDir:
		return nil
	case KindLink:
		return artifact.NewValidationError(artifact.ReasonTraversal, h.Name, "link entries are not allowed")
	case KindOther:
		return artifact.NewValidationError(artifact.ReasonMalformed, h.Name, "unsupported entry type")
	}

	if p == "." {
		return artifact.NewValidationError(artifact.ReasonMalformed, h.Name, "file entry names the archive root")
	}
	if h.Size < 0 || h.Size > c.limits.MaxEntrySize {
		return artifact.NewValidationError(artifact.ReasonOversize, h.Name, "entry exceeds size limit")
	}
	if c.total+h.Size > c.limits.MaxTotalSize {
		return artifact.NewValidationError(artifact.ReasonOversize, h.Name, "archive exceeds total size limit")
	}
	if _, dup := c.files[p]; dup || (p == ManifestName && c.manifest != nil) {
		return artifact.NewValidationError(artifact.ReasonMalformed, h.Name, "duplicate entry")
	}

	data, err := readEntry(body, h)
	if err != nil {
		return err
	}
	c.total += int64(len(data))

	if p == ManifestName {
		c.manifest = data
		return nil
	}
	c.files[p] = data
	if c.meta == nil {
		c.meta = make(map[string]artifact.EntryMeta)
	}
	c.meta[p] = artifact.EntryMeta{Path: p, Size: int64(len(data)), CompressedSize: h.CompressedSize}
	return nil
}

// readEntry reads exactly the declared size. A body that runs short or
// long is malformed.
func readEntry(body io.Reader, h Header) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(h.Size))
	n, err := io.Copy(&buf, io.LimitReader(body, h.Size+1))
	if err != nil {
		return nil, streamError(err, h.Name)
	}
	if n != h.Size {
		return nil, artifact.NewValidationError(artifact.ReasonMalformed, h.Name,
			fmt.Sprintf("entry holds %d bytes, header declares %d", n, h.Size))
	}
	return buf.Bytes(), nil
}

func (c *collector) sortedEntries() []artifact.EntryMeta {
	entries := make([]artifact.EntryMeta, 0, len(c.meta))
	for _, m := range c.meta {
		entries = append(entries, m)
	}
	slices.SortFunc(entries, func(a, b artifact.EntryMeta) int {
		return strings.Compare(a.Path, b.Path)
	})
	return entries
}

// checkPrefixConflicts rejects a file that is also used as a directory,
// such as "a" alongside "a/b". entries must be sorted.
func checkPrefixConflicts(entries []artifact.EntryMeta) error {
	for i, e := range entries {
		prefix := e.Path + "/"
		for _, next := range entries[i+1:] {
			if !strings.HasPrefix(next.Path, e.Path) {
				break
			}
			if strings.HasPrefix(next.Path, prefix) {
				return artifact.NewValidationError(artifact.ReasonMalformed, next.Path,
					fmt.Sprintf("%q is both a file and a directory", e.Path))
			}
		}
	}
	return nil
}

package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

// ManifestName is the archive entry describing the artifact.
const ManifestName = "cassette.yaml"

const maxManifestSize = 64 << 10

// Manifest is the descriptor carried inside an archive.
type Manifest struct {
	Name        string          `yaml:"name"`
	Version     string          `yaml:"version"`
	ReleaseTime *time.Time      `yaml:"release_time,omitempty"`
	Flags       map[string]bool `yaml:"flags,omitempty"`
}

// ParseManifest decodes and checks a manifest. Unknown keys are rejected.
func ParseManifest(data []byte) (Manifest, error) {
	if len(data) > maxManifestSize {
		return Manifest{}, artifact.NewValidationError(artifact.ReasonOversize, ManifestName, "manifest too large")
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		detail := "invalid manifest"
		if errors.Is(err, io.EOF) {
			detail = "empty manifest"
		}
		return Manifest{}, &artifact.ValidationError{
			Reason: artifact.ReasonMalformed, Entry: ManifestName, Detail: detail, Err: err,
		}
	}

	if !artifact.ValidName(m.Name) {
		return Manifest{}, artifact.NewValidationError(artifact.ReasonMalformed, ManifestName,
			fmt.Sprintf("invalid name %q", m.Name))
	}
	if !artifact.ValidName(m.Version) {
		return Manifest{}, artifact.NewValidationError(artifact.ReasonMalformed, ManifestName,
			fmt.Sprintf("invalid version %q", m.Version))
	}
	if m.ReleaseTime != nil && !artifact.ValidReleaseTime(*m.ReleaseTime) {
		return Manifest{}, artifact.NewValidationError(artifact.ReasonMalformed, ManifestName,
			fmt.Sprintf("release_time %s out of range", m.ReleaseTime.Format(time.RFC3339Nano)))
	}
	return m, nil
}

// Descriptor converts the manifest, falling back to defaultRelease when
// the manifest carries no release time.
func (m Manifest) Descriptor(defaultRelease time.Time) artifact.Descriptor {
	release := defaultRelease
	if m.ReleaseTime != nil {
		release = *m.ReleaseTime
	}
	desc := artifact.NewDescriptor(m.Name, m.Version, release)
	if len(m.Flags) > 0 {
		desc.Flags = maps.Clone(m.Flags)
	}
	return desc
}

// Package config provides configuration loading and parsing for cassettedeck.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/enginehub/cassettedeck/domain/config"
)

// EnvConfigPath names the variable consulted when no path is given.
const EnvConfigPath = "CASSETTEDECK_CONFIG"

// Loader loads deck configuration from files.
type Loader struct {
	// ExpandEnv enables environment variable expansion.
	ExpandEnv bool
	// StrictEnv fails if referenced env vars are missing.
	StrictEnv bool
	// Validate enables configuration validation.
	Validate bool
	// KnownFields rejects keys that do not map to a field.
	KnownFields bool

	lookup func(string) (string, bool)
}

// NewLoader creates a new configuration loader with default settings.
func NewLoader() *Loader {
	return &Loader{
		ExpandEnv:   true,
		StrictEnv:   false,
		Validate:    true,
		KnownFields: true,
	}
}

// LoaderOption configures the loader.
type LoaderOption func(*Loader)

// WithEnvExpansion enables or disables environment variable expansion.
func WithEnvExpansion(enabled bool) LoaderOption {
	return func(l *Loader) {
		l.ExpandEnv = enabled
	}
}

// WithStrictEnv enables strict environment variable checking.
func WithStrictEnv(enabled bool) LoaderOption {
	return func(l *Loader) {
		l.StrictEnv = enabled
	}
}

// WithValidation enables or disables configuration validation.
func WithValidation(enabled bool) LoaderOption {
	return func(l *Loader) {
		l.Validate = enabled
	}
}

// WithKnownFields enables or disables rejection of unknown keys.
func WithKnownFields(enabled bool) LoaderOption {
	return func(l *Loader) {
		l.KnownFields = enabled
	}
}

// WithLookup replaces os.LookupEnv for variable expansion.
func WithLookup(lookup func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		l.lookup = lookup
	}
}

// NewLoaderWithOptions creates a loader with the specified options.
func NewLoaderWithOptions(opts ...LoaderOption) *Loader {
	l := NewLoader()
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Format represents a configuration file format.
type Format string

const (
	// FormatYAML is the YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is the JSON format.
	FormatJSON Format = "json"
)

// FormatOf derives the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", config.ErrUnsupportedFormat, ext)
	}
}

// LoadFile loads configuration from a file path.
func (l *Loader) LoadFile(path string) (*config.DeckConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", config.ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to access config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", config.ErrInvalidFormat, path)
	}

	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	return l.Load(f, format)
}

// LoadDefault loads path, the file named by CASSETTEDECK_CONFIG, or the
// built-in defaults, in that order.
func (l *Loader) LoadDefault(path string) (*config.DeckConfig, error) {
	if path == "" {
		path, _ = l.lookupEnv(EnvConfigPath)
	}
	if path == "" {
		cfg := config.DefaultDeckConfig()
		return &cfg, nil
	}
	return l.LoadFile(path)
}

// Load loads configuration from a reader. Keys absent from the document
// keep their default values.
func (l *Loader) Load(r io.Reader, format Format) (*config.DeckConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if l.ExpandEnv {
		data, err = l.expandEnvVars(data)
		if err != nil {
			return nil, err
		}
	}

	cfg := config.DefaultDeckConfig()
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(l.KnownFields)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidFormat, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		if l.KnownFields {
			dec.DisallowUnknownFields()
		}
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidFormat, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnsupportedFormat, format)
	}

	if l.Validate {
		validator := config.NewValidator()
		if errs := validator.Validate(&cfg); errs.HasErrors() {
			return nil, fmt.Errorf("%w: %v", config.ErrValidationFailed, errs)
		}
	}

	return &cfg, nil
}

func (l *Loader) lookupEnv(name string) (string, bool) {
	if l.lookup != nil {
		return l.lookup(name)
	}
	return os.LookupEnv(name)
}

// expandEnvVars expands ${VAR} and $VAR patterns in the data.
func (l *Loader) expandEnvVars(data []byte) ([]byte, error) {
	expander := &envExpander{
		strict: l.StrictEnv,
		lookup: l.lookup,
	}
	result, err := expander.Expand(string(data))
	if err != nil {
		return nil, err
	}
	return []byte(result), nil
}

// LoadString loads configuration from a string.
func (l *Loader) LoadString(content string, format Format) (*config.DeckConfig, error) {
	return l.Load(strings.NewReader(content), format)
}

// LoadBytes loads configuration from bytes.
func (l *Loader) LoadBytes(data []byte, format Format) (*config.DeckConfig, error) {
	return l.Load(bytes.NewReader(data), format)
}

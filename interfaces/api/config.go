package api

import (
	domainconfig "github.com/enginehub/cassettedeck/domain/config"
	infraconfig "github.com/enginehub/cassettedeck/infrastructure/config"
)

// Re-export domain configuration types.
type (
	// DeckConfig represents the complete service configuration.
	DeckConfig = domainconfig.DeckConfig
	// ConfigDuration is a time.Duration that supports JSON/YAML string representation.
	ConfigDuration = domainconfig.Duration
	// ValidationError represents a configuration validation error.
	ValidationError = domainconfig.ValidationError
	// ValidationErrors is a collection of validation errors.
	ValidationErrors = domainconfig.ValidationErrors
)

// Re-export infrastructure configuration types.
type (
	// ConfigLoader loads configuration from files.
	ConfigLoader = infraconfig.Loader
	// ConfigLoaderOption configures a ConfigLoader.
	ConfigLoaderOption = infraconfig.LoaderOption
	// ConfigSchema is the JSON Schema of a configuration file.
	ConfigSchema = infraconfig.JSONSchema
)

// Configuration loading functions.
var (
	// NewConfigLoaderWithOptions creates a loader with environment expansion and validation.
	NewConfigLoaderWithOptions = infraconfig.NewLoaderWithOptions
	// ConfigWithValidation enables or disables validation after loading.
	ConfigWithValidation = infraconfig.WithValidation
	// ConfigWithStrictEnv fails loading when a referenced variable is unset.
	ConfigWithStrictEnv = infraconfig.WithStrictEnv
	// ConfigWithKnownFields rejects unknown configuration keys.
	ConfigWithKnownFields = infraconfig.WithKnownFields
	// DefaultConfig returns the built-in configuration.
	DefaultConfig = domainconfig.DefaultDeckConfig
)

// LoadConfig loads configuration from path, the CASSETTEDECK_CONFIG
// variable, or built-in defaults, in that order.
func LoadConfig(path string) (*DeckConfig, error) {
	return infraconfig.NewLoader().LoadDefault(path)
}

// ValidateConfig validates a configuration.
func ValidateConfig(cfg *DeckConfig) ValidationErrors {
	return domainconfig.NewValidator().Validate(cfg)
}

// ConfigSchemaJSON returns the JSON Schema of configuration files.
func ConfigSchemaJSON() (string, error) {
	return infraconfig.SchemaJSON()
}

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	api "github.com/enginehub/cassettedeck/interfaces/api"
)

// validateOptions holds options for the validate command.
type validateOptions struct {
	strict bool
}

// newValidateCmd creates the validate command.
func (a *App) newValidateCmd() *cobra.Command {
	opts := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Validate a cassettedeck configuration file for correctness.

This command checks:
  - File format (YAML or JSON)
  - Unknown keys
  - Backend selection and required backend settings
  - Rate limit, archive and sweep bounds
  - Environment variable references (in strict mode)

Examples:
  cassettedeck validate -c deck.yaml
  cassettedeck validate -c deck.yaml --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.validateConfig(opts)
		},
	}

	cmd.Flags().BoolVar(&opts.strict, "strict", false, "Enable strict validation (fail on missing env vars)")

	return cmd
}

// validateConfig validates the configuration file.
func (a *App) validateConfig(opts *validateOptions) error {
	if a.configPath == "" {
		return fmt.Errorf("configuration file path is required (-c flag)")
	}

	loader := api.NewConfigLoaderWithOptions(
		api.ConfigWithValidation(true),
		api.ConfigWithStrictEnv(opts.strict),
	)
	config, err := loader.LoadFile(a.configPath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Fprintf(a.stdout, "✓ Configuration is valid\n")
	fmt.Fprintf(a.stdout, "  Name: %s\n", config.Name)

	fmt.Fprintf(a.stdout, "\nConfiguration summary:\n")
	fmt.Fprintf(a.stdout, "  Content: %s\n", config.Content.Backend)
	fmt.Fprintf(a.stdout, "  Index: %s\n", config.Index.Backend)
	if config.Cache.Backend != "" && config.Cache.Backend != "none" {
		fmt.Fprintf(a.stdout, "  Cache: %s\n", config.Cache.Backend)
	}
	fmt.Fprintf(a.stdout, "  Rate limit: capacity=%d refill=%g/s read=%d write=%d\n",
		config.RateLimit.Capacity, config.RateLimit.RefillPerSecond,
		config.RateLimit.ReadCost, config.RateLimit.WriteCost)
	fmt.Fprintf(a.stdout, "  Sweep grace period: %s\n", config.Sweep.GracePeriod.Duration())

	return nil
}

// schemaOptions holds options for the schema command.
type schemaOptions struct {
	outputPath string
}

// newSchemaCmd creates the schema command.
func (a *App) newSchemaCmd() *cobra.Command {
	opts := &schemaOptions{}

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Export the configuration JSON schema",
		Long: `Export the JSON Schema for cassettedeck configuration files.

Examples:
  # Export schema to stdout
  cassettedeck schema

  # Export schema to a file
  cassettedeck schema -o schema.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.exportSchema(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.outputPath, "output", "o", "", "Output file path (default: stdout)")

	return cmd
}

// exportSchema exports the configuration JSON schema.
func (a *App) exportSchema(opts *schemaOptions) error {
	schemaJSON, err := api.ConfigSchemaJSON()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	if opts.outputPath == "" {
		_, _ = fmt.Fprintln(a.stdout, schemaJSON)
		return nil
	}

	// Write to file with restrictive permissions (G306)
	if err := os.WriteFile(opts.outputPath, []byte(schemaJSON), 0o600); err != nil {
		return fmt.Errorf("failed to write schema file: %w", err)
	}

	_, _ = fmt.Fprintf(a.stdout, "Schema exported to %s\n", opts.outputPath)
	return nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// ingestOptions holds options for the ingest command.
type ingestOptions struct {
	principal  string
	jsonOutput bool
}

// newIngestCmd creates the ingest command.
func (a *App) newIngestCmd() *cobra.Command {
	opts := &ingestOptions{}

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Validate and publish an archive",
		Long: `Validate an archive and publish the artifact its manifest declares.

The archive may be a zip, tar, tar.gz, tar.zst or tar.lz4 file containing a
cassette.yaml manifest. Use "-" to read the archive from stdin.

Examples:
  # Publish a release
  cassettedeck ingest --principal ci worldedit-7.3.0.zip

  # Publish from a pipeline
  curl -s $URL | cassettedeck ingest --json -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ingest(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.principal, "principal", "p", "", "Principal charged for the request")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the ingestion result as JSON")

	return cmd
}

func (a *App) ingest(ctx context.Context, path string, opts *ingestOptions) error {
	raw, err := readInput(path)
	if err != nil {
		return err
	}

	svc, dep, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer dep.Close()

	result, ingestErr := svc.Ingest(ctx, opts.principal, raw)

	if opts.jsonOutput {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	}
	if ingestErr != nil {
		return a.failure(ingestErr)
	}

	if !opts.jsonOutput {
		verb := "published"
		if !result.Created {
			verb = "already published"
		}
		fmt.Fprintf(a.stdout, "%s %s %s\n", verb, result.Descriptor, result.Digest)
		fmt.Fprintf(a.stdout, "  ingestion: %s\n", result.ID)
		fmt.Fprintf(a.stdout, "  entries:   %d\n", len(result.Entries))
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return data, nil
}

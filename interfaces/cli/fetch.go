package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

// fetchOptions holds options for the fetch command.
type fetchOptions struct {
	principal  string
	outputPath string
}

// newFetchCmd creates the fetch command.
func (a *App) newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}

	cmd := &cobra.Command{
		Use:   "fetch <name> [version]",
		Short: "Download an artifact",
		Long: `Download the canonical archive of an artifact. Without a version the
latest release is fetched.

Examples:
  cassettedeck fetch worldedit 7.3.0 -o worldedit.tar
  cassettedeck fetch worldedit > latest.tar`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := ""
			if len(args) == 2 {
				version = args[1]
			}
			return a.fetch(cmd.Context(), args[0], version, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.principal, "principal", "p", "", "Principal charged for the request")
	cmd.Flags().StringVarP(&opts.outputPath, "output", "o", "", "Output file path (default: stdout)")

	return cmd
}

func (a *App) fetch(ctx context.Context, name, version string, opts *fetchOptions) error {
	svc, dep, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer dep.Close()

	fetched, err := svc.Fetch(ctx, opts.principal, name, version)
	if err != nil {
		return a.failure(err)
	}

	if opts.outputPath == "" {
		_, err := a.stdout.Write(fetched.Data)
		return err
	}
	if err := os.WriteFile(opts.outputPath, fetched.Data, 0o600); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	fmt.Fprintf(a.stderr, "%s %s -> %s\n", fetched.Record.Descriptor, fetched.Record.Digest, opts.outputPath)
	return nil
}

// listOptions holds options for the list command.
type listOptions struct {
	before string
	limit  int
}

// newListCmd creates the list command.
func (a *App) newListCmd() *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list <name>",
		Short: "List the versions of an artifact",
		Long: `List the registered versions of an artifact, newest release first.

--before takes an RFC 3339 release time and only lists older releases.
Without --limit every version is listed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.list(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.before, "before", "", "Only list releases before this RFC 3339 time")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum number of versions to list")

	return cmd
}

func (a *App) list(ctx context.Context, name string, opts *listOptions) error {
	var cursor artifact.Cursor
	if opts.before != "" {
		t, err := time.Parse(time.RFC3339, opts.before)
		if err != nil {
			return fmt.Errorf("invalid --before: %w", err)
		}
		cursor.ReleaseTime = artifact.NormalizeTime(t)
	}

	svc, dep, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer dep.Close()

	var records []artifact.Record
	if opts.limit > 0 || !cursor.IsZero() {
		records, err = svc.ListPage(ctx, name, cursor, opts.limit)
		if err != nil {
			return a.failure(err)
		}
	} else {
		for rec, err := range svc.List(ctx, name) {
			if err != nil {
				return a.failure(err)
			}
			records = append(records, rec)
		}
	}

	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tRELEASED\tDIGEST")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Version, rec.ReleaseTime.Format(time.RFC3339), rec.Digest)
	}
	return w.Flush()
}

// newStatusCmd creates the status command.
func (a *App) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <name> <version>",
		Short: "Show whether a version is published or superseded",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, dep, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer dep.Close()

			state, err := svc.Status(ctx, args[0], args[1])
			if err != nil {
				return a.failure(err)
			}
			fmt.Fprintf(a.stdout, "%s@%s %s\n", args[0], args[1], state)
			return nil
		},
	}
}

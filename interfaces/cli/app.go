// Package cli provides the cassettedeck command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/enginehub/cassettedeck/infrastructure/bootstrap"
	api "github.com/enginehub/cassettedeck/interfaces/api"
)

// Version information set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// App represents the CLI application.
type App struct {
	root       *cobra.Command
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	bootOpts   []bootstrap.Option
}

// New creates a new CLI application.
func New() *App {
	app := &App{
		stdout: os.Stdout,
		stderr: os.Stderr,
	}

	app.root = &cobra.Command{
		Use:   "cassettedeck",
		Short: "Versioned artifact store",
		Long: `cassettedeck stores and serves versioned build artifacts.

Archives are validated, reduced to a canonical content-addressed form and
registered under the name and version declared by their cassette.yaml
manifest. Every request is charged against a per-principal token bucket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	app.root.PersistentFlags().StringVarP(&app.configPath, "config", "c", "",
		"Path to configuration file (default: $CASSETTEDECK_CONFIG or built-in defaults)")

	app.root.AddCommand(
		app.newVersionCmd(),
		app.newValidateCmd(),
		app.newSchemaCmd(),
		app.newIngestCmd(),
		app.newFetchCmd(),
		app.newListCmd(),
		app.newStatusCmd(),
		app.newSweepCmd(),
	)

	return app
}

// WithOutput sets custom output writers.
func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// WithBootstrapOptions sets options passed to bootstrap.Build.
func (a *App) WithBootstrapOptions(opts ...bootstrap.Option) *App {
	a.bootOpts = opts
	return a
}

// Execute runs the CLI application.
func (a *App) Execute(ctx context.Context) error {
	// Set up signal handling
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.root.ExecuteContext(ctx)
}

// ExecuteWithArgs runs the CLI with specific arguments (useful for testing).
func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

// open loads the configuration and builds a service. The caller must
// close the returned deployment.
func (a *App) open(ctx context.Context) (*api.Service, *bootstrap.Deployment, error) {
	cfg, err := api.LoadConfig(a.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	opts := append([]bootstrap.Option{bootstrap.WithLogging()}, a.bootOpts...)
	dep, err := bootstrap.Build(ctx, *cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return api.NewService(dep.Deck), dep, nil
}

// failure prints the stable error body of err and returns err.
func (a *App) failure(err error) error {
	body := api.ErrorBody(err)
	if body.RetryAfterSeconds > 0 {
		fmt.Fprintf(a.stderr, "%s (retry after %ds)\n", body.Code, body.RetryAfterSeconds)
	} else {
		fmt.Fprintln(a.stderr, body.Code)
	}
	return err
}

// newVersionCmd creates the version command.
func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "cassettedeck version %s\n", Version)
			fmt.Fprintf(a.stdout, "  Git commit: %s\n", GitCommit)
			fmt.Fprintf(a.stdout, "  Build date: %s\n", BuildDate)
		},
	}
}

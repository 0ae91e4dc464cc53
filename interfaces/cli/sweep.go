package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// sweepOptions holds options for the sweep command.
type sweepOptions struct {
	watch    bool
	interval time.Duration
}

// newSweepCmd creates the sweep command.
func (a *App) newSweepCmd() *cobra.Command {
	opts := &sweepOptions{}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim unreferenced blobs",
		Long: `Delete blobs that no descriptor references once they have been idle
for the configured grace period, and repair reference counts left behind
by interrupted ingestions.

With --watch the sweep repeats every --interval (default: sweep.interval
from the configuration) until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.sweep(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Keep sweeping until interrupted")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Sweep interval with --watch")

	return cmd
}

func (a *App) sweep(ctx context.Context, opts *sweepOptions) error {
	_, dep, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer dep.Close()

	if opts.watch {
		interval := opts.interval
		if interval <= 0 {
			interval = dep.Config.Sweep.Interval.Duration()
		}
		if interval <= 0 {
			return fmt.Errorf("sweep interval must be positive")
		}
		dep.Deck.RunSweeper(ctx, interval)
		return nil
	}

	report, err := dep.Deck.Sweep(ctx)
	if err != nil {
		return a.failure(err)
	}
	fmt.Fprintf(a.stdout, "scanned %d, reconciled %d, reclaimed %d (%d orphans, %d bytes)\n",
		report.Scanned, report.Reconciled, report.Reclaimed, report.Orphans, report.Bytes)
	return nil
}

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgersync/internal/engine"
)

// ProgressOptions holds flags for the progress command.
type ProgressOptions struct {
	*RootOptions
	Owner string
}

// NewProgressCommand creates the progress command.
func NewProgressCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProgressOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show the progress of the latest sync run",
		Long: `Show the progress row of an owner: run id, percentage, state and the
error of a failed run.

Example:
  ledgersync progress --owner alice --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProgress(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner id (empty for the public scheduler)")
	return cmd
}

func runProgress(cmd *cobra.Command, opts *ProgressOptions) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ensureSchema(cmd.Context()); err != nil {
		return err
	}
	rec, err := engine.NewProgressTracker(a.store, a.bus, a.clock).Get(cmd.Context(), opts.Owner)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read progress", err)
	}
	if rec == nil {
		return a.out.Render(nil, func(w io.Writer) error {
			_, err := fmt.Fprintln(w, "No sync has run yet")
			return err
		})
	}

	return a.out.Render(rec, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "run %s: %s %.1f%%\n", rec.RunID, rec.State, rec.Value)
		if err == nil && rec.Error != "" {
			_, err = fmt.Fprintf(w, "error: %s\n", rec.Error)
		}
		return err
	})
}

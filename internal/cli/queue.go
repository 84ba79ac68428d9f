package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgersync/internal/model"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Owner  string
	States []string
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List sync queue entries",
		Long: `List the sync queue entries of an owner, oldest first.

Example:
  ledgersync queue --owner alice
  ledgersync queue --owner alice --state queued --state running`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner id (empty for the public scheduler)")
	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "filter by state (queued|running|completed|errored|interrupted)")
	return cmd
}

func runQueue(cmd *cobra.Command, opts *QueueOptions) error {
	states := make([]model.QueueState, 0, len(opts.States))
	for _, s := range opts.States {
		st := model.QueueState(s)
		switch st {
		case model.QueueStateQueued, model.QueueStateRunning, model.QueueStateCompleted,
			model.QueueStateErrored, model.QueueStateInterrupted:
			states = append(states, st)
		default:
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown queue state %q", s))
		}
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ensureSchema(cmd.Context()); err != nil {
		return err
	}
	entries, err := a.queue().List(cmd.Context(), opts.Owner, states...)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list queue", err)
	}
	if entries == nil {
		entries = []model.SyncQueueEntry{}
	}

	return a.out.Render(entries, func(w io.Writer) error {
		if len(entries) == 0 {
			_, err := fmt.Fprintln(w, "Queue is empty")
			return err
		}
		for _, e := range entries {
			line := fmt.Sprintf("%-6d %-18s %-12s %s", e.ID, e.Collection, e.State, e.UpdatedAt.UTC().Format(time.RFC3339))
			if e.Error != "" {
				line += "  " + e.Error
			}
			if err := writeLines(w, line); err != nil {
				return err
			}
		}
		return nil
	})
}

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgersync/internal/engine"
	"github.com/roach88/ledgersync/internal/model"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Owner string
}

// EnqueueResult is the structured output of enqueue.
type EnqueueResult struct {
	Enqueued []model.SyncQueueEntry `json:"enqueued" yaml:"enqueued"`
	Skipped  []string               `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue [collection...]",
		Short: "Queue collections for the next sync",
		Long: `Queue collections for the next sync run of an owner. Without arguments
every collection of the owner's scope is queued: private collections for an
owner, public collections when --owner is empty. Collections that are
already queued or running are skipped.

Example:
  ledgersync enqueue --owner alice ledgers trades
  ledgersync enqueue --owner alice
  ledgersync enqueue candles`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner id (empty for the public scheduler)")
	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *EnqueueOptions, collections []string) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.ensureSchema(ctx); err != nil {
		return err
	}
	q := a.queue()
	res := EnqueueResult{Enqueued: []model.SyncQueueEntry{}}

	if len(collections) == 0 {
		entries, err := q.EnqueueAll(ctx, opts.Owner)
		if err != nil {
			return WrapExitError(ExitFailure, "enqueue failed", err)
		}
		res.Enqueued = append(res.Enqueued, entries...)
	}
	for _, name := range collections {
		e, err := q.Enqueue(ctx, name, opts.Owner)
		if engine.IsDuplicateEntry(err) {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "enqueue failed", err)
		}
		res.Enqueued = append(res.Enqueued, *e)
	}

	return a.out.Render(res, func(w io.Writer) error {
		for _, e := range res.Enqueued {
			if _, err := fmt.Fprintf(w, "queued %s (id %d)\n", e.Collection, e.ID); err != nil {
				return err
			}
		}
		for _, name := range res.Skipped {
			if _, err := fmt.Fprintf(w, "skipped %s (already queued)\n", name); err != nil {
				return err
			}
		}
		return nil
	})
}

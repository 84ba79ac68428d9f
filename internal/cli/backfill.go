package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// BackfillOptions holds flags for the backfill command.
type BackfillOptions struct {
	*RootOptions
	Owner string
	Since string
}

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackfillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backfill <collection>",
		Short: "Request history older than the synced windows",
		Long: `Extend the base window of a collection back to --since and queue the
collection. The history is fetched by the next sync run.

--since accepts RFC 3339 timestamps or plain dates (2006-01-02, UTC).

Example:
  ledgersync backfill --owner alice --since 2024-01-01 ledgers`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner id (empty for the public scheduler)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "oldest time to sync (required)")
	_ = cmd.MarkFlagRequired("since")
	return cmd
}

func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func runBackfill(cmd *cobra.Command, opts *BackfillOptions, collection string) error {
	since, err := parseSince(opts.Since)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid arguments", err)
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ensureSchema(cmd.Context()); err != nil {
		return err
	}
	s, err := a.newSync()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up sync", err)
	}
	steps, err := s.RequestBackfill(cmd.Context(), opts.Owner, collection, since)
	if err != nil {
		return WrapExitError(ExitFailure, "backfill failed", err)
	}

	return a.out.Render(steps, func(w io.Writer) error {
		for _, st := range steps {
			scope := st.OwnerID
			if st.SubOwnerID != "" {
				scope += "/" + st.SubOwnerID
			}
			if scope == "" {
				scope = "public"
			}
			_, err := fmt.Fprintf(w, "%s (%s): base window %s .. %s queued\n", st.Collection, scope,
				time.UnixMilli(st.BaseStart).UTC().Format(time.RFC3339),
				time.UnixMilli(st.BaseEnd).UTC().Format(time.RFC3339))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

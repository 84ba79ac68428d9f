package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgersync/internal/config"
	"github.com/roach88/ledgersync/internal/consistency"
	"github.com/roach88/ledgersync/internal/engine"
	"github.com/roach88/ledgersync/internal/livefeed"
	"github.com/roach88/ledgersync/internal/model"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Owner    string
	FeedAddr string
	All      bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the sync queue of an owner",
		Long: `Run one sync: migrate the schema, drain the owner's queue and check the
synced windows against the remote API.

The first Ctrl-C interrupts the run between pages; committed pages stay and
unstarted collections stay queued for the next run. A second Ctrl-C cancels
in-flight requests.

Example:
  ledgersync sync --owner alice --all
  ledgersync sync --owner alice --feed-addr 127.0.0.1:8090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner id (empty for the public scheduler)")
	cmd.Flags().StringVar(&opts.FeedAddr, "feed-addr", "", "serve live events over WebSocket on this address (overrides config)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "enqueue every collection of the owner's scope first")
	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if addr := firstNonEmpty(opts.FeedAddr, a.cfg.Feed.Addr); addr != "" {
		feed := livefeed.NewServer(livefeed.Config{Addr: addr, Logger: a.log.Logger})
		if err := feed.Start(); err != nil {
			return WrapExitError(ExitCommandError, "failed to start live feed", err)
		}
		defer func() {
			if err := feed.Stop(); err != nil {
				a.log.Warn("live feed stop", "error", err)
			}
		}()
		unsubscribe := a.bus.Subscribe(feed)
		defer unsubscribe()
	}

	a.src.Watch(func(cfg *config.Config, err error) {
		if err != nil {
			a.log.Warn("config reload rejected", "error", err)
			return
		}
		if opts.Verbose {
			return
		}
		if err := a.log.SetLevel(cfg.Log.Level); err != nil {
			a.log.Warn("config reload rejected", "error", err)
			return
		}
		a.log.Info("log level changed", "level", cfg.Log.Level)
	})

	s, err := a.newSync()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up sync", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	if opts.All {
		if _, err := s.Queue().EnqueueAll(ctx, opts.Owner); err != nil {
			return WrapExitError(ExitFailure, "enqueue failed", err)
		}
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		interrupted := false
		for {
			select {
			case sig := <-sigChan:
				if !interrupted {
					interrupted = true
					a.log.Info("received signal, interrupting sync", "signal", sig, "owner", opts.Owner)
					s.Interrupt(opts.Owner)
					continue
				}
				a.log.Info("received second signal, cancelling", "signal", sig)
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	report, err := s.Run(ctx, opts.Owner)
	if err != nil {
		if engine.IsAlreadyRunning(err) {
			return WrapExitError(ExitCommandError, "sync already running", err)
		}
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	if err := a.out.Render(report, func(w io.Writer) error { return writeRunReport(w, report) }); err != nil {
		return err
	}
	if report.State == model.ProgressErrored {
		return NewExitError(ExitFailure, fmt.Sprintf("sync finished with %d failed collection(s)", len(report.Failed())))
	}
	return nil
}

func writeRunReport(w io.Writer, r *engine.RunReport) error {
	lines := []string{fmt.Sprintf("Run %s (owner %q): %s", r.RunID, r.OwnerID, r.State)}
	if len(r.Migrated) > 0 {
		lines = append(lines, fmt.Sprintf("  migrated: %v", r.Migrated))
	}
	if r.Requeued > 0 {
		lines = append(lines, fmt.Sprintf("  requeued: %d", r.Requeued))
	}
	for _, e := range r.Entries {
		var pages, fetched, written int
		for _, res := range e.Results {
			pages += res.Pages
			fetched += res.Fetched
			written += res.Written
		}
		line := fmt.Sprintf("  %-18s %-12s pages=%d fetched=%d written=%d", e.Collection, e.State, pages, fetched, written)
		if e.Error != "" {
			line += "  " + e.Error
		}
		lines = append(lines, line)
	}
	if len(r.Invalid) > 0 {
		lines = append(lines, fmt.Sprintf("  invalid records: %d", len(r.Invalid)))
	}
	if r.CheckError != "" {
		lines = append(lines, "  check error: "+r.CheckError)
	}
	if err := writeLines(w, lines...); err != nil {
		return err
	}
	if len(r.Checks) == 0 {
		return nil
	}
	if err := writeLines(w, ""); err != nil {
		return err
	}
	rep := &consistency.Report{OwnerID: r.OwnerID, Results: r.Checks}
	return rep.WriteText(w)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgersync/internal/consistency"
	"github.com/roach88/ledgersync/internal/model"
	"github.com/roach88/ledgersync/internal/schema"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	Owner string
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check [collection...]",
		Short: "Compare stored collections with the remote API",
		Long: `Compare the last synced window of each collection with what the remote
API reports for the same window. Without arguments every collection of the
owner's scope is checked. Exits 1 on any mismatch.

Example:
  ledgersync check --owner alice ledgers
  ledgersync check --owner alice --format yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner id (empty for the public scheduler)")
	return cmd
}

func runCheck(cmd *cobra.Command, opts *CheckOptions, names []string) error {
	var colls []model.Collection
	if len(names) == 0 {
		scope := model.ScopePrivate
		if opts.Owner == model.SchedulerOwner {
			scope = model.ScopePublic
		}
		colls = schema.ForScope(scope)
	}
	for _, name := range names {
		c, ok := schema.Lookup(name)
		if !ok {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown collection %q", name))
		}
		colls = append(colls, c)
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.ensureSchema(ctx); err != nil {
		return err
	}
	subs, err := a.accounts().SubOwners(ctx, opts.Owner)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sub-accounts", err)
	}

	results, err := a.checker(a.api()).Check(ctx, opts.Owner, subs, colls)
	if err != nil {
		return WrapExitError(ExitFailure, "consistency check failed", err)
	}

	rep := &consistency.Report{OwnerID: opts.Owner, Results: results}
	if err := a.out.Render(rep, rep.WriteText); err != nil {
		return err
	}
	if n := rep.Tally().Mismatch; n > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d collection(s) inconsistent", n))
	}
	return nil
}

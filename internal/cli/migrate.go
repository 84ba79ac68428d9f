package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	NoBackup bool
}

// MigrateResult is the structured output of migrate.
type MigrateResult struct {
	Applied []int `json:"applied" yaml:"applied"`
	Version int   `json:"version" yaml:"version"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema to the supported version",
		Long: `Apply every pending schema migration in order. A non-empty database is
backed up first unless --no-backup is given.

Example:
  ledgersync migrate --db ./ledgersync.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoBackup, "no-backup", false, "skip the pre-migration backup")
	return cmd
}

func runMigrate(cmd *cobra.Command, opts *MigrateOptions) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.migrator(!opts.NoBackup)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up migrations", err)
	}
	applied, err := m.MigrateToLatest(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "migration failed", err)
	}
	res := MigrateResult{Applied: applied, Version: m.SupportedVersion()}
	if res.Applied == nil {
		res.Applied = []int{}
	}

	return a.out.Render(res, func(w io.Writer) error {
		if len(applied) == 0 {
			_, err := fmt.Fprintf(w, "Schema is up to date (version %d)\n", res.Version)
			return err
		}
		_, err := fmt.Fprintf(w, "Applied migrations %v, schema at version %d\n", applied, res.Version)
		return err
	})
}

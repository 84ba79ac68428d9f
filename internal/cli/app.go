package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgersync/internal/config"
	"github.com/roach88/ledgersync/internal/consistency"
	"github.com/roach88/ledgersync/internal/engine"
	"github.com/roach88/ledgersync/internal/events"
	"github.com/roach88/ledgersync/internal/logging"
	"github.com/roach88/ledgersync/internal/migrate"
	"github.com/roach88/ledgersync/internal/remote"
	"github.com/roach88/ledgersync/internal/store"
)

// app is what a command needs, built from config and flags.
type app struct {
	opts  *RootOptions
	src   *config.Source
	cfg   *config.Config
	log   *logging.Logger
	store *store.Store
	bus   *events.Bus
	clock engine.Clock
	out   *OutputFormatter
}

// openApp loads config, sets up logging and opens the store.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	src, err := config.NewSource(config.Options{File: opts.ConfigFile, EnvFile: opts.EnvFile})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DBPath != "" {
		src.Viper().Set("db_path", opts.DBPath)
	}
	cfg, err := src.Config()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	logCfg := cfg.Log
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	lg, err := logging.New(logCfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	slog.SetDefault(lg.Logger)

	lg.Debug("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		lg.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = engine.SystemClock{}
	}

	a := &app{
		opts:  opts,
		src:   src,
		cfg:   cfg,
		log:   lg,
		store: st,
		bus:   events.NewBus(),
		clock: clock,
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}
	a.bus.Subscribe(events.EmitterFunc(func(e events.Event) {
		lg.Debug("event", "type", e.Type, "owner", e.OwnerID, "collection", e.Collection, "state", e.State)
	}))
	return a, nil
}

// Close releases the store and the log file.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("error closing database", "error", err)
	}
	_ = a.log.Close()
}

// api returns the remote API: the test override, or the rate-limited
// HTTP client. Retries are added by the consumers.
func (a *app) api() remote.API {
	if a.opts.API != nil {
		return a.opts.API
	}
	hc := remote.NewHTTPClient(a.cfg.Remote.BaseURL)
	hc.HC.Timeout = a.cfg.Remote.Timeout
	limits, fallback := a.cfg.RateLimits()
	return remote.NewRateLimited(hc, limits, fallback)
}

func (a *app) accounts() config.Accounts {
	return config.Accounts(a.cfg.Accounts)
}

func (a *app) migrator(withBackup bool) (*migrate.Migrator, error) {
	opts := []migrate.Option{migrate.WithLogger(a.log.Logger)}
	switch {
	case !withBackup:
		opts = append(opts, migrate.WithoutBackup())
	case a.cfg.BackupDir != "":
		opts = append(opts, migrate.WithBackupDir(a.cfg.BackupDir))
	}
	return migrate.New(a.store, opts...)
}

// ensureSchema applies pending migrations so commands can run against a
// fresh database.
func (a *app) ensureSchema(ctx context.Context) error {
	m, err := a.migrator(true)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up migrations", err)
	}
	if _, err := m.MigrateToLatest(ctx); err != nil {
		return WrapExitError(ExitFailure, "migration failed", err)
	}
	return nil
}

func (a *app) queue() *engine.SyncQueue {
	return engine.NewSyncQueue(a.store, a.bus, a.clock, a.log.Logger)
}

func (a *app) checker(api remote.API) *consistency.Checker {
	opts := []consistency.Option{
		consistency.WithEmitter(a.bus),
		consistency.WithClock(a.clock),
		consistency.WithEpsilon(a.cfg.Check.Epsilon),
		consistency.WithPageSize(a.cfg.Sync.PageSize),
		consistency.WithLogger(a.log.Logger),
	}
	if len(a.cfg.Accounts) > 0 {
		opts = append(opts, consistency.WithCredentials(a.accounts()))
	}
	retrying := remote.NewRetrying(api, a.cfg.RetryPolicy())
	retrying.Logger = a.log.Logger
	return consistency.New(a.store, retrying, opts...)
}

// newSync wires the orchestrator and its collaborators.
func (a *app) newSync() (*engine.Sync, error) {
	api := a.api()

	inserterOpts := []engine.InserterOption{
		engine.WithInserterConfig(a.cfg.InserterConfig()),
		engine.WithInserterClock(a.clock),
		engine.WithInserterLogger(a.log.Logger),
		engine.WithHooks(
			&engine.CurrencyConversionHook{Converter: &engine.CandleConverter{Reader: a.store}},
		),
		engine.WithFinalizers(engine.LedgerBalanceHook{}),
	}
	if len(a.cfg.Accounts) > 0 {
		inserterOpts = append(inserterOpts, engine.WithCredentials(a.accounts()))
	}

	m, err := a.migrator(true)
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Config{
		Queue:       a.queue(),
		Inserter:    engine.NewDataInserter(a.store, api, inserterOpts...),
		Progress:    engine.NewProgressTracker(a.store, a.bus, a.clock, engine.WithLease(a.cfg.Sync.Lease)),
		Migrator:    m,
		SubAccounts: a.accounts(),
		Checker:     a.checker(api),
		IDs:         a.opts.IDs,
		Workers:     a.cfg.Sync.Workers,
		Logger:      a.log.Logger,
	})
}

// writeLines writes each line followed by a newline, stopping at the first
// error.
func writeLines(w io.Writer, lines ...string) error {
	for _, l := range lines {
		if _, err := io.WriteString(w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// Package config loads ledgersync settings.
//
// Sources, lowest precedence first: built-in defaults, the YAML config
// file, a .env file, LEDGERSYNC_* environment variables, then command
// flags bound by the CLI. The decoded Config is validated against an
// embedded CUE schema before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/roach88/ledgersync/internal/engine"
	"github.com/roach88/ledgersync/internal/logging"
	"github.com/roach88/ledgersync/internal/remote"
	"github.com/roach88/ledgersync/internal/schema"
)

// EnvPrefix prefixes every environment override, e.g. LEDGERSYNC_SYNC_WORKERS.
const EnvPrefix = "LEDGERSYNC"

// Config is the full ledgersync configuration.
type Config struct {
	DBPath    string `mapstructure:"db_path" json:"db_path" yaml:"db_path"`
	BackupDir string `mapstructure:"backup_dir" json:"backup_dir" yaml:"backup_dir"`

	Remote RemoteConfig   `mapstructure:"remote" json:"remote" yaml:"remote"`
	Sync   SyncConfig     `mapstructure:"sync" json:"sync" yaml:"sync"`
	Check  CheckConfig    `mapstructure:"check" json:"check" yaml:"check"`
	Log    logging.Config `mapstructure:"log" json:"log" yaml:"log"`
	Feed   FeedConfig     `mapstructure:"feed" json:"feed" yaml:"feed"`

	// Accounts maps owner ids to credentials. Keys are lower-cased by the
	// loader.
	Accounts map[string]Account `mapstructure:"accounts" json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

// RemoteConfig points at the exchange API.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`

	// RateEvery and RateBurst form the default per-method request budget.
	// Zero RateEvery disables limiting.
	RateEvery    time.Duration          `mapstructure:"rate_every" json:"rate_every" yaml:"rate_every"`
	RateBurst    int                    `mapstructure:"rate_burst" json:"rate_burst" yaml:"rate_burst"`
	MethodLimits map[string]LimitConfig `mapstructure:"method_limits" json:"method_limits,omitempty" yaml:"method_limits,omitempty"`
}

// LimitConfig is the request budget of one API method.
type LimitConfig struct {
	Every time.Duration `mapstructure:"every" json:"every" yaml:"every"`
	Burst int           `mapstructure:"burst" json:"burst" yaml:"burst"`
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	Workers  int         `mapstructure:"workers" json:"workers" yaml:"workers"`
	PageSize int         `mapstructure:"page_size" json:"page_size" yaml:"page_size"`
	Retry    RetryConfig `mapstructure:"retry" json:"retry" yaml:"retry"`

	// Lease is how long a run's claim on its owner survives without a
	// heartbeat. Another process may take the owner over after it.
	Lease time.Duration `mapstructure:"lease" json:"lease" yaml:"lease"`
}

// RetryConfig bounds the retries of one page fetch.
type RetryConfig struct {
	Attempts    int           `mapstructure:"attempts" json:"attempts" yaml:"attempts"`
	BackoffMin  time.Duration `mapstructure:"backoff_min" json:"backoff_min" yaml:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" json:"backoff_max" yaml:"backoff_max"`
	PageTimeout time.Duration `mapstructure:"page_timeout" json:"page_timeout" yaml:"page_timeout"`
}

// CheckConfig tunes the consistency checker.
type CheckConfig struct {
	Epsilon float64 `mapstructure:"epsilon" json:"epsilon" yaml:"epsilon"`
}

// FeedConfig configures the live event feed. Empty Addr disables it.
type FeedConfig struct {
	Addr string `mapstructure:"addr" json:"addr" yaml:"addr"`
}

// Credentials of one account.
type Credentials struct {
	APIKey    string `mapstructure:"api_key" json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APISecret string `mapstructure:"api_secret" json:"api_secret,omitempty" yaml:"api_secret,omitempty"`
	AuthToken string `mapstructure:"auth_token" json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
}

// Auth converts to the remote envelope.
func (c Credentials) Auth() remote.Auth {
	return remote.Auth{APIKey: c.APIKey, APISecret: c.APISecret, AuthToken: c.AuthToken}
}

// Account is a master account and its sub-accounts.
type Account struct {
	APIKey      string                 `mapstructure:"api_key" json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APISecret   string                 `mapstructure:"api_secret" json:"api_secret,omitempty" yaml:"api_secret,omitempty"`
	AuthToken   string                 `mapstructure:"auth_token" json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	SubAccounts map[string]Credentials `mapstructure:"sub_accounts" json:"sub_accounts,omitempty" yaml:"sub_accounts,omitempty"`
}

// Auth returns the master account credentials.
func (a Account) Auth() remote.Auth {
	return Credentials{APIKey: a.APIKey, APISecret: a.APISecret, AuthToken: a.AuthToken}.Auth()
}

// RetryPolicy converts the retry settings.
func (c *Config) RetryPolicy() remote.RetryPolicy {
	return remote.RetryPolicy{
		Attempts:    c.Sync.Retry.Attempts,
		BackoffMin:  c.Sync.Retry.BackoffMin,
		BackoffMax:  c.Sync.Retry.BackoffMax,
		PageTimeout: c.Sync.Retry.PageTimeout,
	}
}

// InserterConfig converts the page and retry settings.
func (c *Config) InserterConfig() engine.InserterConfig {
	return engine.InserterConfig{PageSize: c.Sync.PageSize, Retry: c.RetryPolicy()}
}

// RateLimits returns the per-method budgets and the default budget.
// Method keys are matched to catalog methods without regard to case,
// since the loader lower-cases map keys.
func (c *Config) RateLimits() (map[string]remote.Limit, remote.Limit) {
	limits := make(map[string]remote.Limit, len(c.Remote.MethodLimits))
	for key, l := range c.Remote.MethodLimits {
		limits[catalogMethod(key)] = remote.Limit{Every: l.Every, Burst: l.Burst}
	}
	return limits, remote.Limit{Every: c.Remote.RateEvery, Burst: c.Remote.RateBurst}
}

func catalogMethod(key string) string {
	for _, coll := range schema.Collections() {
		if strings.EqualFold(coll.Method, key) {
			return coll.Method
		}
	}
	return key
}

// Owners returns the configured owner ids, sorted.
func (c *Config) Owners() []string {
	out := make([]string, 0, len(c.Accounts))
	for owner := range c.Accounts {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}

// SetDefaults registers every key with its default so environment
// variables can override keys absent from the file.
func SetDefaults(v *viper.Viper) {
	retry := remote.DefaultRetryPolicy()
	logCfg := logging.DefaultConfig()

	v.SetDefault("db_path", "ledgersync.db")
	v.SetDefault("backup_dir", "")

	v.SetDefault("remote.base_url", "http://127.0.0.1:31339/api")
	v.SetDefault("remote.timeout", "60s")
	v.SetDefault("remote.rate_every", "0s")
	v.SetDefault("remote.rate_burst", 1)

	v.SetDefault("sync.workers", engine.DefaultWorkers)
	v.SetDefault("sync.page_size", engine.DefaultPageSize)
	v.SetDefault("sync.lease", engine.DefaultLease)
	v.SetDefault("sync.retry.attempts", retry.Attempts)
	v.SetDefault("sync.retry.backoff_min", retry.BackoffMin.String())
	v.SetDefault("sync.retry.backoff_max", retry.BackoffMax.String())
	v.SetDefault("sync.retry.page_timeout", retry.PageTimeout.String())

	v.SetDefault("check.epsilon", 1e-6)

	v.SetDefault("log.level", logCfg.Level)
	v.SetDefault("log.format", logCfg.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logCfg.MaxSizeMB)
	v.SetDefault("log.max_backups", logCfg.MaxBackups)
	v.SetDefault("log.max_age_days", logCfg.MaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("feed.addr", "")
}

// Options selects the files a Source reads.
type Options struct {
	// File is the YAML config file. Empty means defaults and environment
	// only.
	File string

	// EnvFile is loaded into the process environment when it exists.
	// Variables already set are not overwritten.
	EnvFile string
}

// Source owns the viper instance behind a Config.
type Source struct {
	v    *viper.Viper
	file string
}

// NewSource reads the env file and the config file. A missing EnvFile is
// ignored; a missing config File is an error.
func NewSource(opts Options) (*Source, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	}
	return &Source{v: v, file: opts.File}, nil
}

// Viper exposes the underlying instance for flag binding.
func (s *Source) Viper() *viper.Viper {
	return s.v
}

// File returns the config file path, or empty.
func (s *Source) File() string {
	return s.file
}

// Config decodes and validates the current settings.
func (s *Source) Config() (*Config, error) {
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is NewSource followed by Config.
func Load(opts Options) (*Config, error) {
	src, err := NewSource(opts)
	if err != nil {
		return nil, err
	}
	return src.Config()
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// Package config loads mailmirror settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mailmirror/internal/gmail"
	"mailmirror/internal/policy"
	"mailmirror/internal/reconcile"
)

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type GmailConfig struct {
	// CredentialsFile is the OAuth client secret downloaded from the Google
	// Cloud console.
	CredentialsFile   string        `mapstructure:"credentials_file"`
	Workers           int           `mapstructure:"workers"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

type SyncConfig struct {
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	VerifyWindow   int           `mapstructure:"verify_window"`
	VerifyQuery    string        `mapstructure:"verify_query"`
	FetchChunk     int           `mapstructure:"fetch_chunk"`
	FullScanBudget time.Duration `mapstructure:"full_scan_budget"`
}

type TierConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxMessages int           `mapstructure:"max_messages"`
	Unlimited   bool          `mapstructure:"unlimited"`
}

type PolicyConfig struct {
	DefaultTier string                `mapstructure:"default_tier"`
	Tiers       map[string]TierConfig `mapstructure:"tiers"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type NATSConfig struct {
	// URL empty disables sync events.
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type KeyringConfig struct {
	Service      string `mapstructure:"service"`
	FileDir      string `mapstructure:"file_dir"`
	FilePassword string `mapstructure:"file_password"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Gmail    GmailConfig    `mapstructure:"gmail"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Keyring  KeyringConfig  `mapstructure:"keyring"`
	Log      LogConfig      `mapstructure:"log"`
}

// Dir is ~/.config/mailmirror, or the working directory when no home exists.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailmirror")
}

func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	dir := Dir()
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", filepath.Join(dir, "mailmirror.db"))

	v.SetDefault("gmail.credentials_file", filepath.Join(dir, "credentials.json"))
	v.SetDefault("gmail.workers", 8)
	v.SetDefault("gmail.requests_per_second", 40.0)
	v.SetDefault("gmail.burst", 10)
	v.SetDefault("gmail.max_attempts", 3)
	v.SetDefault("gmail.request_timeout", 30*time.Second)

	v.SetDefault("sync.stale_after", 30*24*time.Hour)
	v.SetDefault("sync.verify_window", 50)
	v.SetDefault("sync.verify_query", "-in:sent -in:chats")
	v.SetDefault("sync.fetch_chunk", 100)
	v.SetDefault("sync.full_scan_budget", 10*time.Minute)

	v.SetDefault("policy.default_tier", "free")

	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("nats.stream", "MAILMIRROR_SYNC")
	v.SetDefault("nats.subject_prefix", "mailmirror")

	v.SetDefault("keyring.service", "mailmirror")
	v.SetDefault("keyring.file_dir", filepath.Join(dir, "credentials"))

	v.SetDefault("log.level", "info")
}

// Load reads path (missing file means defaults only) and applies MAILMIRROR_
// environment overrides, e.g. MAILMIRROR_DATABASE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MAILMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database.dsn is empty")
	}
	if c.Sync.VerifyWindow < 0 || c.Sync.FetchChunk < 0 {
		return errors.New("config: sync limits must not be negative")
	}
	return nil
}

// PolicyTiers converts the configured tiers; none configured yields
// policy.DefaultTiers.
func (c *Config) PolicyTiers() []policy.Tier {
	if len(c.Policy.Tiers) == 0 {
		return policy.DefaultTiers
	}
	names := make([]string, 0, len(c.Policy.Tiers))
	for name := range c.Policy.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	tiers := make([]policy.Tier, 0, len(names))
	for _, name := range names {
		t := c.Policy.Tiers[name]
		tiers = append(tiers, policy.Tier{
			Name:             name,
			MinSyncInterval:  t.MinInterval,
			MaxMessageBudget: t.MaxMessages,
			Unlimited:        t.Unlimited,
		})
	}
	return tiers
}

func (c *Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		StaleAfter:     c.Sync.StaleAfter,
		VerifyWindow:   c.Sync.VerifyWindow,
		VerifyQuery:    c.Sync.VerifyQuery,
		FetchChunk:     c.Sync.FetchChunk,
		FullScanBudget: c.Sync.FullScanBudget,
	}
}

func (c *Config) GmailOptions() gmail.Options {
	return gmail.Options{
		Workers:           c.Gmail.Workers,
		RequestsPerSecond: c.Gmail.RequestsPerSecond,
		Burst:             c.Gmail.Burst,
		MaxAttempts:       c.Gmail.MaxAttempts,
		RequestTimeout:    c.Gmail.RequestTimeout,
	}
}

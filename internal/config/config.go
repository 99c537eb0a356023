// Package config loads rumord settings from defaults, an optional YAML file,
// RUMORD_* environment variables and command-line flags, in increasing
// order of priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"rumord.dev/internal/trust"
)

const envPrefix = "RUMORD"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Config is the resolved service configuration.
type Config struct {
	HTTPAddr      string
	GRPCAddr      string
	Store         Store
	SweepInterval time.Duration
	LogLevel      string
	Policy        PolicyOverrides
}

// Store selects and locates the persistence backend.
type Store struct {
	Driver   string
	DSN      string
	Path     string
	Snapshot string
	Migrate  bool
}

// PolicyOverrides are the lifecycle knobs operators may tune. The scoring
// constants stay fixed.
type PolicyOverrides struct {
	ConsensusThreshold int
	ArchiveAfter       time.Duration
	ArchiveBelowTrust  float64
	IdentityRetention  time.Duration
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	p := trust.DefaultPolicy()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "")
	v.SetDefault("store.snapshot", "")
	v.SetDefault("store.migrate", true)
	v.SetDefault("lifecycle.sweep_interval", time.Duration(0))
	v.SetDefault("log.level", "info")
	v.SetDefault("policy.consensus_threshold", p.ConsensusThreshold)
	v.SetDefault("policy.archive_after", p.ArchiveAfter)
	v.SetDefault("policy.archive_below_trust", p.ArchiveBelowTrust)
	v.SetDefault("policy.identity_retention", p.IdentityRetention)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags maps command-line flags onto config keys. Flags left unset do
// not shadow lower-priority sources.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// ReadFile merges a YAML config file. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load resolves and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddr: v.GetString("http.addr"),
		GRPCAddr: v.GetString("grpc.addr"),
		Store: Store{
			Driver:   strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
			DSN:      v.GetString("store.dsn"),
			Path:     v.GetString("store.path"),
			Snapshot: v.GetString("store.snapshot"),
			Migrate:  v.GetBool("store.migrate"),
		},
		SweepInterval: v.GetDuration("lifecycle.sweep_interval"),
		LogLevel:      v.GetString("log.level"),
		Policy: PolicyOverrides{
			ConsensusThreshold: v.GetInt("policy.consensus_threshold"),
			ArchiveAfter:       v.GetDuration("policy.archive_after"),
			ArchiveBelowTrust:  v.GetFloat64("policy.archive_below_trust"),
			IdentityRetention:  v.GetDuration("policy.identity_retention"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	case DriverBadger:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the badger driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be one of memory, postgres, badger", c.Store.Driver))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("lifecycle.sweep_interval must not be negative"))
	}
	if c.Policy.ConsensusThreshold < 1 {
		errs = append(errs, errors.New("policy.consensus_threshold must be at least 1"))
	}
	if c.Policy.ArchiveAfter <= 0 {
		errs = append(errs, errors.New("policy.archive_after must be positive"))
	}
	if c.Policy.ArchiveBelowTrust < -1 || c.Policy.ArchiveBelowTrust > 1 {
		errs = append(errs, errors.New("policy.archive_below_trust must be within [-1, 1]"))
	}
	if c.Policy.IdentityRetention <= 0 {
		errs = append(errs, errors.New("policy.identity_retention must be positive"))
	}
	return errors.Join(errs...)
}

// TrustPolicy applies the overrides to the default scoring policy.
func (c Config) TrustPolicy() trust.Policy {
	p := trust.DefaultPolicy()
	p.ConsensusThreshold = c.Policy.ConsensusThreshold
	p.ArchiveAfter = c.Policy.ArchiveAfter
	p.ArchiveBelowTrust = c.Policy.ArchiveBelowTrust
	p.IdentityRetention = c.Policy.IdentityRetention
	return p
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rumord.dev/internal/trust"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.True(t, cfg.Store.Migrate)
	assert.Zero(t, cfg.SweepInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, trust.DefaultPolicy(), cfg.TrustPolicy())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("RUMORD_STORE_DRIVER", "Badger")
	t.Setenv("RUMORD_STORE_PATH", "/var/lib/rumord")
	t.Setenv("RUMORD_LIFECYCLE_SWEEP_INTERVAL", "30s")
	t.Setenv("RUMORD_POLICY_CONSENSUS_THRESHOLD", "7")

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, DriverBadger, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/rumord", cfg.Store.Path)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 7, cfg.TrustPolicy().ConsensusThreshold)
}

func TestFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rumord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":7000"
store:
  driver: postgres
  dsn: postgres://localhost/rumors
  migrate: false
policy:
  archive_after: 720h
  archive_below_trust: -0.5
`), 0o600))

	v := New()
	require.NoError(t, ReadFile(v, path))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("http-addr", ":8080", "")
	fs.String("grpc-addr", ":9090", "")
	require.NoError(t, BindFlags(v, fs, map[string]string{
		"http-addr": "http.addr",
		"grpc-addr": "grpc.addr",
	}))
	require.NoError(t, fs.Parse([]string{"--grpc-addr="}))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTPAddr, "unset flag must not shadow the file")
	assert.Equal(t, "", cfg.GRPCAddr, "explicit flag wins")
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.False(t, cfg.Store.Migrate)
	assert.Equal(t, 720*time.Hour, cfg.TrustPolicy().ArchiveAfter)
	assert.Equal(t, -0.5, cfg.TrustPolicy().ArchiveBelowTrust)
}

func TestReadFileMissing(t *testing.T) {
	require.NoError(t, ReadFile(New(), ""))
	require.Error(t, ReadFile(New(), filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestBindFlagsUnknown(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.Error(t, BindFlags(New(), fs, map[string]string{"nope": "http.addr"}))
}

func TestValidation(t *testing.T) {
	cases := map[string]map[string]any{
		"unknown driver":    {"store.driver": "sqlite"},
		"postgres no dsn":   {"store.driver": "postgres"},
		"badger no path":    {"store.driver": "badger"},
		"negative sweep":    {"lifecycle.sweep_interval": -time.Second},
		"zero threshold":    {"policy.consensus_threshold": 0},
		"zero archive age":  {"policy.archive_after": time.Duration(0)},
		"trust floor range": {"policy.archive_below_trust": -2.0},
		"zero retention":    {"policy.identity_retention": time.Duration(0)},
		"empty http addr":   {"http.addr": ""},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			v := New()
			for k, val := range overrides {
				v.Set(k, val)
			}
			_, err := Load(v)
			require.Error(t, err)
		})
	}
}

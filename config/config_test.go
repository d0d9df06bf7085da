package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, ":8095", cfg.ListenAddress)
	require.Equal(t, uint32(250), cfg.FeeBps)
	require.Equal(t, 2*time.Minute, cfg.ConfirmTimeout.Duration)
}

func TestLoadParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `listen_address = "0.0.0.0:9000"
node_rpc_url = "http://node:8545"
fee_bps = 500
fee_admin = "treasury-admin"
confirm_timeout = "90s"
sweep_interval = "30s"
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddress)
	require.Equal(t, "http://node:8545", cfg.NodeRPCURL)
	require.Equal(t, uint32(500), cfg.FeeBps)
	require.Equal(t, "treasury-admin", cfg.FeeAdmin)
	require.Equal(t, 90*time.Second, cfg.ConfirmTimeout.Duration)
	require.Equal(t, 30*time.Second, cfg.SweepInterval.Duration)
	// Values absent from the file keep their defaults.
	require.Equal(t, 5*time.Minute, cfg.SweepGrace.Duration)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("fee_bps = 500\n"), 0o600))
	t.Setenv("WORDBOUNTY_FEE_BPS", "125")
	t.Setenv("WORDBOUNTY_SWEEP_GRACE", "10m")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint32(125), cfg.FeeBps, "environment must win over the file")
	require.Equal(t, 10*time.Minute, cfg.SweepGrace.Duration)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"excessive fee":    func(c *Config) { c.FeeBps = 10_001 },
		"no node url":      func(c *Config) { c.NodeRPCURL = " " },
		"zero winners":     func(c *Config) { c.MaxSplitWinners = 0 },
		"bad log level":    func(c *Config) { c.LogLevel = "verbose" },
		"no database":      func(c *Config) { c.DatabasePath = "" },
		"zero confirm":     func(c *Config) { c.ConfirmTimeout = Duration{} },
		"zero sweep":       func(c *Config) { c.SweepInterval = Duration{} },
		"zero cap ceiling": func(c *Config) { c.ParticipantCapCeiling = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestBadEnvDurationFails(t *testing.T) {
	t.Setenv("WORDBOUNTY_CONFIRM_TIMEOUT", "soon")
	_, err := Load("")
	require.ErrorContains(t, err, "WORDBOUNTY_CONFIRM_TIMEOUT")
}

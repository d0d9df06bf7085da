// Package config loads service configuration from a TOML file with
// environment overrides. Every knob has a sane default; a missing file is not
// an error so the binary runs out of the box against a local node.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the full service configuration.
type Config struct {
	// ListenAddress is the HTTP API bind address.
	ListenAddress string `toml:"listen_address"`
	// NodeRPCURL is the chain node's JSON-RPC endpoint.
	NodeRPCURL string `toml:"node_rpc_url"`
	// NodeRPCToken is the bearer token for the node, if it requires one.
	NodeRPCToken string `toml:"node_rpc_token"`
	// DatabasePath is the SQLite ledger file.
	DatabasePath string `toml:"database_path"`

	// FeeBps is the platform fee in basis points, charged on refunds.
	FeeBps uint32 `toml:"fee_bps"`
	// FeeAdmin is the only account allowed to withdraw accumulated fees.
	FeeAdmin string `toml:"fee_admin"`
	// ConfirmTimeout bounds each settlement confirmation wait.
	ConfirmTimeout Duration `toml:"confirm_timeout"`
	// MaxSplitWinners caps the winner count for split distributions.
	MaxSplitWinners int `toml:"max_split_winners"`
	// ParticipantCapCeiling bounds the per-bounty cap a creator may request.
	ParticipantCapCeiling int `toml:"participant_cap_ceiling"`

	// SweepInterval is the period between reconciliation passes.
	SweepInterval Duration `toml:"sweep_interval"`
	// SweepGrace is how long a record may sit unchanged before the sweeper
	// treats it as stuck.
	SweepGrace Duration `toml:"sweep_grace"`
	// PaymentDeadAfter is the age past which an unanswered payment is
	// recorded as failed.
	PaymentDeadAfter Duration `toml:"payment_dead_after"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `toml:"log_level"`
	// LogFile, when set, routes logs to a rotating file instead of stderr.
	LogFile string `toml:"log_file"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ListenAddress:         ":8095",
		NodeRPCURL:            "http://127.0.0.1:8545",
		DatabasePath:          "wordbounty.db",
		FeeBps:                250,
		ConfirmTimeout:        Duration{2 * time.Minute},
		MaxSplitWinners:       3,
		ParticipantCapCeiling: 10_000,
		SweepInterval:         Duration{time.Minute},
		SweepGrace:            Duration{5 * time.Minute},
		PaymentDeadAfter:      Duration{time.Hour},
		LogLevel:              "info",
	}
}

// Load reads the TOML file at path (when it exists), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	for env, target := range map[string]*string{
		"WORDBOUNTY_LISTEN_ADDRESS": &c.ListenAddress,
		"WORDBOUNTY_NODE_RPC_URL":   &c.NodeRPCURL,
		"WORDBOUNTY_NODE_RPC_TOKEN": &c.NodeRPCToken,
		"WORDBOUNTY_DATABASE_PATH":  &c.DatabasePath,
		"WORDBOUNTY_FEE_ADMIN":      &c.FeeAdmin,
		"WORDBOUNTY_LOG_LEVEL":      &c.LogLevel,
		"WORDBOUNTY_LOG_FILE":       &c.LogFile,
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*target = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("WORDBOUNTY_FEE_BPS")); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("WORDBOUNTY_FEE_BPS: %w", err)
		}
		c.FeeBps = uint32(parsed)
	}
	if v := strings.TrimSpace(os.Getenv("WORDBOUNTY_MAX_SPLIT_WINNERS")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORDBOUNTY_MAX_SPLIT_WINNERS: %w", err)
		}
		c.MaxSplitWinners = parsed
	}
	if v := strings.TrimSpace(os.Getenv("WORDBOUNTY_PARTICIPANT_CAP_CEILING")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORDBOUNTY_PARTICIPANT_CAP_CEILING: %w", err)
		}
		c.ParticipantCapCeiling = parsed
	}
	for env, target := range map[string]*Duration{
		"WORDBOUNTY_CONFIRM_TIMEOUT":    &c.ConfirmTimeout,
		"WORDBOUNTY_SWEEP_INTERVAL":     &c.SweepInterval,
		"WORDBOUNTY_SWEEP_GRACE":        &c.SweepGrace,
		"WORDBOUNTY_PAYMENT_DEAD_AFTER": &c.PaymentDeadAfter,
	} {
		v := strings.TrimSpace(os.Getenv(env))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		target.Duration = parsed
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: listen_address required")
	}
	if strings.TrimSpace(c.NodeRPCURL) == "" {
		return fmt.Errorf("config: node_rpc_url required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("config: database_path required")
	}
	if c.FeeBps > 10_000 {
		return fmt.Errorf("config: fee_bps must not exceed 10000")
	}
	if c.ConfirmTimeout.Duration <= 0 {
		return fmt.Errorf("config: confirm_timeout must be positive")
	}
	if c.MaxSplitWinners <= 0 {
		return fmt.Errorf("config: max_split_winners must be positive")
	}
	if c.ParticipantCapCeiling <= 0 {
		return fmt.Errorf("config: participant_cap_ceiling must be positive")
	}
	if c.SweepInterval.Duration <= 0 || c.SweepGrace.Duration <= 0 {
		return fmt.Errorf("config: sweep timings must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Package config loads and validates the relay's TOML configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/naoina/toml"

	"github.com/polyswarm/relay/internal/chain"
)

// ConfigError distinguishes configuration-time failures (exit code 1) from
// everything else.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

func configErrf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// Endpoint is the `[endpoint]` table: the HTTP ingest bind port.
type Endpoint struct {
	Port int `toml:"port"`
}

// Logging is the `[logging]` table.
type Logging struct {
	Format string `toml:"format"`
}

// ChainSection is one of `[relay.homechain]` / `[relay.sidechain]`.
type ChainSection struct {
	WSURI    string `toml:"wsuri"`
	Token    string `toml:"token"`
	Relay    string `toml:"relay"`
	Free     bool   `toml:"free"`
	Interval uint64 `toml:"interval"`
	Timeout  uint64 `toml:"timeout"`

	// MaxLookback and LookbackWindow are supplemented config keys (no
	// hardcoded constant): blocks replayed on startup and per periodic
	// re-scan, respectively.
	MaxLookback    uint64 `toml:"max_lookback"`
	LookbackWindow uint64 `toml:"lookback_window"`

	// GasLimit is a supplemented per-chain config key used for every
	// approveWithdrawal/anchor submission on this chain.
	GasLimit uint64 `toml:"gas_limit"`
}

// Relay is the `[relay]` table.
type Relay struct {
	AnchorFrequency uint64 `toml:"anchor_frequency"`
	Confirmations   uint64 `toml:"confirmations"`
	Consul          string `toml:"consul"`
	Community       string `toml:"community"`
	KeyfileDir      string `toml:"keyfile_dir"`
	Password        string `toml:"password"`

	Homechain ChainSection `toml:"homechain"`
	Sidechain ChainSection `toml:"sidechain"`

	// Account is not a TOML key; it is always supplied by the RELAY_ACCOUNT
	// environment variable, matching the teacher's convention of keeping
	// secrets out of the config file on disk.
	Account common.Address `toml:"-"`
}

// Config is the decoded, validated configuration for one relay process.
type Config struct {
	Endpoint Endpoint `toml:"endpoint"`
	Logging  Logging  `toml:"logging"`
	Relay    Relay    `toml:"relay"`

	// SidechainName overrides Community when POLY_SIDECHAIN_NAME is set,
	// used only for log tagging.
	SidechainName string `toml:"-"`
}

// Load reads and decodes path, applies environment variable overrides, and
// validates the result. Any failure here is a configuration error (spec §7
// kind 1, exit code 1).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, configErrf("open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, configErrf("decode %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_ACCOUNT"); v != "" {
		cfg.Relay.Account = common.HexToAddress(v)
	}
	if v := os.Getenv("RELAY_PASSWORD"); v != "" {
		cfg.Relay.Password = v
	}
	if v := os.Getenv("POLY_SIDECHAIN_NAME"); v != "" {
		cfg.SidechainName = v
	}
	if v := os.Getenv("CONSUL"); v != "" {
		cfg.Relay.Consul = v
	}
}

// Validate checks the invariants cmd/relay and internal/relay assume hold.
func (c *Config) Validate() error {
	if c.Endpoint.Port < 1 || c.Endpoint.Port > 65535 {
		return fmt.Errorf("config: endpoint.port %d out of range 1-65535", c.Endpoint.Port)
	}
	if c.Logging.Format != "raw" && c.Logging.Format != "json" {
		return fmt.Errorf("config: logging.format must be \"raw\" or \"json\", got %q", c.Logging.Format)
	}
	if c.Relay.Confirmations == 0 {
		return fmt.Errorf("config: relay.confirmations must be positive")
	}
	if c.Relay.KeyfileDir == "" {
		return fmt.Errorf("config: relay.keyfile_dir is required")
	}
	if info, err := os.Stat(c.Relay.KeyfileDir); err != nil || !info.IsDir() {
		return fmt.Errorf("config: relay.keyfile_dir %q is not a readable directory", c.Relay.KeyfileDir)
	}
	if c.Relay.Password == "" {
		return fmt.Errorf("config: relay.password is required (set directly or via RELAY_PASSWORD)")
	}
	if c.Relay.Account == (common.Address{}) {
		return fmt.Errorf("config: account address is required (set RELAY_ACCOUNT)")
	}
	if err := c.Relay.Homechain.validate("homechain", 0); err != nil {
		return err
	}
	if err := c.Relay.Sidechain.validate("sidechain", c.Relay.AnchorFrequency); err != nil {
		return err
	}
	return nil
}

// validate checks one chain section's required fields. anchorFrequency is
// c.Relay.AnchorFrequency on the sidechain and 0 (unchecked) on the
// homechain, since anchor_frequency is meaningless there; a missing or zero
// value on the sidechain would otherwise silently disable all anchoring
// instead of failing fast at startup like every other required knob here.
func (s ChainSection) validate(name string, anchorFrequency uint64) error {
	if s.WSURI == "" {
		return fmt.Errorf("config: relay.%s.wsuri is required", name)
	}
	if s.Token == "" {
		return fmt.Errorf("config: relay.%s.token is required", name)
	}
	if s.Relay == "" {
		return fmt.Errorf("config: relay.%s.relay is required", name)
	}
	if s.Timeout == 0 {
		return fmt.Errorf("config: relay.%s.timeout must be positive", name)
	}
	if s.GasLimit == 0 {
		return fmt.Errorf("config: relay.%s.gas_limit must be positive", name)
	}
	if name == "sidechain" && anchorFrequency == 0 {
		return fmt.Errorf("config: relay.anchor_frequency must be positive")
	}
	return nil
}

// ChainConfig converts one chain's section into the chain package's runtime
// Config, filling in the fields shared across both chains.
func (c *Config) ChainConfig(id chain.ID) chain.Config {
	s := c.Relay.Homechain
	anchorFreq := uint64(0)
	if id == chain.Side {
		s = c.Relay.Sidechain
		anchorFreq = c.Relay.AnchorFrequency
	}
	return chain.Config{
		WSURI:           s.WSURI,
		Token:           common.HexToAddress(s.Token),
		Relay:           common.HexToAddress(s.Relay),
		Account:         c.Relay.Account,
		Confirmations:   c.Relay.Confirmations,
		Interval:        s.Interval,
		Timeout:         s.Timeout,
		Free:            s.Free,
		GasLimit:        s.GasLimit,
		MaxLookback:     s.MaxLookback,
		LookbackWindow:  s.LookbackWindow,
		AnchorFrequency: anchorFreq,
	}
}

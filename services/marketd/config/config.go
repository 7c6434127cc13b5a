package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"p2pmarket/native/market"
	"p2pmarket/storage"
)

// JWTSecretEnv overrides auth.jwt_secret when set.
const JWTSecretEnv = "MARKETD_JWT_SECRET"

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for marketd.
type Config struct {
	ListenAddress   string           `yaml:"listen" toml:"listen"`
	Environment     string           `yaml:"environment" toml:"environment"`
	Owner           string           `yaml:"owner" toml:"owner"`
	Custody         string           `yaml:"custody" toml:"custody"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	Storage         StorageConfig    `yaml:"storage" toml:"storage"`
	Tokens          TokensConfig     `yaml:"tokens" toml:"tokens"`
	Params          ParamsConfig     `yaml:"params" toml:"params"`
	Auth            AuthConfig       `yaml:"auth" toml:"auth"`
	RateLimits      map[string]Limit `yaml:"rate_limits" toml:"rate_limits"`
	CORS            CORSConfig       `yaml:"cors" toml:"cors"`
	Journal         JournalConfig    `yaml:"journal" toml:"journal"`
	Webhook         WebhookConfig    `yaml:"webhook" toml:"webhook"`
	Logging         LoggingConfig    `yaml:"logging" toml:"logging"`
	Telemetry       TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Dir     string `yaml:"dir" toml:"dir"`
}

// TokensConfig describes the two ledgers the marketplace settles against.
type TokensConfig struct {
	Settlement TokenConfig `yaml:"settlement" toml:"settlement"`
	Staking    TokenConfig `yaml:"staking" toml:"staking"`
}

// TokenConfig describes one ledger and its optional genesis allocation.
type TokenConfig struct {
	Symbol   string       `yaml:"symbol" toml:"symbol"`
	Decimals uint8        `yaml:"decimals" toml:"decimals"`
	Minter   string       `yaml:"minter" toml:"minter"`
	Genesis  []Allocation `yaml:"genesis" toml:"genesis"`
}

// Allocation mints Amount base units to Address when the ledger is empty.
type Allocation struct {
	Address string `yaml:"address" toml:"address"`
	Amount  string `yaml:"amount" toml:"amount"`
}

// ParamsConfig seeds the engine parameters on first start. Zero values keep
// the engine defaults.
type ParamsConfig struct {
	CommissionBps       *uint32  `yaml:"commission_bps" toml:"commission_bps"`
	CommissionRecipient string   `yaml:"commission_recipient" toml:"commission_recipient"`
	EscrowWindow        Duration `yaml:"escrow_window" toml:"escrow_window"`
	MinimumStake        string   `yaml:"minimum_stake" toml:"minimum_stake"`
	ArbitratorRewardBps *uint32  `yaml:"arbitrator_reward_bps" toml:"arbitrator_reward_bps"`
	SlashBps            *uint32  `yaml:"slash_bps" toml:"slash_bps"`
	MaxArbitratorChecks uint32   `yaml:"max_arbitrator_checks" toml:"max_arbitrator_checks"`
	ArbitratorTimeout   Duration `yaml:"arbitrator_timeout" toml:"arbitrator_timeout"`
	UnstakeDelay        Duration `yaml:"unstake_delay" toml:"unstake_delay"`
	Governance          string   `yaml:"governance" toml:"governance"`
	Treasury            string   `yaml:"treasury" toml:"treasury"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
	// AnonymousReads lets GET requests through without a token.
	AnonymousReads bool `yaml:"anonymous_reads" toml:"anonymous_reads"`
}

// Limit configures one rate limit group.
type Limit struct {
	RatePerSecond float64        `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int            `yaml:"burst" toml:"burst"`
	DefaultTokens int            `yaml:"default_tokens" toml:"default_tokens"`
	Tokens        map[string]int `yaml:"tokens" toml:"tokens"`
}

// CORSConfig lists allowed browser origins.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials" toml:"allow_credentials"`
}

// JournalConfig selects the event journal database.
type JournalConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// WebhookConfig forwards committed events to an external endpoint.
type WebhookConfig struct {
	Endpoint    string   `yaml:"endpoint" toml:"endpoint"`
	Secret      string   `yaml:"secret" toml:"secret"`
	Topics      []string `yaml:"topics" toml:"topics"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML; everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if secret := strings.TrimSpace(os.Getenv(JWTSecretEnv)); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8088"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 15 * time.Second
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = storage.BackendLevelDB
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "/var/lib/marketd"
	}
	if cfg.Tokens.Settlement.Symbol == "" {
		cfg.Tokens.Settlement.Symbol = "USDX"
		if cfg.Tokens.Settlement.Decimals == 0 {
			cfg.Tokens.Settlement.Decimals = 6
		}
	}
	if cfg.Tokens.Staking.Symbol == "" {
		cfg.Tokens.Staking.Symbol = "ARB"
		if cfg.Tokens.Staking.Decimals == 0 {
			cfg.Tokens.Staking.Decimals = 18
		}
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == "sqlite" {
		cfg.Journal.DSN = filepath.Join(cfg.Storage.Dir, "journal.sqlite")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 5
	}
}

func validate(cfg Config) error {
	if _, err := ParseAddress(cfg.Owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	if cfg.Custody != "" {
		if _, err := ParseAddress(cfg.Custody); err != nil {
			return fmt.Errorf("custody: %w", err)
		}
	}
	switch cfg.Storage.Backend {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if strings.EqualFold(cfg.Tokens.Settlement.Symbol, cfg.Tokens.Staking.Symbol) {
		return fmt.Errorf("tokens: settlement and staking symbols must differ")
	}
	for name, token := range map[string]TokenConfig{"settlement": cfg.Tokens.Settlement, "staking": cfg.Tokens.Staking} {
		if err := token.validate(); err != nil {
			return fmt.Errorf("tokens.%s: %w", name, err)
		}
	}
	if _, err := cfg.Params.Resolve(market.DefaultParams()); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth: jwt_secret (or %s) required when auth is enabled", JWTSecretEnv)
	}
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
	case "none":
	default:
		return fmt.Errorf("journal: unknown driver %q", cfg.Journal.Driver)
	}
	if cfg.Journal.Driver == "postgres" && strings.TrimSpace(cfg.Journal.DSN) == "" {
		return fmt.Errorf("journal: dsn required for postgres")
	}
	if cfg.Webhook.Endpoint != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook: secret required when endpoint is set")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}

func (t TokenConfig) validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return errors.New("symbol required")
	}
	if len(t.Genesis) > 0 {
		if _, err := ParseAddress(t.Minter); err != nil {
			return fmt.Errorf("minter: %w", err)
		}
	}
	for i, alloc := range t.Genesis {
		if _, err := ParseAddress(alloc.Address); err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
		if _, err := ParseAmount(alloc.Amount); err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
	}
	return nil
}

// Resolve overlays the configured values on base and validates the result.
func (p ParamsConfig) Resolve(base market.Params) (market.Params, error) {
	out := base.Clone()
	if p.CommissionBps != nil {
		out.CommissionBps = *p.CommissionBps
	}
	if p.ArbitratorRewardBps != nil {
		out.ArbitratorRewardBps = *p.ArbitratorRewardBps
	}
	if p.SlashBps != nil {
		out.SlashBps = *p.SlashBps
	}
	if p.MaxArbitratorChecks != 0 {
		out.MaxArbitratorChecks = p.MaxArbitratorChecks
	}
	if p.EscrowWindow.Duration != 0 {
		out.EscrowWindow = p.EscrowWindow.Duration
	}
	if p.ArbitratorTimeout.Duration != 0 {
		out.ArbitratorTimeout = p.ArbitratorTimeout.Duration
	}
	if p.UnstakeDelay.Duration != 0 {
		out.UnstakeDelay = p.UnstakeDelay.Duration
	}
	if p.MinimumStake != "" {
		amount, err := ParseAmount(p.MinimumStake)
		if err != nil {
			return market.Params{}, fmt.Errorf("minimum_stake: %w", err)
		}
		out.MinimumStake = amount
	}
	for _, field := range []struct {
		name string
		raw  string
		dst  *[20]byte
	}{
		{"commission_recipient", p.CommissionRecipient, &out.CommissionRecipient},
		{"governance", p.Governance, &out.Governance},
		{"treasury", p.Treasury, &out.Treasury},
	} {
		if field.raw == "" {
			continue
		}
		addr, err := ParseAddress(field.raw)
		if err != nil {
			return market.Params{}, fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = addr
	}
	if err := out.Validate(); err != nil {
		return market.Params{}, err
	}
	return out, nil
}

// IsZero reports whether no parameter was configured.
func (p ParamsConfig) IsZero() bool {
	return p.CommissionBps == nil && p.ArbitratorRewardBps == nil && p.SlashBps == nil &&
		p.MaxArbitratorChecks == 0 && p.EscrowWindow.Duration == 0 && p.ArbitratorTimeout.Duration == 0 &&
		p.UnstakeDelay.Duration == 0 && p.MinimumStake == "" && p.CommissionRecipient == "" &&
		p.Governance == "" && p.Treasury == ""
}

// ParseAddress decodes a non-zero 0x-prefixed hex address.
func ParseAddress(raw string) ([20]byte, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return [20]byte{}, fmt.Errorf("invalid address %q", raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return [20]byte{}, fmt.Errorf("zero address not allowed")
	}
	return addr, nil
}

// ParseAmount decodes a decimal or 0x-prefixed base unit amount.
func ParseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount required")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		value, err := uint256.FromHex(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
		}
		return value, nil
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return value, nil
}

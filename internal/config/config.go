package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/verigate/internal/domain"
)

// DefaultPath is the config file read when no path is given. It is optional.
const DefaultPath = "verigate.yaml"

// EnvPrefix prefixes environment overrides. Nesting uses a double underscore:
// VERIGATE_BACKEND__BASE_URL sets backend.base_url.
const EnvPrefix = "VERIGATE_"

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Backend      BackendConfig      `koanf:"backend"`
	Chain        ChainConfig        `koanf:"chain"`
	Wallet       WalletConfig       `koanf:"wallet"`
	Payment      PaymentConfig      `koanf:"payment"`
	Verification VerificationConfig `koanf:"verification"`
	Storage      StorageConfig      `koanf:"storage"`
	Submission   SubmissionConfig   `koanf:"submission"`
	Log          LogConfig          `koanf:"log"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int    `koanf:"port"`
	RequestTimeout string `koanf:"request_timeout"` // Duration string like "3m"
}

type BackendConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
	Timeout string `koanf:"timeout"`
}

type ChainConfig struct {
	RPCURL               string `koanf:"rpc_url"`
	PaymentContract      string `koanf:"payment_contract"`
	TokenPaymentContract string `koanf:"token_payment_contract"`
	TokenContract        string `koanf:"token_contract"`
	PollInterval         string `koanf:"poll_interval"`
	MineTimeout          string `koanf:"mine_timeout"`
}

type WalletConfig struct {
	RPCURL       string `koanf:"rpc_url"`
	PollInterval string `koanf:"poll_interval"`
}

type PaymentConfig struct {
	DefaultMethod string `koanf:"default_method"` // ETH or NEURO

	// Prices in base units. Empty reads pricePerMessage from the contract.
	NativePrice        string `koanf:"native_price"`
	TokenPrice         string `koanf:"token_price"`
	ApprovalMultiplier int64  `koanf:"approval_multiplier"`
}

type VerificationConfig struct {
	// ExpectedSigner is the backend's signing address. Empty asks the backend.
	ExpectedSigner string `koanf:"expected_signer"`
	CacheTTL       string `koanf:"cache_ttl"`
	RetryDelay     string `koanf:"retry_delay"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type SubmissionConfig struct {
	MaxPromptTokens int    `koanf:"max_prompt_tokens"` // 0 disables the check
	Encoding        string `koanf:"encoding"`
	DefaultModel    string `koanf:"default_model"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":                  8090,
	"server.request_timeout":       "5m",
	"backend.base_url":             "http://localhost:8000",
	"backend.timeout":              "120s",
	"chain.poll_interval":          "2s",
	"chain.mine_timeout":           "3m",
	"wallet.poll_interval":         "5s",
	"payment.default_method":       string(domain.PaymentETH),
	"payment.approval_multiplier":  10,
	"verification.cache_ttl":       "5m",
	"verification.retry_delay":     "750ms",
	"storage.type":                 "sqlite",
	"storage.sqlite.path":          "verigate.db",
	"submission.encoding":          "cl100k_base",
	"submission.max_prompt_tokens": 0,
	"log.level":                    "info",
	"log.format":                   "json",
	"telemetry.service_name":       "verigate",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then environment overrides, then
// defaults for anything unset. A missing DefaultPath is not an error; a missing
// explicit path is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Backend.APIKey = substituteEnvVars(cfg.Backend.APIKey)
	cfg.Backend.BaseURL = substituteEnvVars(cfg.Backend.BaseURL)
	cfg.Chain.RPCURL = substituteEnvVars(cfg.Chain.RPCURL)
	cfg.Wallet.RPCURL = substituteEnvVars(cfg.Wallet.RPCURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.type must be sqlite or memory, got %q", c.Storage.Type)
	}

	method, ok := domain.ParsePaymentMethod(c.Payment.DefaultMethod)
	if !ok || !method.OnChain() {
		return fmt.Errorf("payment.default_method must be ETH or NEURO, got %q", c.Payment.DefaultMethod)
	}

	for name, addr := range map[string]string{
		"chain.payment_contract":       c.Chain.PaymentContract,
		"chain.token_payment_contract": c.Chain.TokenPaymentContract,
		"chain.token_contract":         c.Chain.TokenContract,
		"verification.expected_signer": c.Verification.ExpectedSigner,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not an address: %q", name, addr)
		}
	}

	for name, v := range map[string]string{
		"payment.native_price": c.Payment.NativePrice,
		"payment.token_price":  c.Payment.TokenPrice,
	} {
		if _, err := ParseAmount(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for name, v := range map[string]string{
		"server.request_timeout":   c.Server.RequestTimeout,
		"backend.timeout":          c.Backend.Timeout,
		"chain.poll_interval":      c.Chain.PollInterval,
		"chain.mine_timeout":       c.Chain.MineTimeout,
		"wallet.poll_interval":     c.Wallet.PollInterval,
		"verification.cache_ttl":   c.Verification.CacheTTL,
		"verification.retry_delay": c.Verification.RetryDelay,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// PaymentMethod returns the configured default paid method.
func (c *Config) PaymentMethod() domain.PaymentMethod {
	m, _ := domain.ParsePaymentMethod(c.Payment.DefaultMethod)
	return m
}

// Duration parses s, falling back to def when s is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ParseAmount parses a base-unit amount in decimal or 0x hex. The empty string
// yields nil.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

package gateway

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nuwa-protocol/payment-gateway/billing"
	"github.com/nuwa-protocol/payment-gateway/claims"
)

// Config is the gateway's YAML configuration surface.
type Config struct {
	ServiceID  string `yaml:"service_id"`
	ListenAddr string `yaml:"listen_addr"`
	ChainID    uint64 `yaml:"chain_id"`

	DefaultAssetID string `yaml:"default_asset_id"`

	// AdminDIDs may call the /admin endpoints.
	AdminDIDs []string `yaml:"admin_dids"`
	Debug     bool     `yaml:"debug"`

	StreamTimeoutMs int `yaml:"stream_timeout_ms"`
	PendingTTLMs    int `yaml:"pending_ttl_ms"`
	VerifyTimeoutMs int `yaml:"verify_timeout_ms"`

	Claim     ClaimConfig               `yaml:"claim"`
	Pricing   billing.PricingConfig     `yaml:"pricing"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Redis     *RedisConfig              `yaml:"redis"`
	Chain     *ChainConfig              `yaml:"chain"`
}

type ClaimConfig struct {
	MinClaimAmount      string `yaml:"min_claim_amount"`
	MaxConcurrentClaims int    `yaml:"max_concurrent_claims"`
	MaxRetries          int    `yaml:"max_retries"`
	RetryDelayMs        int    `yaml:"retry_delay_ms"`
	RequireHubBalance   bool   `yaml:"require_hub_balance"`
}

type ProviderConfig struct {
	// Kind selects the wire dialect: "openai" or "anthropic".
	Kind                  string `yaml:"kind"`
	BaseURL               string `yaml:"base_url"`
	APIKeyEnvVar          string `yaml:"api_key_env_var"`
	SupportsNativeUSDCost bool   `yaml:"supports_native_usd_cost"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ChainConfig struct {
	RPCEndpoint       string `yaml:"rpc_endpoint"`
	HubAddress        string `yaml:"hub_address"`
	OperatorKeyEnvVar string `yaml:"operator_key_env_var"`
}

// LoadConfig reads, defaults and validates a gateway configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.StreamTimeoutMs == 0 {
		c.StreamTimeoutMs = 30_000
	}
	if c.PendingTTLMs == 0 {
		c.PendingTTLMs = int((30 * time.Minute).Milliseconds())
	}
	if c.VerifyTimeoutMs == 0 {
		c.VerifyTimeoutMs = 5_000
	}
	if c.Claim.MinClaimAmount == "" {
		c.Claim.MinClaimAmount = "0"
	}
	if c.Claim.MaxConcurrentClaims == 0 {
		c.Claim.MaxConcurrentClaims = 16
	}
	if c.Claim.MaxRetries == 0 {
		c.Claim.MaxRetries = 3
	}
	if c.Claim.RetryDelayMs == 0 {
		c.Claim.RetryDelayMs = 5_000
	}
}

func (c *Config) Validate() error {
	if c.ServiceID == "" {
		return fmt.Errorf("service_id is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id is required")
	}
	if _, ok := new(big.Int).SetString(c.Claim.MinClaimAmount, 10); !ok {
		return fmt.Errorf("claim.min_claim_amount %q is not a base-10 integer", c.Claim.MinClaimAmount)
	}
	for name, provider := range c.Providers {
		if provider.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url is required", name)
		}
		switch provider.Kind {
		case "", "openai", "anthropic":
		default:
			return fmt.Errorf("provider %s: unknown kind %q", name, provider.Kind)
		}
	}
	return nil
}

// ClaimPolicy translates the claim block into the scheduler's policy.
func (c *Config) ClaimPolicy() claims.Policy {
	minClaim, _ := new(big.Int).SetString(c.Claim.MinClaimAmount, 10)
	return claims.Policy{
		MinClaimAmount:      minClaim,
		MaxConcurrentClaims: c.Claim.MaxConcurrentClaims,
		MaxRetries:          c.Claim.MaxRetries,
		RetryDelay:          time.Duration(c.Claim.RetryDelayMs) * time.Millisecond,
		RequireHubBalance:   c.Claim.RequireHubBalance,
	}
}

func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutMs) * time.Millisecond
}

func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLMs) * time.Millisecond
}

func (c *Config) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutMs) * time.Millisecond
}

func (c *Config) IsAdmin(did string) bool {
	for _, admin := range c.AdminDIDs {
		if admin == did {
			return true
		}
	}
	return false
}

// Package config loads the server configuration with viper: a YAML or JSON
// file, defaults, and SALE_-prefixed environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/sale-engine/internal/model"
)

type Config struct {
	Port           string        `mapstructure:"port"`
	DatabaseURL    string        `mapstructure:"database_url"`
	RedisURL       string        `mapstructure:"redis_url"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	Self           string        `mapstructure:"self"`
	MaxPerCall     int64         `mapstructure:"max_per_call"`

	Items ItemsConfig `mapstructure:"items"`
	Sale  SaleConfig  `mapstructure:"sale"`

	// Fund seeds native balances in the in-process bank, keyed by address.
	// Accounts with a persisted balance keep it.
	Fund map[string]string `mapstructure:"fund"`
}

// ItemsConfig configures the in-process ownership ledger.
type ItemsConfig struct {
	Address    string `mapstructure:"address"`
	BaseURI    string `mapstructure:"base_uri"`
	Provenance string `mapstructure:"provenance"`
	MaxSupply  uint64 `mapstructure:"max_supply"`
}

// SaleConfig is the initial sale configuration. It is persisted the first
// time the store is empty; afterwards the persisted configuration wins.
type SaleConfig struct {
	Owner    string `mapstructure:"owner"`
	Refunder string `mapstructure:"refunder"`
	Vault    string `mapstructure:"vault"`
	AuxToken string `mapstructure:"aux_token"`

	AuctionStart    string `mapstructure:"auction_start"` // RFC 3339
	AllowlistStart  string `mapstructure:"allowlist_start"`
	PublicStart     string `mapstructure:"public_start"`
	ClaimStart      string `mapstructure:"claim_start"`
	SelfRefundStart string `mapstructure:"self_refund_start"`

	StartPrice   string        `mapstructure:"start_price"`
	LowestPrice  string        `mapstructure:"lowest_price"`
	FinalPrice   string        `mapstructure:"final_price"`
	CurveLength  time.Duration `mapstructure:"curve_length"`
	DropInterval time.Duration `mapstructure:"drop_interval"`

	MaxDaSupply int64 `mapstructure:"max_da_supply"`
	MaxForSale  int64 `mapstructure:"max_for_sale"`
	MaxForClaim int64 `mapstructure:"max_for_claim"`

	AllowlistRoot1 string `mapstructure:"allowlist_root1"`
	AllowlistRoot2 string `mapstructure:"allowlist_root2"`
	ClaimlistRoot  string `mapstructure:"claimlist_root"`
}

const (
	DefaultPort           = "8080"
	DefaultCacheTTL       = 30 * time.Second
	DefaultConnectRetries = 5
	DefaultMaxPerCall     = 20

	DefaultSelf     = "0x0000000000000000000000000000000000005a1e"
	DefaultItems    = "0x0000000000000000000000000000000000001733"
	DefaultAuxToken = "0x000000000000000000000000000000000000a0c5"
)

// Load reads path (if non-empty), applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := map[string]interface{}{
		"port":               DefaultPort,
		"database_url":       "",
		"redis_url":          "",
		"cache_ttl":          DefaultCacheTTL,
		"connect_retries":    DefaultConnectRetries,
		"self":               DefaultSelf,
		"max_per_call":       DefaultMaxPerCall,
		"items.address":      DefaultItems,
		"items.base_uri":     "",
		"items.provenance":   "",
		"items.max_supply":   0,
		"sale.owner":         "",
		"sale.refunder":      "",
		"sale.vault":         "",
		"sale.aux_token":     DefaultAuxToken,
		"sale.start_price":   "2.5",
		"sale.lowest_price":  "0.6",
		"sale.final_price":   "",
		"sale.curve_length":  380 * time.Minute,
		"sale.drop_interval": 10 * time.Minute,
		"sale.max_da_supply": 8000,
		"sale.max_for_sale":  14190,
		"sale.max_for_claim": 1100,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("SALE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, cfg.Validate()
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is empty")
	}
	if c.CacheTTL <= 0 {
		return errors.New("invalid cache_ttl")
	}
	if c.ConnectRetries < 0 {
		return errors.New("invalid connect_retries")
	}
	if c.MaxPerCall < 1 {
		return errors.New("invalid max_per_call")
	}
	if !common.IsHexAddress(c.Self) {
		return errors.New("self must be a hex address")
	}
	if !common.IsHexAddress(c.Items.Address) {
		return errors.New("items.address must be a hex address")
	}
	for addr, amount := range c.Fund {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("fund: %q is not a hex address", addr)
		}
		if _, err := decimal.NewFromString(amount); err != nil {
			return fmt.Errorf("fund %s: %w", addr, err)
		}
	}
	if c.Sale.Owner == "" {
		return errors.New("missing sale.owner in configuration")
	}
	_, err := c.Sale.Model(c.Items.Address)
	return err
}

// Model converts the sale section into the persisted aggregate. itemsAddr
// is the ownership ledger the sale issues through.
func (s SaleConfig) Model(itemsAddr string) (*model.SaleConfig, error) {
	var out model.SaleConfig
	var err error

	roles := []struct {
		name     string
		raw      string
		dst      *common.Address
		required bool
	}{
		{"sale.owner", s.Owner, &out.Roles.Owner, true},
		{"sale.refunder", s.Refunder, &out.Roles.Refunder, false},
		{"sale.vault", s.Vault, &out.Roles.Vault, false},
		{"sale.aux_token", s.AuxToken, &out.Roles.AuxToken, false},
		{"items.address", itemsAddr, &out.Roles.Items, true},
	}
	for _, r := range roles {
		if r.raw == "" && !r.required {
			continue
		}
		if !common.IsHexAddress(r.raw) {
			return nil, fmt.Errorf("%s must be a hex address", r.name)
		}
		*r.dst = common.HexToAddress(r.raw)
	}

	times := []struct {
		name string
		raw  string
		dst  *time.Time
	}{
		{"sale.auction_start", s.AuctionStart, &out.Times.AuctionStart},
		{"sale.allowlist_start", s.AllowlistStart, &out.Times.AllowlistStart},
		{"sale.public_start", s.PublicStart, &out.Times.PublicStart},
		{"sale.claim_start", s.ClaimStart, &out.Times.ClaimStart},
		{"sale.self_refund_start", s.SelfRefundStart, &out.Times.SelfRefundStart},
	}
	for _, t := range times {
		if t.raw == "" {
			continue
		}
		if *t.dst, err = time.Parse(time.RFC3339, t.raw); err != nil {
			return nil, fmt.Errorf("%s: %w", t.name, err)
		}
	}

	if out.Curve.StartPrice, err = decimal.NewFromString(s.StartPrice); err != nil {
		return nil, fmt.Errorf("sale.start_price: %w", err)
	}
	if out.Curve.LowestPrice, err = decimal.NewFromString(s.LowestPrice); err != nil {
		return nil, fmt.Errorf("sale.lowest_price: %w", err)
	}
	if s.FinalPrice != "" {
		fp, err := decimal.NewFromString(s.FinalPrice)
		if err != nil {
			return nil, fmt.Errorf("sale.final_price: %w", err)
		}
		out.FinalPrice = &fp
	}
	out.Curve.CurveLength = s.CurveLength
	out.Curve.DropInterval = s.DropInterval

	out.Caps = model.Caps{
		MaxDaSupply: s.MaxDaSupply,
		MaxForSale:  s.MaxForSale,
		MaxForClaim: s.MaxForClaim,
	}

	roots := []struct {
		name string
		raw  string
		dst  *common.Hash
	}{
		{"sale.allowlist_root1", s.AllowlistRoot1, &out.Roots.Allowlist1},
		{"sale.allowlist_root2", s.AllowlistRoot2, &out.Roots.Allowlist2},
		{"sale.claimlist_root", s.ClaimlistRoot, &out.Roots.Claimlist},
	}
	for _, r := range roots {
		if r.raw == "" {
			continue
		}
		if len(strings.TrimPrefix(r.raw, "0x")) != 2*common.HashLength {
			return nil, fmt.Errorf("%s must be a 32-byte hex hash", r.name)
		}
		*r.dst = common.HexToHash(r.raw)
	}

	return &out, nil
}

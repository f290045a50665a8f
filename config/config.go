package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/BurntSushi/toml"
)

// Market is the TOML document that seeds the curve market: token symbols,
// curve options, controller bounds, fees, and the approved stable set.
type Market struct {
	MarketToken       string        `toml:"MarketToken"`
	ClaimToken        string        `toml:"ClaimToken"`
	Slope             string        `toml:"Slope"`
	TargetBps         uint32        `toml:"TargetBps"`
	TargetAdjustedBps uint32        `toml:"TargetAdjustedBps"`
	Adjust            Adjust        `toml:"Adjust"`
	Fees              Fees          `toml:"Fees"`
	Stables           []StableToken `toml:"Stables"`
	Startup           *Startup      `toml:"Startup"`
}

// Adjust bounds the ratio controller.
type Adjust struct {
	MinTargetBps         uint32 `toml:"MinTargetBps"`
	MaxTargetAdjustedBps uint32 `toml:"MaxTargetAdjustedBps"`
	RaiseStepBps         uint32 `toml:"RaiseStepBps"`
	LowerStepBps         uint32 `toml:"LowerStepBps"`
	LowerIntervalSeconds uint64 `toml:"LowerIntervalSeconds"`
}

// Fees route basis-point trade fees to the dev account.
type Fees struct {
	BuyBps     uint32 `toml:"BuyBps"`
	SellBps    uint32 `toml:"SellBps"`
	DevAccount string `toml:"DevAccount"`
}

// StableToken registers a stable asset accepted by the market.
type StableToken struct {
	Symbol      string `toml:"Symbol"`
	Decimals    uint8  `toml:"Decimals"`
	BuyApproved bool   `toml:"BuyApproved"`
}

// Startup optionally bootstraps the market on first boot. Worth and Supply
// are decimal integers in 18-decimal base units; Account receives the initial
// supply mint and defaults to "genesis".
type Startup struct {
	Worth   string `toml:"Worth"`
	Supply  string `toml:"Supply"`
	Account string `toml:"Account"`
}

// Load reads and validates the market configuration at path.
func Load(path string) (*Market, error) {
	cfg := &Market{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode market config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Market) {
	if strings.TrimSpace(cfg.MarketToken) == "" {
		cfg.MarketToken = "LAB"
	}
	if strings.TrimSpace(cfg.ClaimToken) == "" {
		cfg.ClaimToken = "PRLAB"
	}
	if cfg.Adjust.MinTargetBps == 0 {
		cfg.Adjust.MinTargetBps = 1
	}
	if cfg.Adjust.MaxTargetAdjustedBps == 0 {
		cfg.Adjust.MaxTargetAdjustedBps = 10_000
	}
	if cfg.Startup != nil && strings.TrimSpace(cfg.Startup.Account) == "" {
		cfg.Startup.Account = "genesis"
	}
}

// Validate enforces the ratio ordering, slope positivity and stable set
// consistency before any engine is built from the document.
func (m *Market) Validate() error {
	if m == nil {
		return fmt.Errorf("market config required")
	}
	if _, err := m.SlopeInt(); err != nil {
		return err
	}
	if m.TargetBps == 0 || m.TargetBps >= m.TargetAdjustedBps {
		return fmt.Errorf("target bps %d must be positive and below the adjusted target %d", m.TargetBps, m.TargetAdjustedBps)
	}
	if m.TargetAdjustedBps > 10_000 {
		return fmt.Errorf("adjusted target bps %d exceeds 10000", m.TargetAdjustedBps)
	}
	if m.Adjust.MinTargetBps > m.TargetBps {
		return fmt.Errorf("min target bps %d above target %d", m.Adjust.MinTargetBps, m.TargetBps)
	}
	if m.Adjust.MaxTargetAdjustedBps < m.TargetAdjustedBps || m.Adjust.MaxTargetAdjustedBps > 10_000 {
		return fmt.Errorf("max adjusted target bps %d out of range", m.Adjust.MaxTargetAdjustedBps)
	}
	if m.Fees.BuyBps > 1_000 || m.Fees.SellBps > 1_000 {
		return fmt.Errorf("trade fees capped at 1000 bps")
	}
	if (m.Fees.BuyBps > 0 || m.Fees.SellBps > 0) && strings.TrimSpace(m.Fees.DevAccount) == "" {
		return fmt.Errorf("dev account required when fees are configured")
	}
	if len(m.Stables) == 0 {
		return fmt.Errorf("at least one stable token must be configured")
	}
	seen := make(map[string]struct{}, len(m.Stables))
	for _, stable := range m.Stables {
		symbol := strings.ToUpper(strings.TrimSpace(stable.Symbol))
		if symbol == "" {
			return fmt.Errorf("stable token symbol required")
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("duplicate stable token %s", symbol)
		}
		seen[symbol] = struct{}{}
		if stable.Decimals > 36 {
			return fmt.Errorf("stable token %s decimals %d out of range", symbol, stable.Decimals)
		}
	}
	if m.Startup != nil {
		if _, err := parsePositive("startup worth", m.Startup.Worth); err != nil {
			return err
		}
		if _, err := parsePositive("startup supply", m.Startup.Supply); err != nil {
			return err
		}
	}
	return nil
}

// SlopeInt parses the configured slope as a positive integer.
func (m *Market) SlopeInt() (*big.Int, error) {
	return parsePositive("slope", m.Slope)
}

// WorthInt parses the bootstrap worth in 18-decimal base units.
func (s *Startup) WorthInt() (*big.Int, error) {
	if s == nil {
		return nil, fmt.Errorf("startup section missing")
	}
	return parsePositive("startup worth", s.Worth)
}

// SupplyInt parses the bootstrap supply in 18-decimal base units.
func (s *Startup) SupplyInt() (*big.Int, error) {
	if s == nil {
		return nil, fmt.Errorf("startup section missing")
	}
	return parsePositive("startup supply", s.Supply)
}

func parsePositive(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s %q is not a decimal integer", field, raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return value, nil
}

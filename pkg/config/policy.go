package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy holds deployment policy values. They differ between deployments
// and are never hardcoded in the services that consume them.
type Policy struct {
	MarketGate GatePolicy       `yaml:"market_gate"`
	Sizing     SizingPolicy     `yaml:"sizing"`
	Commission CommissionPolicy `yaml:"commission"`
	Venues     []VenueEndpoint  `yaml:"venues"`
}

// GatePolicy holds the Fear & Greed classification bounds (inclusive upper
// bounds) and the staleness rule.
type GatePolicy struct {
	ExtremeFearMax int           `yaml:"extreme_fear_max"`
	FearMax        int           `yaml:"fear_max"`
	NeutralMax     int           `yaml:"neutral_max"`
	GreedMax       int           `yaml:"greed_max"`
	MaxAge         time.Duration `yaml:"max_age"`
	StaleVeto      bool          `yaml:"stale_veto"`
}

// SizingPolicy holds order sizing knobs shared by all accounts.
type SizingPolicy struct {
	StrongMultiplier float64 `yaml:"strong_multiplier"`
	MinNotional      float64 `yaml:"min_notional"`
}

// CommissionPolicy maps affiliate tiers to commission rates (0.015 = 1.5%).
type CommissionPolicy struct {
	Standard float64 `yaml:"standard"`
	VIP      float64 `yaml:"vip"`
}

// VenueEndpoint is resolved once per (exchange, environment) pair.
type VenueEndpoint struct {
	Exchange    string `yaml:"exchange"`
	Environment string `yaml:"environment"`
	BaseURL     string `yaml:"base_url"`
	FallbackURL string `yaml:"fallback_url"`
	RecvWindow  int64  `yaml:"recv_window"`
}

// PolicyFile is the top-level YAML structure.
type PolicyFile struct {
	Policy Policy `yaml:"policy"`
}

// DefaultPolicy mirrors the public Fear & Greed bands and the venue's
// published endpoints.
func DefaultPolicy() *Policy {
	return &Policy{
		MarketGate: GatePolicy{
			ExtremeFearMax: 24,
			FearMax:        44,
			NeutralMax:     55,
			GreedMax:       75,
			MaxAge:         30 * time.Minute,
			StaleVeto:      true,
		},
		Sizing: SizingPolicy{
			StrongMultiplier: 1.5,
			MinNotional:      5,
		},
		Commission: CommissionPolicy{
			Standard: 0.015,
			VIP:      0.05,
		},
		Venues: []VenueEndpoint{
			{Exchange: "bybit", Environment: "testnet", BaseURL: "https://api-testnet.bybit.com", RecvWindow: 5000},
			{Exchange: "bybit", Environment: "mainnet", BaseURL: "https://api.bybit.com", FallbackURL: "https://api.bytick.com", RecvWindow: 5000},
		},
	}
}

// LoadPolicy reads the policy file at path. An empty path yields the
// defaults; fields missing from the file keep their default value.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	file := PolicyFile{Policy: *p}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := file.Policy.Validate(); err != nil {
		return nil, err
	}
	return &file.Policy, nil
}

// Validate checks the bands are ordered and the rates are sane.
func (p *Policy) Validate() error {
	g := p.MarketGate
	if !(0 <= g.ExtremeFearMax && g.ExtremeFearMax < g.FearMax && g.FearMax < g.NeutralMax &&
		g.NeutralMax < g.GreedMax && g.GreedMax < 100) {
		return errors.New("policy: market gate thresholds must be strictly increasing within 0..100")
	}
	if g.MaxAge <= 0 {
		return errors.New("policy: market gate max_age must be positive")
	}
	if p.Sizing.StrongMultiplier <= 0 {
		return errors.New("policy: strong_multiplier must be positive")
	}
	if p.Sizing.MinNotional < 0 {
		return errors.New("policy: min_notional must not be negative")
	}
	if p.Commission.Standard < 0 || p.Commission.VIP < 0 || p.Commission.Standard > 1 || p.Commission.VIP > 1 {
		return errors.New("policy: commission rates must be within 0..1")
	}
	if len(p.Venues) == 0 {
		return errors.New("policy: at least one venue endpoint is required")
	}
	for _, v := range p.Venues {
		if v.Exchange == "" || v.Environment == "" || v.BaseURL == "" {
			return fmt.Errorf("policy: venue entry %q/%q is incomplete", v.Exchange, v.Environment)
		}
	}
	return nil
}

// Venue returns the endpoint configured for (exchange, environment).
func (p *Policy) Venue(exchange, environment string) (VenueEndpoint, bool) {
	for _, v := range p.Venues {
		if strings.EqualFold(v.Exchange, exchange) && strings.EqualFold(v.Environment, environment) {
			return v, true
		}
	}
	return VenueEndpoint{}, false
}

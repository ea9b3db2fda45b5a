package strategy

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the strategy knob set. Zero values are replaced by defaults at
// load time; Validate runs fail-fast at startup.
type Config struct {
	CapitalUSD float64 `yaml:"capital_usd"`

	// Universe selection.
	UniverseSize   int      `yaml:"universe_size"`
	StaticSymbols  []string `yaml:"static_symbols"`
	WeightSpread   float64  `yaml:"weight_spread"`
	WeightCoverage float64  `yaml:"weight_coverage"`
	WeightAbsRate  float64  `yaml:"weight_abs_rate"`

	// Signal thresholds.
	FrDiffMin                float64 `yaml:"fr_diff_min"`
	MinPersistenceWindows    int     `yaml:"min_persistence_windows"`
	MinPairScore             float64 `yaml:"min_pair_score"`
	ExpectedEdgeMinBps       float64 `yaml:"expected_edge_min_bps"`
	MaxNewPositionsPerCycle  int     `yaml:"max_new_positions_per_cycle"`
	AllowSingleExchangePairs *bool   `yaml:"allow_single_exchange_pairs"`

	// Sizing.
	CapitalFraction       float64 `yaml:"capital_fraction"`
	MinOrderUSD           float64 `yaml:"min_order_usd"`
	MaxNotionalPerPairUSD float64 `yaml:"max_notional_per_pair_usd"`

	// Risk caps.
	MaxTotalNotionalUSD     float64 `yaml:"max_total_notional_usd"`
	MaxNotionalPerSymbolUSD float64 `yaml:"max_notional_per_symbol_usd"`
	MaxNotionalPerVenueUSD  float64 `yaml:"max_notional_per_venue_usd"`
	MaxLeverage             float64 `yaml:"max_leverage"`
	NormalLeverageCap       float64 `yaml:"normal_leverage_cap"`
	ReduceLeverageCap       float64 `yaml:"reduce_leverage_cap"`

	// Drawdown ladder (fractions of peak equity).
	ReduceModeDrawdownPct  float64 `yaml:"reduce_mode_drawdown_pct"`
	MaxDrawdownStopPct     float64 `yaml:"max_drawdown_stop_pct"`
	NormalRecoverDrawdown  float64 `yaml:"normal_recover_drawdown_pct"`
	ReduceRecoverDrawdown  float64 `yaml:"reduce_recover_drawdown_pct"`
	RebalanceThresholdPct  float64 `yaml:"rebalance_threshold_pct"`
	PartialFillTolerance   float64 `yaml:"partial_fill_tolerance"`

	// Fees and market-data fallbacks.
	FeeBpsPerLeg float64 `yaml:"fee_bps_per_leg"`
	DefaultOIUSD float64 `yaml:"default_oi_usd"`

	// Timing.
	CyclePeriodSeconds    int `yaml:"cycle_period_seconds"`
	CycleDeadlineSeconds  int `yaml:"cycle_deadline_seconds"`
	LegFillTimeoutSeconds int `yaml:"leg_fill_timeout_seconds"`
	OrderTimeoutSeconds   int `yaml:"order_timeout_seconds"`
	IntentDeadlineSeconds int `yaml:"intent_deadline_seconds"`

	// Crash-recovery policy: "adopt" or "flatten".
	RecoveryPolicy string `yaml:"recovery_policy"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	allowSingle := true
	return Config{
		CapitalUSD: 1000,

		UniverseSize:   25,
		WeightSpread:   0.60,
		WeightCoverage: 0.25,
		WeightAbsRate:  0.15,

		FrDiffMin:                0.002,
		MinPersistenceWindows:    1,
		MinPairScore:             0.30,
		ExpectedEdgeMinBps:       1.0,
		MaxNewPositionsPerCycle:  1,
		AllowSingleExchangePairs: &allowSingle,

		CapitalFraction:       0.40,
		MinOrderUSD:           10,
		MaxNotionalPerPairUSD: 40,

		MaxTotalNotionalUSD:     50,
		MaxNotionalPerSymbolUSD: 40,
		MaxNotionalPerVenueUSD:  50,
		MaxLeverage:             5.0,
		NormalLeverageCap:       2.0,
		ReduceLeverageCap:       1.0,

		ReduceModeDrawdownPct: 0.10,
		MaxDrawdownStopPct:    0.15,
		NormalRecoverDrawdown: 0.08,
		ReduceRecoverDrawdown: 0.13,
		RebalanceThresholdPct: 0.20,
		PartialFillTolerance:  0.10,

		FeeBpsPerLeg: 4.0,
		DefaultOIUSD: 5_000_000,

		CyclePeriodSeconds:    600,
		CycleDeadlineSeconds:  120,
		LegFillTimeoutSeconds: 10,
		OrderTimeoutSeconds:   5,
		IntentDeadlineSeconds: 30,

		RecoveryPolicy: "adopt",
	}
}

// Load reads a strategy config file, layering it over the defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open strategy config: %w", err)
	}
	defer file.Close()
	return LoadFromReader(file)
}

// LoadFromReader layers yaml from r over the defaults and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read strategy config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal strategy config: %w", err)
	}
	if cfg.AllowSingleExchangePairs == nil {
		allowSingle := true
		cfg.AllowSingleExchangePairs = &allowSingle
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AllowSinglePairs resolves the tri-state flag.
func (c *Config) AllowSinglePairs() bool {
	return c.AllowSingleExchangePairs == nil || *c.AllowSingleExchangePairs
}

// CyclePeriod returns the cycle cadence as a duration.
func (c *Config) CyclePeriod() time.Duration {
	return time.Duration(c.CyclePeriodSeconds) * time.Second
}

// CycleDeadline bounds a single cycle's wall time.
func (c *Config) CycleDeadline() time.Duration {
	return time.Duration(c.CycleDeadlineSeconds) * time.Second
}

// LegFillTimeout bounds fill reconciliation per intent.
func (c *Config) LegFillTimeout() time.Duration {
	return time.Duration(c.LegFillTimeoutSeconds) * time.Second
}

// OrderTimeout bounds a single order attempt.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutSeconds) * time.Second
}

// IntentDeadline bounds a whole intent including retries and flatten.
func (c *Config) IntentDeadline() time.Duration {
	return time.Duration(c.IntentDeadlineSeconds) * time.Second
}

// Validate fails fast on inconsistent configuration.
func (c *Config) Validate() error {
	if c.CapitalUSD <= 0 {
		return fmt.Errorf("strategy config: capital_usd must be positive")
	}
	if c.UniverseSize < 0 {
		return fmt.Errorf("strategy config: universe_size cannot be negative")
	}
	weightSum := c.WeightSpread + c.WeightCoverage + c.WeightAbsRate
	if weightSum < 0.999 || weightSum > 1.001 {
		return fmt.Errorf("strategy config: universe weights must sum to 1, got %.4f", weightSum)
	}
	if c.FrDiffMin < 0 {
		return fmt.Errorf("strategy config: fr_diff_min cannot be negative")
	}
	if c.MinPersistenceWindows < 1 {
		return fmt.Errorf("strategy config: min_persistence_windows must be >= 1")
	}
	if c.MinPairScore < 0 || c.MinPairScore > 1 {
		return fmt.Errorf("strategy config: min_pair_score must be in [0, 1]")
	}
	if c.MaxNewPositionsPerCycle < 0 {
		return fmt.Errorf("strategy config: max_new_positions_per_cycle cannot be negative")
	}
	if c.CapitalFraction <= 0 || c.CapitalFraction > 1 {
		return fmt.Errorf("strategy config: capital_fraction must be in (0, 1]")
	}
	if c.MinOrderUSD <= 0 {
		return fmt.Errorf("strategy config: min_order_usd must be positive")
	}
	if c.MaxNotionalPerPairUSD < c.MinOrderUSD {
		return fmt.Errorf("strategy config: max_notional_per_pair_usd must be >= min_order_usd")
	}
	if c.MaxTotalNotionalUSD <= 0 {
		return fmt.Errorf("strategy config: max_total_notional_usd must be positive")
	}
	if c.MaxLeverage <= 0 || c.NormalLeverageCap <= 0 || c.ReduceLeverageCap <= 0 {
		return fmt.Errorf("strategy config: leverage caps must be positive")
	}
	if c.NormalLeverageCap > c.MaxLeverage {
		return fmt.Errorf("strategy config: normal_leverage_cap cannot exceed max_leverage")
	}
	if !(c.NormalRecoverDrawdown < c.ReduceModeDrawdownPct) {
		return fmt.Errorf("strategy config: normal_recover_drawdown_pct must be below reduce_mode_drawdown_pct")
	}
	if !(c.ReduceModeDrawdownPct < c.MaxDrawdownStopPct) {
		return fmt.Errorf("strategy config: reduce_mode_drawdown_pct must be below max_drawdown_stop_pct")
	}
	if !(c.ReduceRecoverDrawdown < c.MaxDrawdownStopPct) {
		return fmt.Errorf("strategy config: reduce_recover_drawdown_pct must be below max_drawdown_stop_pct")
	}
	if c.PartialFillTolerance < 0 || c.PartialFillTolerance > 1 {
		return fmt.Errorf("strategy config: partial_fill_tolerance must be in [0, 1]")
	}
	if c.RebalanceThresholdPct <= 0 {
		return fmt.Errorf("strategy config: rebalance_threshold_pct must be positive")
	}
	if c.FeeBpsPerLeg < 0 {
		return fmt.Errorf("strategy config: fee_bps_per_leg cannot be negative")
	}
	if c.CyclePeriodSeconds <= 0 {
		return fmt.Errorf("strategy config: cycle_period_seconds must be positive")
	}
	if c.CycleDeadlineSeconds <= 0 || c.CycleDeadlineSeconds > c.CyclePeriodSeconds {
		return fmt.Errorf("strategy config: cycle_deadline_seconds must be in (0, cycle_period_seconds]")
	}
	if c.LegFillTimeoutSeconds <= 0 || c.OrderTimeoutSeconds <= 0 || c.IntentDeadlineSeconds <= 0 {
		return fmt.Errorf("strategy config: execution timeouts must be positive")
	}
	switch c.RecoveryPolicy {
	case "adopt", "flatten":
	default:
		return fmt.Errorf("strategy config: recovery_policy must be adopt or flatten, got %q", c.RecoveryPolicy)
	}
	return nil
}

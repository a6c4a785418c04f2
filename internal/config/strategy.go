package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"dex-liquidity-bot/internal/dex"

	"gopkg.in/yaml.v3"
)

var ErrMissingSetting = errors.New("missing required setting")

type Kind string

const (
	KindWall            Kind = "wall"
	KindRamp            Kind = "ramp"
	KindAutomaticBorrow Kind = "automatic_borrow"
	KindCollateralOnly  Kind = "collateral_only"
)

// PlacesOrders reports whether instances of the kind maintain resting orders.
func (k Kind) PlacesOrders() bool {
	return k == KindWall || k == KindRamp
}

type RampMode string

const (
	RampLinear      RampMode = "linear"
	RampExponential RampMode = "exponential"
)

// MaxRampLevels bounds the orders a ramp keeps on each side of a market.
const MaxRampLevels = 200

// Levels is the number of ramp levels per side for spreadPercent: one at
// half the spread, then one per step out to price_percent.
func (r RampConfig) Levels(spreadPercent float64) int {
	first := spreadPercent / 2
	if r.StepPercent <= 0 || r.PricePercent < first {
		return 1
	}
	n := math.Floor((r.PricePercent-first)/r.StepPercent+1e-9) + 1
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

const (
	SourceFeed         = "feed"
	SourceLast         = "last"
	SourceBidAsk       = "bid_ask"
	SourceFilledOrders = "filled_orders"
)

// CanonicalSource maps a price source tag, including its aliases, to the
// canonical tag.
func CanonicalSource(tag string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "feed", "settlement_price", "price_feed":
		return SourceFeed, true
	case "last":
		return SourceLast, true
	case "bid_ask", "gap":
		return SourceBidAsk, true
	case "filled_orders":
		return SourceFilledOrders, true
	}
	return "", false
}

// PriceSpec is one of: a literal price, a single source tag, or a weighted
// blend of source tags.
type PriceSpec struct {
	Literal float64
	Source  string
	Weights map[string]float64
}

func (p PriceSpec) IsZero() bool {
	return p.Literal == 0 && p.Source == "" && len(p.Weights) == 0
}

func (p PriceSpec) IsLiteral() bool {
	return p.Literal != 0
}

func (p PriceSpec) IsWeighted() bool {
	return len(p.Weights) > 0
}

// Sources lists every source tag the price reads from.
func (p PriceSpec) Sources() []string {
	if p.Source != "" {
		return []string{p.Source}
	}
	out := make([]string, 0, len(p.Weights))
	for tag := range p.Weights {
		out = append(out, tag)
	}
	return out
}

func (p *PriceSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!int" || node.Tag == "!!float" {
			v, err := strconv.ParseFloat(node.Value, 64)
			if err != nil {
				return fmt.Errorf("target_price: %w", err)
			}
			*p = PriceSpec{Literal: v}
			return nil
		}
		*p = PriceSpec{Source: strings.TrimSpace(node.Value)}
		return nil
	case yaml.MappingNode:
		var weights map[string]float64
		if err := node.Decode(&weights); err != nil {
			return fmt.Errorf("target_price: %w", err)
		}
		*p = PriceSpec{Weights: weights}
		return nil
	}
	return fmt.Errorf("target_price: unsupported yaml node at line %d", node.Line)
}

func (p PriceSpec) MarshalYAML() (any, error) {
	switch {
	case p.IsWeighted():
		return p.Weights, nil
	case p.Source != "":
		return p.Source, nil
	default:
		return p.Literal, nil
	}
}

func (p PriceSpec) validate() error {
	if p.IsZero() {
		return fmt.Errorf("%w: target_price", ErrMissingSetting)
	}
	if p.Source == "" && !p.IsWeighted() && p.Literal <= 0 {
		return errors.New("target_price must be > 0")
	}
	if p.Source != "" {
		if _, ok := CanonicalSource(p.Source); !ok {
			return fmt.Errorf("unknown target_price source %q", p.Source)
		}
	}
	var total float64
	for tag, weight := range p.Weights {
		if _, ok := CanonicalSource(tag); !ok {
			return fmt.Errorf("unknown target_price source %q", tag)
		}
		if weight < 0 {
			return fmt.Errorf("target_price weight for %q must be >= 0", tag)
		}
		total += weight
	}
	if p.IsWeighted() && total <= 0 {
		return errors.New("target_price weights must not all be zero")
	}
	return nil
}

type RampConfig struct {
	PricePercent float64  `yaml:"price_percent"`
	StepPercent  float64  `yaml:"step_percent"`
	Mode         RampMode `yaml:"mode"`
	Multiplier   float64  `yaml:"multiplier"`
}

type FilledOrdersConfig struct {
	MaxAge           time.Duration `yaml:"max_age"`
	MinimumVolume    float64       `yaml:"minimum_volume"`
	TimeWeightFactor float64       `yaml:"time_weight_factor"`
}

// StrategyConfig is the validated, immutable settings bag of one strategy
// instance.
type StrategyConfig struct {
	Name                        string             `yaml:"name"`
	Kind                        Kind               `yaml:"kind"`
	Markets                     []string           `yaml:"markets"`
	TargetPrice                 PriceSpec          `yaml:"target_price"`
	TargetPriceOffsetPercentage float64            `yaml:"target_price_offset_percentage"`
	SpreadPercentage            float64            `yaml:"spread_percentage"`
	AllowedSpreadPercentage     float64            `yaml:"allowed_spread_percentage"`
	VolumePercentage            float64            `yaml:"volume_percentage"`
	SymmetricSides              *bool              `yaml:"symmetric_sides"`
	OnlyBuy                     bool               `yaml:"only_buy"`
	OnlySell                    bool               `yaml:"only_sell"`
	Expiration                  time.Duration      `yaml:"expiration"`
	SkipBlocks                  int                `yaml:"skip_blocks"`
	Ratio                       float64            `yaml:"ratio"`
	BorrowPercentages           map[string]float64 `yaml:"borrow_percentages"`
	MinimumAmounts              map[string]float64 `yaml:"minimum_amounts"`
	MinimumChangePercentage     *float64           `yaml:"minimum_change_percentage"`
	CollateralAsset             string             `yaml:"collateral_asset"`
	Ramp                        RampConfig         `yaml:"ramp"`
	FilledOrders                FilledOrdersConfig `yaml:"filled_orders"`
}

func (s StrategyConfig) SymmetricSidesValue() bool {
	return s.SymmetricSides == nil || *s.SymmetricSides
}

func (s StrategyConfig) MinimumChangeValue() float64 {
	if s.MinimumChangePercentage == nil {
		return 0
	}
	return *s.MinimumChangePercentage
}

// Borrows reports whether the instance manages debt positions.
func (s StrategyConfig) Borrows() bool {
	switch s.Kind {
	case KindAutomaticBorrow, KindCollateralOnly:
		return true
	}
	return len(s.BorrowPercentages) > 0
}

// MarketList parses the configured markets with the given separator.
func (s StrategyConfig) MarketList(separator string) ([]dex.Market, error) {
	out := make([]dex.Market, 0, len(s.Markets))
	seen := make(map[dex.Market]struct{}, len(s.Markets))
	for _, raw := range s.Markets {
		m, err := dex.ParseMarket(raw, separator)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[m]; dup {
			return nil, fmt.Errorf("market %q is listed twice", raw)
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out, nil
}

func applyStrategyDefaults(s *StrategyConfig, separator string) {
	if s.Kind == "" {
		s.Kind = KindWall
	}
	if s.SymmetricSides == nil {
		symmetric := true
		s.SymmetricSides = &symmetric
	}
	if s.Expiration == 0 {
		s.Expiration = 24 * time.Hour
	}
	if s.SkipBlocks == 0 {
		s.SkipBlocks = 20
	}
	if s.CollateralAsset == "" && len(s.Markets) > 0 {
		if m, err := dex.ParseMarket(s.Markets[0], separator); err == nil {
			s.CollateralAsset = m.Base
		}
	}
	if s.Ramp.Mode == "" {
		s.Ramp.Mode = RampLinear
	}
	if s.Ramp.Mode == RampExponential && s.Ramp.Multiplier == 0 {
		s.Ramp.Multiplier = 2
	}
	if s.FilledOrders.MaxAge == 0 {
		s.FilledOrders.MaxAge = 24 * time.Hour
	}
	if s.FilledOrders.TimeWeightFactor == 0 {
		s.FilledOrders.TimeWeightFactor = 1
	}
}

// Validate checks that every setting the instance's kind depends on is present
// and consistent.
func (s StrategyConfig) Validate(separator string) error {
	switch s.Kind {
	case KindWall, KindRamp, KindAutomaticBorrow, KindCollateralOnly:
	default:
		return fmt.Errorf("unknown strategy kind %q", s.Kind)
	}
	if len(s.Markets) == 0 {
		return fmt.Errorf("%w: markets", ErrMissingSetting)
	}
	markets, err := s.MarketList(separator)
	if err != nil {
		return err
	}
	if s.SkipBlocks < 1 {
		return errors.New("skip_blocks must be >= 1")
	}
	if s.Expiration < 0 {
		return errors.New("expiration must be >= 0")
	}
	if s.Kind.PlacesOrders() {
		if err := s.validateOrdering(); err != nil {
			return err
		}
	}
	if s.Borrows() {
		if err := s.validateBorrowing(markets); err != nil {
			return err
		}
	}
	for asset, amount := range s.MinimumAmounts {
		if amount < 0 {
			return fmt.Errorf("minimum_amounts[%s] must be >= 0", asset)
		}
	}
	return nil
}

func (s StrategyConfig) validateOrdering() error {
	if err := s.TargetPrice.validate(); err != nil {
		return err
	}
	if s.SpreadPercentage <= 0 {
		return fmt.Errorf("%w: spread_percentage", ErrMissingSetting)
	}
	if s.AllowedSpreadPercentage <= 0 {
		return fmt.Errorf("%w: allowed_spread_percentage", ErrMissingSetting)
	}
	if s.VolumePercentage <= 0 || s.VolumePercentage > 100 {
		return errors.New("volume_percentage must be in (0, 100]")
	}
	if s.OnlyBuy && s.OnlySell {
		return errors.New("only_buy and only_sell are mutually exclusive")
	}
	for _, tag := range s.TargetPrice.Sources() {
		if canonical, _ := CanonicalSource(tag); canonical == SourceFilledOrders {
			if s.FilledOrders.MaxAge <= 0 || s.FilledOrders.TimeWeightFactor <= 0 || s.FilledOrders.MinimumVolume < 0 {
				return errors.New("filled_orders settings must be positive")
			}
		}
	}
	if s.Kind == KindRamp {
		if s.Ramp.StepPercent <= 0 {
			return fmt.Errorf("%w: ramp.step_percent", ErrMissingSetting)
		}
		if s.Ramp.PricePercent < s.SpreadPercentage/2 {
			return errors.New("ramp.price_percent must be >= spread_percentage/2")
		}
		if n := s.Ramp.Levels(s.SpreadPercentage); n > MaxRampLevels {
			return fmt.Errorf("ramp has %d levels per side; at most %d allowed", n, MaxRampLevels)
		}
		switch s.Ramp.Mode {
		case RampLinear:
		case RampExponential:
			if !(s.Ramp.Multiplier > 1) || math.IsInf(s.Ramp.Multiplier, 0) {
				return errors.New("ramp.multiplier must be > 1")
			}
		default:
			return fmt.Errorf("unknown ramp mode %q", s.Ramp.Mode)
		}
	}
	return nil
}

func (s StrategyConfig) validateBorrowing(markets []dex.Market) error {
	if s.Ratio <= 0 {
		return fmt.Errorf("%w: ratio", ErrMissingSetting)
	}
	if s.MinimumChangePercentage == nil {
		return fmt.Errorf("%w: minimum_change_percentage", ErrMissingSetting)
	}
	if *s.MinimumChangePercentage < 0 {
		return errors.New("minimum_change_percentage must be >= 0")
	}
	if s.CollateralAsset == "" {
		return fmt.Errorf("%w: collateral_asset", ErrMissingSetting)
	}
	if s.Kind == KindCollateralOnly {
		return nil
	}
	if len(s.BorrowPercentages) == 0 {
		return fmt.Errorf("%w: borrow_percentages", ErrMissingSetting)
	}
	var total float64
	for _, m := range markets {
		pct, ok := s.BorrowPercentages[m.Quote]
		if !ok {
			return fmt.Errorf("%w: borrow_percentages[%s]", ErrMissingSetting, m.Quote)
		}
		if pct < 0 {
			return fmt.Errorf("borrow_percentages[%s] must be >= 0", m.Quote)
		}
		if m.Base != s.CollateralAsset {
			return fmt.Errorf("market %s is not backed by collateral asset %s", m, s.CollateralAsset)
		}
		total += pct
	}
	if total > 100 {
		return errors.New("borrow_percentages must not exceed 100 in total")
	}
	return nil
}

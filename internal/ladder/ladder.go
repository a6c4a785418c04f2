package ladder

import (
	"math"
	"time"

	"dex-liquidity-bot/internal/config"
	"dex-liquidity-bot/internal/dex"
)

type Mode string

const (
	ModeWall Mode = "wall"
	ModeRamp Mode = "ramp"
)

// levelEpsilon absorbs float drift when stepping ramp offsets up to the outer
// bound.
const levelEpsilon = 1e-9

// Intent is one order the planner wants resting on the book.
type Intent struct {
	Market     dex.Market
	Side       dex.Side
	Price      float64
	Amount     float64
	Expiration time.Duration
}

// Total is the intent's value in base units.
func (i Intent) Total() float64 {
	return i.Price * i.Amount
}

type Settings struct {
	Mode           Mode
	Markets        []dex.Market
	SpreadPercent  float64
	VolumePercent  float64
	Symmetric      bool
	OnlyBuy        bool
	OnlySell       bool
	Expiration     time.Duration
	MinimumAmounts map[string]float64
	Ramp           config.RampConfig
}

func SettingsFromConfig(cfg config.StrategyConfig, markets []dex.Market) Settings {
	mode := ModeWall
	if cfg.Kind == config.KindRamp {
		mode = ModeRamp
	}
	return Settings{
		Mode:           mode,
		Markets:        markets,
		SpreadPercent:  cfg.SpreadPercentage,
		VolumePercent:  cfg.VolumePercentage,
		Symmetric:      cfg.SymmetricSidesValue(),
		OnlyBuy:        cfg.OnlyBuy,
		OnlySell:       cfg.OnlySell,
		Expiration:     cfg.Expiration,
		MinimumAmounts: cfg.MinimumAmounts,
		Ramp:           cfg.Ramp,
	}
}

// Allotments returns the funds each asset contributes to a single market: the
// configured share of the balance divided by the number of references to the
// asset across the markets.
func Allotments(markets []dex.Market, balances dex.Balances, volumePercent float64) map[string]float64 {
	refs := make(map[string]int)
	for _, m := range markets {
		refs[m.Quote]++
		refs[m.Base]++
	}
	out := make(map[string]float64, len(refs))
	for asset, n := range refs {
		amount := balances.Get(asset)
		if amount <= 0 {
			continue
		}
		out[asset] = amount * volumePercent / 100 / float64(n)
	}
	return out
}

// Plan computes the order intents for one market around price. Sells are
// listed before buys, each side from the level nearest price outwards.
func Plan(market dex.Market, price float64, balances dex.Balances, s Settings) []Intent {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil
	}
	markets := s.Markets
	if len(markets) == 0 {
		markets = []dex.Market{market}
	}
	alloc := Allotments(markets, balances, s.VolumePercent)
	offsets := []float64{s.SpreadPercent / 2}
	if s.Mode == ModeRamp {
		offsets = RampOffsets(s.SpreadPercent, s.Ramp.PricePercent, s.Ramp.StepPercent)
	}
	weights := LevelWeights(len(offsets), s.Ramp.Mode, s.Ramp.Multiplier)

	sells := !s.OnlyBuy
	buys := !s.OnlySell
	quoteAlloc := alloc[market.Quote]
	baseAlloc := alloc[market.Base]
	firstBuy := price * (1 - offsets[0]/100)

	var sellTotal, buyTotal float64
	symmetric := s.Symmetric && sells && buys
	if symmetric {
		total := 0.0
		if firstBuy > 0 {
			total = math.Min(quoteAlloc, baseAlloc/firstBuy)
		}
		sellTotal, buyTotal = total, total
	} else {
		sellTotal = quoteAlloc
	}

	minimum := s.MinimumAmounts[market.Quote]
	var out []Intent
	if sells {
		for i, off := range offsets {
			amount := sellTotal * weights[i]
			out = appendIntent(out, market, dex.SideSell, price*(1+off/100), amount, minimum, s.Expiration)
		}
	}
	if buys {
		for i, off := range offsets {
			buyPrice := price * (1 - off/100)
			if buyPrice <= 0 {
				continue
			}
			amount := buyTotal * weights[i]
			if !symmetric {
				amount = baseAlloc * weights[i] / buyPrice
			}
			out = appendIntent(out, market, dex.SideBuy, buyPrice, amount, minimum, s.Expiration)
		}
	}
	return out
}

func appendIntent(out []Intent, market dex.Market, side dex.Side, price, amount, minimum float64, expiration time.Duration) []Intent {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 || amount < minimum {
		return out
	}
	return append(out, Intent{Market: market, Side: side, Price: price, Amount: amount, Expiration: expiration})
}

// RampOffsets lists the percentage distances from price of each ramp level:
// spread/2, spread/2+step, ... up to and including outer. There is always at
// least one level.
func RampOffsets(spreadPercent, outerPercent, stepPercent float64) []float64 {
	first := spreadPercent / 2
	if stepPercent <= 0 || outerPercent < first {
		return []float64{first}
	}
	var out []float64
	for k := 0; ; k++ {
		off := first + float64(k)*stepPercent
		if off > outerPercent+levelEpsilon {
			break
		}
		out = append(out, off)
	}
	return out
}

// LevelWeights returns n normalised level weights, equal for linear ramps and
// growing by multiplier per level for exponential ones. Exponential weights
// are scaled against the largest level so long ramps cannot overflow.
func LevelWeights(n int, mode config.RampMode, multiplier float64) []float64 {
	if n <= 0 {
		return nil
	}
	raw := make([]float64, n)
	if mode != config.RampExponential {
		for i := range raw {
			raw[i] = 1 / float64(n)
		}
		return raw
	}
	if multiplier <= 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		multiplier = 2
	}
	step := math.Log(multiplier)
	peak := 0.0
	if step > 0 {
		peak = float64(n-1) * step
	}
	var sum float64
	for i := range raw {
		raw[i] = math.Exp(float64(i)*step - peak)
		sum += raw[i]
	}
	for i := range raw {
		raw[i] /= sum
	}
	return raw
}

// Band returns the tolerated distance, in percent of price, between a resting
// order and the reference price. Orders at or inside lower, or at or beyond
// upper, have drifted.
func Band(s Settings, allowedPercent float64) (lower, upper float64) {
	outer := s.SpreadPercent / 2
	if s.Mode == ModeRamp {
		offsets := RampOffsets(s.SpreadPercent, s.Ramp.PricePercent, s.Ramp.StepPercent)
		outer = offsets[len(offsets)-1]
	}
	return allowedPercent / 2, outer + allowedPercent/2
}

// Distance is the order's distance from price in percent.
func Distance(rate, price float64) float64 {
	if price <= 0 {
		return math.Inf(1)
	}
	return math.Abs(rate-price) / price * 100
}

// Drifted reports whether any order sits outside the tolerated band around
// price.
func Drifted(orders []dex.OpenOrder, price, lower, upper float64) bool {
	for _, o := range orders {
		d := Distance(o.Rate, price)
		if d <= lower || d >= upper {
			return true
		}
	}
	return false
}

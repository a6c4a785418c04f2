package ladder

import (
	"math"
	"testing"
	"time"

	"dex-liquidity-bot/internal/config"
	"dex-liquidity-bot/internal/dex"
)

var (
	eurBTS = dex.Market{Quote: "EUR", Base: "BTS"}
	usdBTS = dex.Market{Quote: "USD", Base: "BTS"}
)

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func sideTotals(intents []Intent) (sell, buy float64) {
	for _, in := range intents {
		if in.Side == dex.SideSell {
			sell += in.Amount
		} else {
			buy += in.Amount
		}
	}
	return sell, buy
}

func TestPlanWallScenario(t *testing.T) {
	s := Settings{
		Mode:          ModeWall,
		Markets:       []dex.Market{eurBTS},
		SpreadPercent: 4,
		VolumePercent: 40,
		Symmetric:     false,
		Expiration:    24 * time.Hour,
	}
	balances := dex.Balances{"EUR": 100, "BTS": 5000}
	intents := Plan(eurBTS, 0.01, balances, s)
	if len(intents) != 2 {
		t.Fatalf("expected two intents, got %d", len(intents))
	}
	sell, buy := intents[0], intents[1]
	if sell.Side != dex.SideSell || !approx(sell.Price, 0.0102, 1e-12) || !approx(sell.Amount, 40, 1e-9) {
		t.Fatalf("unexpected sell intent: %+v", sell)
	}
	if buy.Side != dex.SideBuy || !approx(buy.Price, 0.0098, 1e-12) || !approx(buy.Amount, 204081.632653, 1e-5) {
		t.Fatalf("unexpected buy intent: %+v", buy)
	}
	if buy.Total() > 5000*0.4+1e-9 {
		t.Fatalf("buy spends more than the base allotment: %v", buy.Total())
	}
	if sell.Expiration != 24*time.Hour || buy.Expiration != 24*time.Hour {
		t.Fatalf("expected expiration on every intent")
	}
}

func TestPlanWallSymmetric(t *testing.T) {
	s := Settings{
		Mode:          ModeWall,
		Markets:       []dex.Market{eurBTS},
		SpreadPercent: 4,
		VolumePercent: 40,
		Symmetric:     true,
	}
	balances := dex.Balances{"EUR": 100, "BTS": 5000}
	intents := Plan(eurBTS, 0.01, balances, s)
	sell, buy := sideTotals(intents)
	if !approx(sell, buy, 1e-9) || !approx(sell, 40, 1e-9) {
		t.Fatalf("expected symmetric 40/40, got sell=%v buy=%v", sell, buy)
	}
}

func TestPlanSymmetricProperty(t *testing.T) {
	cases := []struct {
		eur, bts, price float64
		mode            Mode
	}{
		{eur: 100, bts: 5000, price: 0.01, mode: ModeWall},
		{eur: 1, bts: 5000, price: 0.01, mode: ModeWall},
		{eur: 1000, bts: 3, price: 250, mode: ModeRamp},
		{eur: 37, bts: 91234, price: 312.5, mode: ModeRamp},
	}
	for _, tc := range cases {
		s := Settings{
			Mode:          tc.mode,
			Markets:       []dex.Market{eurBTS},
			SpreadPercent: 5,
			VolumePercent: 60,
			Symmetric:     true,
			Ramp:          config.RampConfig{PricePercent: 10, StepPercent: 2, Mode: config.RampExponential, Multiplier: 2},
		}
		intents := Plan(eurBTS, tc.price, dex.Balances{"EUR": tc.eur, "BTS": tc.bts}, s)
		sell, buy := sideTotals(intents)
		if !approx(sell, buy, 1e-9*math.Max(sell, 1)) {
			t.Fatalf("asymmetric plan for %+v: sell=%v buy=%v", tc, sell, buy)
		}
		var spent float64
		for _, in := range intents {
			if in.Side == dex.SideBuy {
				spent += in.Total()
			}
		}
		if spent > tc.bts*0.6+1e-9 || sell > tc.eur*0.6+1e-9 {
			t.Fatalf("plan exceeds allotment for %+v", tc)
		}
	}
}

func TestPlanRespectsMinimumAmountPerOrder(t *testing.T) {
	s := Settings{
		Mode:           ModeWall,
		Markets:        []dex.Market{eurBTS},
		SpreadPercent:  4,
		VolumePercent:  40,
		MinimumAmounts: map[string]float64{"EUR": 50},
	}
	intents := Plan(eurBTS, 0.01, dex.Balances{"EUR": 100, "BTS": 5000}, s)
	if len(intents) != 1 || intents[0].Side != dex.SideBuy {
		t.Fatalf("expected only the buy to survive, got %+v", intents)
	}
}

func TestPlanOnlyBuyOnlySell(t *testing.T) {
	balances := dex.Balances{"EUR": 100, "BTS": 5000}
	base := Settings{Mode: ModeWall, Markets: []dex.Market{eurBTS}, SpreadPercent: 4, VolumePercent: 40, Symmetric: true}

	onlyBuy := base
	onlyBuy.OnlyBuy = true
	intents := Plan(eurBTS, 0.01, balances, onlyBuy)
	if len(intents) != 1 || intents[0].Side != dex.SideBuy {
		t.Fatalf("expected a single buy, got %+v", intents)
	}
	// symmetric sizing only applies when both sides are served
	if !approx(intents[0].Amount, 2000/0.0098, 1e-6) {
		t.Fatalf("expected full base allotment, got %v", intents[0].Amount)
	}

	onlySell := base
	onlySell.OnlySell = true
	intents = Plan(eurBTS, 0.01, balances, onlySell)
	if len(intents) != 1 || intents[0].Side != dex.SideSell || !approx(intents[0].Amount, 40, 1e-9) {
		t.Fatalf("expected a single 40 EUR sell, got %+v", intents)
	}
}

func TestAllotmentsSplitSharedAsset(t *testing.T) {
	alloc := Allotments([]dex.Market{eurBTS, usdBTS}, dex.Balances{"EUR": 10, "USD": 20, "BTS": 1000}, 50)
	if !approx(alloc["BTS"], 250, 1e-9) {
		t.Fatalf("expected BTS split across two markets, got %v", alloc["BTS"])
	}
	if !approx(alloc["EUR"], 5, 1e-9) || !approx(alloc["USD"], 10, 1e-9) {
		t.Fatalf("unexpected quote allotments: %v", alloc)
	}
	if _, ok := alloc["CNY"]; ok {
		t.Fatalf("unexpected allotment for unreferenced asset")
	}
}

func TestPlanMissingBalanceSkipsSide(t *testing.T) {
	s := Settings{Mode: ModeWall, Markets: []dex.Market{eurBTS}, SpreadPercent: 4, VolumePercent: 40, Symmetric: true}
	intents := Plan(eurBTS, 0.01, dex.Balances{"BTS": 5000}, s)
	if len(intents) != 0 {
		t.Fatalf("expected no intents when the quote balance is missing, got %+v", intents)
	}
	s.Symmetric = false
	intents = Plan(eurBTS, 0.01, dex.Balances{"BTS": 5000}, s)
	if len(intents) != 1 || intents[0].Side != dex.SideBuy {
		t.Fatalf("expected only the buy side, got %+v", intents)
	}
}

func TestRampOffsets(t *testing.T) {
	got := RampOffsets(4, 8, 2)
	want := []float64{2, 4, 6, 8}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if !approx(got[i], want[i], 1e-12) {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if single := RampOffsets(4, 2, 5); len(single) != 1 || single[0] != 2 {
		t.Fatalf("expected a single level, got %v", single)
	}
	if steps := RampOffsets(0.3, 0.45, 0.1); len(steps) != 4 {
		t.Fatalf("expected inclusive outer level despite float drift, got %v", steps)
	}
}

func TestLevelWeights(t *testing.T) {
	linear := LevelWeights(4, config.RampLinear, 0)
	for _, w := range linear {
		if !approx(w, 0.25, 1e-12) {
			t.Fatalf("expected equal weights, got %v", linear)
		}
	}
	exp := LevelWeights(3, config.RampExponential, 2)
	want := []float64{1.0 / 7, 2.0 / 7, 4.0 / 7}
	for i := range want {
		if !approx(exp[i], want[i], 1e-12) {
			t.Fatalf("expected %v, got %v", want, exp)
		}
	}
}

func TestPlanRampExponential(t *testing.T) {
	s := Settings{
		Mode:          ModeRamp,
		Markets:       []dex.Market{eurBTS},
		SpreadPercent: 4,
		VolumePercent: 100,
		Ramp:          config.RampConfig{PricePercent: 6, StepPercent: 2, Mode: config.RampExponential, Multiplier: 2},
	}
	intents := Plan(eurBTS, 100, dex.Balances{"EUR": 70, "BTS": 7000}, s)
	if len(intents) != 6 {
		t.Fatalf("expected three levels per side, got %d", len(intents))
	}
	wantSell := []struct{ price, amount float64 }{{102, 10}, {104, 20}, {106, 40}}
	for i, w := range wantSell {
		in := intents[i]
		if in.Side != dex.SideSell || !approx(in.Price, w.price, 1e-9) || !approx(in.Amount, w.amount, 1e-9) {
			t.Fatalf("unexpected sell level %d: %+v", i, in)
		}
	}
	var spent float64
	for _, in := range intents[3:] {
		if in.Side != dex.SideBuy {
			t.Fatalf("expected buys after sells, got %+v", in)
		}
		spent += in.Total()
	}
	if !approx(spent, 7000, 1e-6) {
		t.Fatalf("expected the full base allotment on the buy side, got %v", spent)
	}
	if intents[3].Price <= intents[4].Price {
		t.Fatalf("expected buy levels to move away from price")
	}
}

func TestLevelWeightsLongExponentialRamp(t *testing.T) {
	w := LevelWeights(1101, config.RampExponential, 2)
	var sum float64
	for i, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			t.Fatalf("weight %d is %v", i, v)
		}
		sum += v
	}
	if !approx(sum, 1, 1e-9) {
		t.Fatalf("expected weights to sum to 1, got %v", sum)
	}
	if !approx(w[1100], 0.5, 1e-9) || !approx(w[1099], 0.25, 1e-9) {
		t.Fatalf("expected the outer levels to halve inwards, got %v %v", w[1100], w[1099])
	}
}

func TestPlanRampDegenerateInputs(t *testing.T) {
	cases := []struct {
		name string
		ramp config.RampConfig
	}{
		{"exponential 1101 levels", config.RampConfig{PricePercent: 12, StepPercent: 0.01, Mode: config.RampExponential, Multiplier: 2}},
		{"linear 1101 levels", config.RampConfig{PricePercent: 12, StepPercent: 0.01, Mode: config.RampLinear}},
		{"steep multiplier", config.RampConfig{PricePercent: 12, StepPercent: 0.1, Mode: config.RampExponential, Multiplier: 1e6}},
		{"infinite multiplier", config.RampConfig{PricePercent: 12, StepPercent: 0.1, Mode: config.RampExponential, Multiplier: math.Inf(1)}},
		{"nan multiplier", config.RampConfig{PricePercent: 12, StepPercent: 0.1, Mode: config.RampExponential, Multiplier: math.NaN()}},
		{"shrinking multiplier", config.RampConfig{PricePercent: 12, StepPercent: 0.01, Mode: config.RampExponential, Multiplier: 0.5}},
		{"step far below range", config.RampConfig{PricePercent: 50, StepPercent: 0.005, Mode: config.RampLinear}},
	}
	balances := dex.Balances{"EUR": 70, "BTS": 7000}
	for _, tc := range cases {
		s := Settings{
			Mode:          ModeRamp,
			Markets:       []dex.Market{eurBTS},
			SpreadPercent: 2,
			VolumePercent: 100,
			Ramp:          tc.ramp,
		}
		intents := Plan(eurBTS, 100, balances, s)
		if len(intents) == 0 {
			t.Fatalf("%s: expected intents", tc.name)
		}
		var sold, spent float64
		for _, in := range intents {
			if math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) || in.Amount <= 0 {
				t.Fatalf("%s: non-finite or empty amount in %+v", tc.name, in)
			}
			if in.Side == dex.SideSell {
				sold += in.Amount
			} else {
				spent += in.Total()
			}
		}
		if sold > 70*(1+1e-9) {
			t.Fatalf("%s: sells %v exceed the quote allotment", tc.name, sold)
		}
		if spent > 7000*(1+1e-9) {
			t.Fatalf("%s: buys %v exceed the base allotment", tc.name, spent)
		}
	}
}

func TestBandAndDrift(t *testing.T) {
	wall := Settings{Mode: ModeWall, SpreadPercent: 5}
	lower, upper := Band(wall, 2)
	if lower != 1 || upper != 3.5 {
		t.Fatalf("unexpected wall band [%v, %v]", lower, upper)
	}
	orders := []dex.OpenOrder{{Rate: 102.5}, {Rate: 97.5}}
	if Drifted(orders, 100, lower, upper) {
		t.Fatalf("orders at the spread should not have drifted")
	}
	if !Drifted(orders, 101.6, lower, upper) {
		t.Fatalf("expected drift when price moves toward an order")
	}
	if !Drifted([]dex.OpenOrder{{Rate: 103.5}}, 100, lower, upper) {
		t.Fatalf("expected drift at the inclusive outer bound")
	}

	ramp := Settings{Mode: ModeRamp, SpreadPercent: 4, Ramp: config.RampConfig{PricePercent: 8, StepPercent: 2}}
	lower, upper = Band(ramp, 1)
	if lower != 0.5 || upper != 8.5 {
		t.Fatalf("unexpected ramp band [%v, %v]", lower, upper)
	}
}

package collateral

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"dex-liquidity-bot/internal/dex"
	"dex-liquidity-bot/internal/pricing"
)

var ErrInconsistentPositions = errors.New("inconsistent debt positions")

type ActionKind string

const (
	ActionBorrow ActionKind = "borrow"
	ActionAdjust ActionKind = "adjust"
)

// Action is one debt operation. For borrows Amount is the amount to borrow,
// for adjustments it is the signed change in debt. ChangePercent is zero when
// there was no debt to measure the change against.
type Action struct {
	Kind          ActionKind
	Symbol        string
	Amount        float64
	Ratio         float64
	Current       float64
	Target        float64
	ChangePercent float64
}

type Input struct {
	Markets              []dex.Market
	CollateralAsset      string
	BorrowPercentages    map[string]float64
	Ratio                float64
	MinimumChangePercent float64
	Positions            map[string]dex.DebtPosition
	Balances             dex.Balances
	OpenOrders           map[dex.Market][]dex.OpenOrder
	Tickers              map[dex.Market]dex.Ticker
}

// TotalCollateral sums the collateral asset posted in positions, held free in
// the balance and locked in resting buy orders.
func TotalCollateral(in Input) float64 {
	var total float64
	for _, p := range in.Positions {
		if p.CollateralAsset == in.CollateralAsset {
			total += p.Collateral
		}
	}
	total += in.Balances.Get(in.CollateralAsset)
	for market, orders := range in.OpenOrders {
		if market.Base != in.CollateralAsset {
			continue
		}
		for _, o := range orders {
			if o.Side == dex.SideBuy {
				total += o.Total
			}
		}
	}
	return total
}

// Targets computes the debt each borrowable asset should carry. Assets with
// no borrow percentage, or a zero one, are not borrowed.
func Targets(in Input) (map[string]float64, error) {
	total := TotalCollateral(in)
	out := make(map[string]float64, len(in.Markets))
	for _, m := range in.Markets {
		pct := in.BorrowPercentages[m.Quote]
		if pct <= 0 {
			continue
		}
		price := in.Tickers[m].SettlementPrice
		if price <= 0 {
			return nil, fmt.Errorf("%w for %s", pricing.ErrNoSettlementPrice, m)
		}
		out[m.Quote] = total * pct / 100 / price
	}
	return out, nil
}

// Rebalance opens the initial positions when none exist and otherwise adjusts
// each position whose target moved by at least the minimum change. Positions
// that do not match the borrowable asset set are left alone.
func Rebalance(in Input) ([]Action, error) {
	targets, err := Targets(in)
	if err != nil {
		return nil, err
	}
	symbols := sortedKeys(targets)
	if len(in.Positions) == 0 {
		var out []Action
		for _, sym := range symbols {
			target := targets[sym]
			if target <= 0 {
				continue
			}
			out = append(out, Action{Kind: ActionBorrow, Symbol: sym, Amount: target, Ratio: in.Ratio, Target: target})
		}
		return out, nil
	}
	if !sameAssets(in.Positions, targets) {
		return nil, fmt.Errorf("%w: have %d positions for %d borrowable assets", ErrInconsistentPositions, len(in.Positions), len(targets))
	}
	var out []Action
	for _, sym := range symbols {
		target := targets[sym]
		current := in.Positions[sym].Debt
		if current <= 0 {
			if target > 0 {
				out = append(out, Action{Kind: ActionAdjust, Symbol: sym, Amount: target, Ratio: in.Ratio, Target: target})
			}
			continue
		}
		change := math.Abs(target/current-1) * 100
		if change >= in.MinimumChangePercent {
			out = append(out, Action{
				Kind:          ActionAdjust,
				Symbol:        sym,
				Amount:        target - current,
				Ratio:         in.Ratio,
				Current:       current,
				Target:        target,
				ChangePercent: change,
			})
		}
	}
	return out, nil
}

// MaintainRatio re-collateralises existing positions whose collateral ratio
// strayed from the target by at least the minimum change. Debt is unchanged.
func MaintainRatio(in Input) ([]Action, error) {
	var out []Action
	var errs []error
	for _, m := range in.Markets {
		pos, ok := in.Positions[m.Quote]
		if !ok || pos.Debt <= 0 {
			continue
		}
		price := in.Tickers[m].SettlementPrice
		if price <= 0 {
			errs = append(errs, fmt.Errorf("%w for %s", pricing.ErrNoSettlementPrice, m))
			continue
		}
		current := pos.Collateral / (pos.Debt * price)
		change := math.Abs(current/in.Ratio-1) * 100
		if change >= in.MinimumChangePercent {
			out = append(out, Action{
				Kind:          ActionAdjust,
				Symbol:        m.Quote,
				Ratio:         in.Ratio,
				Current:       current,
				Target:        in.Ratio,
				ChangePercent: change,
			})
		}
	}
	return out, errors.Join(errs...)
}

func sameAssets(positions map[string]dex.DebtPosition, targets map[string]float64) bool {
	if len(positions) != len(targets) {
		return false
	}
	for sym := range targets {
		if _, ok := positions[sym]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package app

import (
	"dex-liquidity-bot/internal/strategy"
	"dex-liquidity-bot/internal/timescale"
)

type rowSink interface {
	EnqueuePlan(row timescale.PlanRow)
	EnqueueBalance(row timescale.BalanceRow)
}

// timescaleReporter turns controller reports into Timescale rows.
type timescaleReporter struct {
	sink rowSink
}

func (r timescaleReporter) RecordPlan(report strategy.PlanReport) {
	r.sink.EnqueuePlan(timescale.PlanRow{
		Time:       report.At.UTC(),
		TickID:     report.TickID,
		Strategy:   report.Strategy,
		Market:     report.Market,
		Reason:     report.Reason,
		Price:      report.Price,
		SellPrice:  report.SellPrice,
		SellAmount: report.SellAmount,
		BuyPrice:   report.BuyPrice,
		BuyAmount:  report.BuyAmount,
		Orders:     report.Orders,
		SafeMode:   report.SafeMode,
	})
}

func (r timescaleReporter) RecordBalances(report strategy.BalanceReport) {
	for _, row := range timescale.BalanceRows(report.At.UTC(), report.TickID, report.Strategy, report.Balances) {
		r.sink.EnqueueBalance(row)
	}
}

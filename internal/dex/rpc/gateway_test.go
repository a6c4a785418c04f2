package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"dex-liquidity-bot/internal/dex"
)

var eurBTS = dex.Market{Quote: "EUR", Base: "BTS"}

type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]func(params []any) (any, error)
	calls    map[string][]string
}

func (f *fakeCaller) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string][]string)
	}
	f.calls[method] = append(f.calls[method], fmt.Sprintf("%v", params))
	h, ok := f.handlers[method]
	f.mu.Unlock()
	if !ok {
		return nil, &Error{Code: -32601, Message: "method not found: " + method}
	}
	out, err := h(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (f *fakeCaller) called(method string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

var testAssets = map[string]map[string]any{
	"BTS": {"id": "1.3.0", "symbol": "BTS", "precision": 5},
	"EUR": {"id": "1.3.120", "symbol": "EUR", "precision": 4, "bitasset_data_id": "2.4.20"},
}

func newFakeCaller() *fakeCaller {
	lookup := func(key string) (any, error) {
		for _, a := range testAssets {
			if a["id"] == key || a["symbol"] == key {
				return a, nil
			}
		}
		return nil, nil
	}
	return &fakeCaller{handlers: map[string]func([]any) (any, error){
		"get_asset": func(p []any) (any, error) { return lookup(p[0].(string)) },
		"get_bitasset_data": func(p []any) (any, error) {
			return map[string]any{
				"current_feed": map[string]any{"settlement_price": map[string]any{
					"base":  map[string]any{"amount": 10000, "asset_id": "1.3.120"},
					"quote": map[string]any{"amount": "10000000", "asset_id": "1.3.0"},
				}},
				"options": map[string]any{"short_backing_asset": "1.3.0"},
			}, nil
		},
		"get_full_accounts": func(p []any) (any, error) {
			return []any{[]any{"bot", map[string]any{
				"account": map[string]any{"id": "1.2.99", "name": "bot"},
				"balances": []any{
					map[string]any{"asset_type": "1.3.0", "balance": 500000000},
					map[string]any{"asset_type": "1.3.120", "balance": "1000000"},
				},
				"limit_orders": []any{
					map[string]any{
						"id": "1.7.1", "seller": "1.2.99", "for_sale": 400000, "expiration": "2030-01-01T00:00:00",
						"sell_price": map[string]any{
							"base":  map[string]any{"amount": 400000, "asset_id": "1.3.120"},
							"quote": map[string]any{"amount": 408000000, "asset_id": "1.3.0"},
						},
					},
					map[string]any{
						"id": "1.7.2", "seller": "1.2.99", "for_sale": 392000000, "expiration": "2030-01-01T00:00:00",
						"sell_price": map[string]any{
							"base":  map[string]any{"amount": 392000000, "asset_id": "1.3.0"},
							"quote": map[string]any{"amount": 400000, "asset_id": "1.3.120"},
						},
					},
				},
				"call_orders": []any{
					map[string]any{
						"id": "1.8.5", "borrower": "1.2.99", "collateral": 1000000000, "debt": 200000,
						"call_price": map[string]any{
							"base":  map[string]any{"amount": 1, "asset_id": "1.3.0"},
							"quote": map[string]any{"amount": 1, "asset_id": "1.3.120"},
						},
					},
				},
			}}}, nil
		},
		"get_ticker": func(p []any) (any, error) {
			return map[string]any{"latest": "101.5", "lowest_ask": "102", "highest_bid": "101"}, nil
		},
		"get_trade_history": func(p []any) (any, error) {
			return []any{
				map[string]any{"date": "2024-01-01T00:00:00", "price": "99", "amount": "3"},
				map[string]any{"date": "2024-01-01T00:01:00", "price": "101", "amount": "1.5"},
			}, nil
		},
		"sell_asset": func(p []any) (any, error) {
			return map[string]any{"operation_results": []any{[]any{1, "1.7.9"}}}, nil
		},
		"cancel_order": func(p []any) (any, error) { return map[string]any{}, nil },
		"borrow_asset": func(p []any) (any, error) { return map[string]any{}, nil },
	}}
}

func newTestGateway(f *fakeCaller) *Gateway {
	now := time.Date(2024, 1, 1, 0, 1, 40, 0, time.UTC)
	return NewGateway(f, Options{Account: "bot", Markets: []dex.Market{eurBTS}, Now: func() time.Time { return now }})
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestGatewayBalances(t *testing.T) {
	g := newTestGateway(newFakeCaller())
	balances, err := g.Balances(context.Background())
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if !approx(balances["BTS"], 5000) || !approx(balances["EUR"], 100) {
		t.Fatalf("unexpected balances %v", balances)
	}
}

func TestGatewayOpenOrders(t *testing.T) {
	g := newTestGateway(newFakeCaller())
	orders, err := g.OpenOrders(context.Background())
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	list := orders[eurBTS]
	if len(list) != 2 {
		t.Fatalf("expected two orders, got %+v", orders)
	}
	sell, buy := list[0], list[1]
	if sell.Side != dex.SideSell || !approx(sell.Rate, 102) || !approx(sell.Amount, 40) || !approx(sell.Total, 4080) {
		t.Fatalf("unexpected sell %+v", sell)
	}
	if buy.Side != dex.SideBuy || !approx(buy.Rate, 98) || !approx(buy.Amount, 40) || !approx(buy.Total, 3920) {
		t.Fatalf("unexpected buy %+v", buy)
	}
	if buy.Expiration.Year() != 2030 {
		t.Fatalf("expected parsed expiration, got %v", buy.Expiration)
	}
	ids, err := g.OpenOrderIDs(context.Background())
	if err != nil {
		t.Fatalf("open order ids: %v", err)
	}
	if !ids[eurBTS].Has("1.7.1") || !ids[eurBTS].Has("1.7.2") {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestGatewayDebtPositions(t *testing.T) {
	g := newTestGateway(newFakeCaller())
	positions, err := g.DebtPositions(context.Background())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	p := positions["EUR"]
	if p.CollateralAsset != "BTS" || !approx(p.Collateral, 10000) || !approx(p.Debt, 20) {
		t.Fatalf("unexpected position %+v", p)
	}
}

func TestGatewayTickerIncludesSettlementPrice(t *testing.T) {
	g := newTestGateway(newFakeCaller())
	tickers, err := g.Ticker(context.Background())
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	tk := tickers[eurBTS]
	if !approx(tk.SettlementPrice, 100) || !approx(tk.Last, 101.5) || !approx(tk.HighestBid, 101) || !approx(tk.LowestAsk, 102) {
		t.Fatalf("unexpected ticker %+v", tk)
	}
}

func TestGatewayAssetMetadata(t *testing.T) {
	f := newFakeCaller()
	g := newTestGateway(f)
	eur, err := g.AssetMetadata(context.Background(), "EUR")
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	if !eur.IsBitasset || eur.BackingAssetID != "1.3.0" || eur.Precision != 4 {
		t.Fatalf("unexpected metadata %+v", eur)
	}
	bts, err := g.AssetMetadata(context.Background(), "BTS")
	if err != nil || bts.IsBitasset || bts.ID != "1.3.0" {
		t.Fatalf("unexpected metadata %+v (%v)", bts, err)
	}
	if _, err := g.AssetMetadata(context.Background(), "EUR"); err != nil {
		t.Fatalf("asset: %v", err)
	}
	if n := len(f.called("get_asset")); n != 2 {
		t.Fatalf("expected asset lookups to be cached, got %d calls", n)
	}
}

func TestGatewayPlaceOrder(t *testing.T) {
	f := newFakeCaller()
	g := newTestGateway(f)
	ctx := context.Background()
	id, err := g.PlaceOrder(ctx, eurBTS, dex.SideSell, 102, 40, 24*time.Hour)
	if err != nil || id != "1.7.9" {
		t.Fatalf("place sell: %q %v", id, err)
	}
	if _, err := g.PlaceOrder(ctx, eurBTS, dex.SideBuy, 98, 40, time.Hour); err != nil {
		t.Fatalf("place buy: %v", err)
	}
	calls := f.called("sell_asset")
	if calls[0] != "[bot 40 EUR 4080 BTS 86400 false true]" {
		t.Fatalf("unexpected sell params %s", calls[0])
	}
	if calls[1] != "[bot 3920 BTS 40 EUR 3600 false true]" {
		t.Fatalf("unexpected buy params %s", calls[1])
	}
}

func TestGatewayRejectsDust(t *testing.T) {
	f := newFakeCaller()
	g := newTestGateway(f)
	_, err := g.PlaceOrder(context.Background(), eurBTS, dex.SideSell, 102, 0.00001, time.Hour)
	if !errors.Is(err, dex.ErrAmountTooSmall) {
		t.Fatalf("expected amount too small, got %v", err)
	}
	if len(f.called("sell_asset")) != 0 {
		t.Fatalf("dust must not reach the wallet")
	}

	f.handlers["sell_asset"] = func([]any) (any, error) {
		return nil, &Error{Code: 1, Message: "Assert Exception: min_to_receive.amount > 0"}
	}
	_, err = g.PlaceOrder(context.Background(), eurBTS, dex.SideSell, 102, 1, time.Hour)
	if !errors.Is(err, dex.ErrAmountTooSmall) {
		t.Fatalf("expected ledger dust rejection to map, got %v", err)
	}
}

func TestGatewayBorrowAndAdjust(t *testing.T) {
	f := newFakeCaller()
	g := newTestGateway(f)
	ctx := context.Background()
	if err := g.Borrow(ctx, 10, "EUR", 2); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := g.AdjustDebt(ctx, 5, "EUR", 2); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	calls := f.called("borrow_asset")
	if calls[0] != "[bot 10 EUR 2000 true]" {
		t.Fatalf("unexpected borrow params %s", calls[0])
	}
	if calls[1] != "[bot 5 EUR -5000 true]" {
		t.Fatalf("unexpected adjust params %s", calls[1])
	}
	if err := g.CancelOrder(ctx, "1.7.1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.called("cancel_order"); got[0] != "[1.7.1 true]" {
		t.Fatalf("unexpected cancel params %v", got)
	}
}

func TestGatewayFilledOrderHistory(t *testing.T) {
	f := newFakeCaller()
	g := newTestGateway(f)
	samples, err := g.FilledOrderHistory(context.Background(), eurBTS, time.Hour)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(samples) != 2 || !approx(samples[0].SecondsAgo, 100) || !approx(samples[1].SecondsAgo, 40) {
		t.Fatalf("unexpected samples %+v", samples)
	}
	if samples[0].Price != 99 || samples[0].Volume != 3 {
		t.Fatalf("unexpected sample %+v", samples[0])
	}
	if got := f.called("get_trade_history")[0]; got != "[BTS EUR 2024-01-01T00:01:40 2023-12-31T23:01:40 100]" {
		t.Fatalf("unexpected history params %s", got)
	}
}

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dex-liquidity-bot/internal/dex"

	"github.com/shopspring/decimal"
)

const (
	walletTimeLayout  = "2006-01-02T15:04:05"
	tradeHistoryLimit = 100
)

// Caller is the request side of Client.
type Caller interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

type assetAmount struct {
	Amount  decimal.Decimal `json:"amount"`
	AssetID string          `json:"asset_id"`
}

type priceObject struct {
	Base  assetAmount `json:"base"`
	Quote assetAmount `json:"quote"`
}

type assetObject struct {
	ID             string `json:"id"`
	Symbol         string `json:"symbol"`
	Precision      int    `json:"precision"`
	BitassetDataID string `json:"bitasset_data_id"`
}

type bitassetData struct {
	CurrentFeed struct {
		SettlementPrice priceObject `json:"settlement_price"`
	} `json:"current_feed"`
	Options struct {
		ShortBackingAsset string `json:"short_backing_asset"`
	} `json:"options"`
}

type limitOrderObject struct {
	ID         string          `json:"id"`
	Expiration string          `json:"expiration"`
	Seller     string          `json:"seller"`
	ForSale    decimal.Decimal `json:"for_sale"`
	SellPrice  priceObject     `json:"sell_price"`
}

type callOrderObject struct {
	ID         string          `json:"id"`
	Borrower   string          `json:"borrower"`
	Collateral decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal `json:"debt"`
	CallPrice  priceObject     `json:"call_price"`
}

type balanceObject struct {
	AssetType string          `json:"asset_type"`
	Balance   decimal.Decimal `json:"balance"`
}

type fullAccount struct {
	Account struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"account"`
	Balances    []balanceObject    `json:"balances"`
	LimitOrders []limitOrderObject `json:"limit_orders"`
	CallOrders  []callOrderObject  `json:"call_orders"`
}

type tickerObject struct {
	Latest     decimal.Decimal `json:"latest"`
	LowestAsk  decimal.Decimal `json:"lowest_ask"`
	HighestBid decimal.Decimal `json:"highest_bid"`
}

type tradeObject struct {
	Date   string          `json:"date"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

type Options struct {
	Account string
	// Markets are the pairs whose orders and tickers the gateway reports.
	Markets []dex.Market
	Now     func() time.Time
}

// Gateway implements dex.Gateway on top of a Graphene wallet's JSON-RPC API.
// Amounts cross the wire as integers scaled by the asset's precision.
type Gateway struct {
	rpc     Caller
	account string
	markets []dex.Market
	now     func() time.Time

	mu     sync.Mutex
	assets map[string]assetObject
}

func NewGateway(rpc Caller, opts Options) *Gateway {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		rpc:     rpc,
		account: opts.Account,
		markets: append([]dex.Market(nil), opts.Markets...),
		now:     now,
		assets:  make(map[string]assetObject),
	}
}

func (g *Gateway) call(ctx context.Context, out any, method string, params ...any) error {
	raw, err := g.rpc.Call(ctx, method, params...)
	if err != nil {
		return mapError(err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

// asset resolves a symbol or object id, caching both keys.
func (g *Gateway) asset(ctx context.Context, key string) (assetObject, error) {
	g.mu.Lock()
	a, ok := g.assets[key]
	g.mu.Unlock()
	if ok {
		return a, nil
	}
	var obj *assetObject
	if err := g.call(ctx, &obj, "get_asset", key); err != nil {
		return assetObject{}, err
	}
	if obj == nil || obj.ID == "" {
		return assetObject{}, fmt.Errorf("unknown asset %q", key)
	}
	g.mu.Lock()
	g.assets[obj.ID] = *obj
	g.assets[obj.Symbol] = *obj
	g.mu.Unlock()
	return *obj, nil
}

func (g *Gateway) fullAccount(ctx context.Context) (fullAccount, error) {
	var raw [][]json.RawMessage
	if err := g.call(ctx, &raw, "get_full_accounts", []string{g.account}, false); err != nil {
		return fullAccount{}, err
	}
	if len(raw) == 0 || len(raw[0]) < 2 {
		return fullAccount{}, fmt.Errorf("account %q not found", g.account)
	}
	var acc fullAccount
	if err := json.Unmarshal(raw[0][1], &acc); err != nil {
		return fullAccount{}, fmt.Errorf("decode account %q: %w", g.account, err)
	}
	return acc, nil
}

func (g *Gateway) Balances(ctx context.Context) (dex.Balances, error) {
	acc, err := g.fullAccount(ctx)
	if err != nil {
		return nil, err
	}
	out := make(dex.Balances, len(acc.Balances))
	for _, b := range acc.Balances {
		a, err := g.asset(ctx, b.AssetType)
		if err != nil {
			return nil, err
		}
		out[a.Symbol] = fromSatoshi(b.Balance, a.Precision)
	}
	return out, nil
}

func (g *Gateway) OpenOrders(ctx context.Context) (map[dex.Market][]dex.OpenOrder, error) {
	acc, err := g.fullAccount(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[dex.Market][]dex.OpenOrder)
	for _, lo := range acc.LimitOrders {
		order, ok, err := g.openOrder(ctx, lo)
		if err != nil {
			return nil, err
		}
		if ok {
			out[order.Market] = append(out[order.Market], order)
		}
	}
	return out, nil
}

func (g *Gateway) openOrder(ctx context.Context, lo limitOrderObject) (dex.OpenOrder, bool, error) {
	sell, err := g.asset(ctx, lo.SellPrice.Base.AssetID)
	if err != nil {
		return dex.OpenOrder{}, false, err
	}
	receive, err := g.asset(ctx, lo.SellPrice.Quote.AssetID)
	if err != nil {
		return dex.OpenOrder{}, false, err
	}
	sellAmount := fromSatoshi(lo.SellPrice.Base.Amount, sell.Precision)
	receiveAmount := fromSatoshi(lo.SellPrice.Quote.Amount, receive.Precision)
	forSale := fromSatoshi(lo.ForSale, sell.Precision)
	if sellAmount <= 0 || receiveAmount <= 0 {
		return dex.OpenOrder{}, false, nil
	}
	expiration, _ := time.Parse(walletTimeLayout, lo.Expiration)
	for _, m := range g.markets {
		switch {
		case m.Quote == sell.Symbol && m.Base == receive.Symbol:
			rate := receiveAmount / sellAmount
			return dex.OpenOrder{ID: lo.ID, Market: m, Side: dex.SideSell, Rate: rate, Amount: forSale, Total: forSale * rate, Expiration: expiration}, true, nil
		case m.Base == sell.Symbol && m.Quote == receive.Symbol:
			rate := sellAmount / receiveAmount
			return dex.OpenOrder{ID: lo.ID, Market: m, Side: dex.SideBuy, Rate: rate, Amount: forSale / rate, Total: forSale, Expiration: expiration}, true, nil
		}
	}
	return dex.OpenOrder{}, false, nil
}

func (g *Gateway) OpenOrderIDs(ctx context.Context) (map[dex.Market]dex.OrderIDSet, error) {
	orders, err := g.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	ids := dex.OrderIDsFromOrders(orders)
	for _, m := range g.markets {
		if _, ok := ids[m]; !ok {
			ids[m] = dex.OrderIDSet{}
		}
	}
	return ids, nil
}

func (g *Gateway) Ticker(ctx context.Context) (map[dex.Market]dex.Ticker, error) {
	out := make(map[dex.Market]dex.Ticker, len(g.markets))
	for _, m := range g.markets {
		var t tickerObject
		if err := g.call(ctx, &t, "get_ticker", m.Base, m.Quote); err != nil {
			return nil, err
		}
		settlement, err := g.settlementPrice(ctx, m)
		if err != nil {
			return nil, err
		}
		out[m] = dex.Ticker{
			SettlementPrice: settlement,
			Last:            t.Latest.InexactFloat64(),
			HighestBid:      t.HighestBid.InexactFloat64(),
			LowestAsk:       t.LowestAsk.InexactFloat64(),
		}
	}
	return out, nil
}

// settlementPrice is the feed price of the market's quote in base units, or 0
// when the quote is not a bitasset backed by the base.
func (g *Gateway) settlementPrice(ctx context.Context, m dex.Market) (float64, error) {
	quote, err := g.asset(ctx, m.Quote)
	if err != nil {
		return 0, err
	}
	if quote.BitassetDataID == "" {
		return 0, nil
	}
	base, err := g.asset(ctx, m.Base)
	if err != nil {
		return 0, err
	}
	var data bitassetData
	if err := g.call(ctx, &data, "get_bitasset_data", m.Quote); err != nil {
		return 0, err
	}
	if data.Options.ShortBackingAsset != base.ID {
		return 0, nil
	}
	return g.priceIn(data.CurrentFeed.SettlementPrice, quote, base), nil
}

// priceIn expresses p as units of the of asset per one unit of in.
func (g *Gateway) priceIn(p priceObject, in, of assetObject) float64 {
	var inAmount, ofAmount decimal.Decimal
	switch {
	case p.Base.AssetID == in.ID && p.Quote.AssetID == of.ID:
		inAmount, ofAmount = p.Base.Amount, p.Quote.Amount
	case p.Quote.AssetID == in.ID && p.Base.AssetID == of.ID:
		inAmount, ofAmount = p.Quote.Amount, p.Base.Amount
	default:
		return 0
	}
	if !inAmount.IsPositive() || !ofAmount.IsPositive() {
		return 0
	}
	return fromSatoshi(ofAmount, of.Precision) / fromSatoshi(inAmount, in.Precision)
}

func (g *Gateway) DebtPositions(ctx context.Context) (map[string]dex.DebtPosition, error) {
	acc, err := g.fullAccount(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]dex.DebtPosition, len(acc.CallOrders))
	for _, co := range acc.CallOrders {
		collateral, err := g.asset(ctx, co.CallPrice.Base.AssetID)
		if err != nil {
			return nil, err
		}
		debt, err := g.asset(ctx, co.CallPrice.Quote.AssetID)
		if err != nil {
			return nil, err
		}
		out[debt.Symbol] = dex.DebtPosition{
			Symbol:          debt.Symbol,
			CollateralAsset: collateral.Symbol,
			Collateral:      fromSatoshi(co.Collateral, collateral.Precision),
			Debt:            fromSatoshi(co.Debt, debt.Precision),
		}
	}
	return out, nil
}

func (g *Gateway) FilledOrderHistory(ctx context.Context, market dex.Market, maxAge time.Duration) ([]dex.FilledOrderSample, error) {
	now := g.now().UTC()
	var trades []tradeObject
	if err := g.call(ctx, &trades, "get_trade_history", market.Base, market.Quote,
		now.Format(walletTimeLayout), now.Add(-maxAge).Format(walletTimeLayout), tradeHistoryLimit); err != nil {
		return nil, err
	}
	out := make([]dex.FilledOrderSample, 0, len(trades))
	for _, t := range trades {
		at, err := time.Parse(walletTimeLayout, t.Date)
		if err != nil {
			return nil, fmt.Errorf("trade date %q: %w", t.Date, err)
		}
		out = append(out, dex.FilledOrderSample{
			Price:      t.Price.InexactFloat64(),
			SecondsAgo: now.Sub(at).Seconds(),
			Volume:     t.Amount.InexactFloat64(),
		})
	}
	return out, nil
}

func (g *Gateway) AssetMetadata(ctx context.Context, symbol string) (dex.AssetMetadata, error) {
	a, err := g.asset(ctx, symbol)
	if err != nil {
		return dex.AssetMetadata{}, err
	}
	meta := dex.AssetMetadata{Symbol: a.Symbol, ID: a.ID, Precision: a.Precision}
	if a.BitassetDataID == "" {
		return meta, nil
	}
	var data bitassetData
	if err := g.call(ctx, &data, "get_bitasset_data", a.Symbol); err != nil {
		return dex.AssetMetadata{}, err
	}
	meta.IsBitasset = true
	meta.BackingAssetID = data.Options.ShortBackingAsset
	return meta, nil
}

// PlaceOrder sells amount of the quote (sell side) or buys amount of the quote
// with amount*price of the base (buy side).
func (g *Gateway) PlaceOrder(ctx context.Context, market dex.Market, side dex.Side, price, amount float64, expiration time.Duration) (string, error) {
	quote, err := g.asset(ctx, market.Quote)
	if err != nil {
		return "", err
	}
	base, err := g.asset(ctx, market.Base)
	if err != nil {
		return "", err
	}
	sellAsset, receiveAsset := quote, base
	sellAmount, receiveAmount := amount, amount*price
	if side == dex.SideBuy {
		sellAsset, receiveAsset = base, quote
		sellAmount, receiveAmount = amount*price, amount
	}
	sellStr, err := formatAmount(sellAmount, sellAsset.Precision)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", side, sellAsset.Symbol, err)
	}
	receiveStr, err := formatAmount(receiveAmount, receiveAsset.Precision)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", side, receiveAsset.Symbol, err)
	}
	var trx signedTransaction
	if err := g.call(ctx, &trx, "sell_asset", g.account, sellStr, sellAsset.Symbol, receiveStr, receiveAsset.Symbol,
		uint32(expiration/time.Second), false, true); err != nil {
		return "", err
	}
	id, ok := trx.objectID("1.7.")
	if !ok {
		return "", errors.New("sell_asset: no order id in transaction result")
	}
	return id, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	return g.call(ctx, nil, "cancel_order", orderID, true)
}

// Borrow opens a debt position of amount symbol collateralised at ratio.
func (g *Gateway) Borrow(ctx context.Context, amount float64, symbol string, ratio float64) error {
	debt, collateral, price, err := g.debtAssets(ctx, symbol)
	if err != nil {
		return err
	}
	amountStr, err := formatAmount(amount, debt.Precision)
	if err != nil {
		return fmt.Errorf("borrow %s: %w", symbol, err)
	}
	collateralStr, err := formatAmount(amount*price*ratio, collateral.Precision)
	if err != nil {
		return fmt.Errorf("borrow %s collateral: %w", symbol, err)
	}
	return g.call(ctx, nil, "borrow_asset", g.account, amountStr, debt.Symbol, collateralStr, true)
}

// AdjustDebt changes the debt of symbol by delta and moves the collateral so
// the position ends up at ratio.
func (g *Gateway) AdjustDebt(ctx context.Context, delta float64, symbol string, ratio float64) error {
	debt, collateral, price, err := g.debtAssets(ctx, symbol)
	if err != nil {
		return err
	}
	positions, err := g.DebtPositions(ctx)
	if err != nil {
		return err
	}
	current := positions[symbol]
	newDebt := current.Debt + delta
	collateralDelta := newDebt*price*ratio - current.Collateral
	debtStr := formatDelta(delta, debt.Precision)
	collateralStr := formatDelta(collateralDelta, collateral.Precision)
	if debtStr == "0" && collateralStr == "0" {
		return fmt.Errorf("adjust %s: %w", symbol, dex.ErrAmountTooSmall)
	}
	return g.call(ctx, nil, "borrow_asset", g.account, debtStr, debt.Symbol, collateralStr, true)
}

func (g *Gateway) debtAssets(ctx context.Context, symbol string) (debt, collateral assetObject, price float64, err error) {
	debt, err = g.asset(ctx, symbol)
	if err != nil {
		return
	}
	if debt.BitassetDataID == "" {
		err = fmt.Errorf("%s is not a bitasset", symbol)
		return
	}
	var data bitassetData
	if err = g.call(ctx, &data, "get_bitasset_data", symbol); err != nil {
		return
	}
	collateral, err = g.asset(ctx, data.Options.ShortBackingAsset)
	if err != nil {
		return
	}
	price = g.priceIn(data.CurrentFeed.SettlementPrice, debt, collateral)
	if price <= 0 {
		err = fmt.Errorf("no settlement price for %s", symbol)
	}
	return
}

type signedTransaction struct {
	OperationResults [][]json.RawMessage `json:"operation_results"`
}

func (t signedTransaction) objectID(prefix string) (string, bool) {
	for _, res := range t.OperationResults {
		if len(res) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(res[1], &id); err == nil && strings.HasPrefix(id, prefix) {
			return id, true
		}
	}
	return "", false
}

func fromSatoshi(amount decimal.Decimal, precision int) float64 {
	return amount.Shift(-int32(precision)).InexactFloat64()
}

// formatAmount renders a positive amount truncated to the asset precision.
func formatAmount(amount float64, precision int) (string, error) {
	d := decimal.NewFromFloat(amount).Truncate(int32(precision))
	if !d.IsPositive() {
		return "", dex.ErrAmountTooSmall
	}
	return d.String(), nil
}

func formatDelta(amount float64, precision int) string {
	return decimal.NewFromFloat(amount).Truncate(int32(precision)).String()
}

// mapError turns the ledger's zero-amount assertions into ErrAmountTooSmall.
func mapError(err error) error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		msg := rpcErr.Message
		if strings.Contains(msg, "amount.amount > 0") || strings.Contains(msg, "amount_to_sell.amount > 0") ||
			strings.Contains(msg, "min_to_receive.amount > 0") {
			return fmt.Errorf("%w: %v", dex.ErrAmountTooSmall, err)
		}
	}
	return err
}

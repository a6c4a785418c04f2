package dex

import (
	"context"
	"time"
)

// Gateway is the account-scoped view of the exchange the strategy engine works
// against. Implementations own transport, signing and wire formats.
type Gateway interface {
	Balances(ctx context.Context) (Balances, error)
	OpenOrders(ctx context.Context) (map[Market][]OpenOrder, error)
	OpenOrderIDs(ctx context.Context) (map[Market]OrderIDSet, error)
	Ticker(ctx context.Context) (map[Market]Ticker, error)
	DebtPositions(ctx context.Context) (map[string]DebtPosition, error)
	FilledOrderHistory(ctx context.Context, market Market, maxAge time.Duration) ([]FilledOrderSample, error)
	AssetMetadata(ctx context.Context, symbol string) (AssetMetadata, error)

	PlaceOrder(ctx context.Context, market Market, side Side, price, amount float64, expiration time.Duration) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	Borrow(ctx context.Context, amount float64, symbol string, ratio float64) error
	AdjustDebt(ctx context.Context, delta float64, symbol string, ratio float64) error
}

// OrderIDsFromOrders derives the per-market id sets from an open order snapshot.
func OrderIDsFromOrders(orders map[Market][]OpenOrder) map[Market]OrderIDSet {
	out := make(map[Market]OrderIDSet, len(orders))
	for market, list := range orders {
		set := make(OrderIDSet, len(list))
		for _, o := range list {
			if o.ID == "" {
				continue
			}
			set[o.ID] = struct{}{}
		}
		out[market] = set
	}
	return out
}

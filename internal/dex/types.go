package dex

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const DefaultSeparator = " : "

var (
	ErrInvalidMarket = errors.New("invalid market")
	// ErrAmountTooSmall is returned when the ledger rejects an order or debt
	// operation because an amount rounds to zero at the asset's precision.
	ErrAmountTooSmall = errors.New("amount too small")
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Market is a quote/base pair. Prices on a market are expressed in base units
// per one quote unit and amounts in quote units.
type Market struct {
	Quote string
	Base  string
}

func ParseMarket(raw, separator string) (Market, error) {
	if separator == "" {
		separator = DefaultSeparator
	}
	quote, base, ok := strings.Cut(raw, separator)
	if !ok {
		// tolerate missing padding around the separator, e.g. "EUR:BTS"
		trimmed := strings.TrimSpace(separator)
		if trimmed == "" {
			return Market{}, fmt.Errorf("%w: %q", ErrInvalidMarket, raw)
		}
		quote, base, ok = strings.Cut(raw, trimmed)
		if !ok {
			return Market{}, fmt.Errorf("%w: %q", ErrInvalidMarket, raw)
		}
	}
	m := Market{Quote: strings.TrimSpace(quote), Base: strings.TrimSpace(base)}
	if err := m.Validate(); err != nil {
		return Market{}, fmt.Errorf("%w: %q", err, raw)
	}
	return m, nil
}

func (m Market) Validate() error {
	if m.Quote == "" || m.Base == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidMarket)
	}
	if m.Quote == m.Base {
		return fmt.Errorf("%w: quote equals base", ErrInvalidMarket)
	}
	return nil
}

func (m Market) Format(separator string) string {
	if separator == "" {
		separator = DefaultSeparator
	}
	return m.Quote + separator + m.Base
}

func (m Market) String() string {
	return m.Format(DefaultSeparator)
}

// Balances maps an asset symbol to its unencumbered amount.
type Balances map[string]float64

func (b Balances) Get(asset string) float64 {
	if b == nil {
		return 0
	}
	return b[asset]
}

type OpenOrder struct {
	ID         string
	Market     Market
	Side       Side
	Rate       float64
	Amount     float64
	Total      float64
	Expiration time.Time
}

type DebtPosition struct {
	Symbol          string
	CollateralAsset string
	Collateral      float64
	Debt            float64
}

type Ticker struct {
	SettlementPrice float64
	Last            float64
	HighestBid      float64
	LowestAsk       float64
}

type FilledOrderSample struct {
	Price      float64
	SecondsAgo float64
	Volume     float64
}

type AssetMetadata struct {
	Symbol         string
	ID             string
	Precision      int
	IsBitasset     bool
	BackingAssetID string
}

// OrderIDSet is the set of resting order ids on one market.
type OrderIDSet map[string]struct{}

func NewOrderIDSet(ids ...string) OrderIDSet {
	set := make(OrderIDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s OrderIDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s OrderIDSet) Clone() OrderIDSet {
	out := make(OrderIDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

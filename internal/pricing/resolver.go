package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"dex-liquidity-bot/internal/config"
	"dex-liquidity-bot/internal/dex"

	"go.uber.org/zap"
)

var (
	ErrUnavailable       = errors.New("price unavailable")
	ErrNoSettlementPrice = fmt.Errorf("%w: no settlement price", ErrUnavailable)
)

// HistorySource supplies trade samples for the filled_orders source.
type HistorySource interface {
	FilledOrderHistory(ctx context.Context, market dex.Market, maxAge time.Duration) ([]dex.FilledOrderSample, error)
}

type Options struct {
	OffsetPercent float64
	FilledOrders  config.FilledOrdersConfig
}

func OptionsFromConfig(cfg config.StrategyConfig) Options {
	return Options{
		OffsetPercent: cfg.TargetPriceOffsetPercentage,
		FilledOrders:  cfg.FilledOrders,
	}
}

type Resolver struct {
	history HistorySource
	log     *zap.Logger
}

func NewResolver(history HistorySource, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{history: history, log: log}
}

// Resolve turns a price spec into one positive price of the market's quote in
// base units. Errors wrapping ErrUnavailable mean the market should be skipped
// this tick; any other error came from the history source.
func (r *Resolver) Resolve(ctx context.Context, market dex.Market, spec config.PriceSpec, opts Options, tickers map[dex.Market]dex.Ticker) (float64, error) {
	switch {
	case spec.IsWeighted():
		return r.resolveWeighted(ctx, market, spec.Weights, opts, tickers)
	case spec.Source != "":
		return r.resolveSource(ctx, market, spec.Source, opts, tickers)
	case spec.Literal > 0:
		return applyOffset(spec.Literal, opts.OffsetPercent), nil
	}
	return 0, fmt.Errorf("%w: empty price spec for %s", ErrUnavailable, market)
}

func (r *Resolver) resolveSource(ctx context.Context, market dex.Market, tag string, opts Options, tickers map[dex.Market]dex.Ticker) (float64, error) {
	canonical, ok := config.CanonicalSource(tag)
	if !ok {
		return 0, fmt.Errorf("%w: unknown source %q", ErrUnavailable, tag)
	}
	if canonical == config.SourceFilledOrders {
		return r.resolveFilledOrders(ctx, market, opts.FilledOrders)
	}
	ticker, ok := tickers[market]
	if !ok {
		if canonical == config.SourceFeed {
			return 0, fmt.Errorf("%w for %s", ErrNoSettlementPrice, market)
		}
		return 0, fmt.Errorf("%w: no ticker for %s", ErrUnavailable, market)
	}
	switch canonical {
	case config.SourceFeed:
		if ticker.SettlementPrice <= 0 {
			return 0, fmt.Errorf("%w for %s", ErrNoSettlementPrice, market)
		}
		return applyOffset(ticker.SettlementPrice, opts.OffsetPercent), nil
	case config.SourceLast:
		if ticker.Last <= 0 {
			return 0, fmt.Errorf("%w: no last price for %s", ErrUnavailable, market)
		}
		return ticker.Last, nil
	case config.SourceBidAsk:
		if ticker.HighestBid <= 0 || ticker.LowestAsk <= 0 {
			return 0, fmt.Errorf("%w: empty book side on %s", ErrUnavailable, market)
		}
		return (ticker.HighestBid + ticker.LowestAsk) / 2, nil
	}
	return 0, fmt.Errorf("%w: unsupported source %q", ErrUnavailable, tag)
}

func (r *Resolver) resolveFilledOrders(ctx context.Context, market dex.Market, cfg config.FilledOrdersConfig) (float64, error) {
	if r.history == nil {
		return 0, fmt.Errorf("%w: no trade history source", ErrUnavailable)
	}
	samples, err := r.history.FilledOrderHistory(ctx, market, cfg.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("filled order history %s: %w", market, err)
	}
	price, err := WeightedFillPrice(samples, cfg.MaxAge, cfg.MinimumVolume, cfg.TimeWeightFactor)
	if err != nil {
		return 0, fmt.Errorf("%w on %s", err, market)
	}
	return price, nil
}

func (r *Resolver) resolveWeighted(ctx context.Context, market dex.Market, weights map[string]float64, opts Options, tickers map[dex.Market]dex.Ticker) (float64, error) {
	tags := make([]string, 0, len(weights))
	for tag := range weights {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var sum, total float64
	for _, tag := range tags {
		weight := weights[tag]
		if weight <= 0 {
			continue
		}
		price, err := r.resolveSource(ctx, market, tag, opts, tickers)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				r.log.Debug("price source excluded", zap.String("market", market.String()), zap.String("source", tag), zap.Error(err))
				continue
			}
			return 0, err
		}
		if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			continue
		}
		sum += weight * price
		total += weight
	}
	if total <= 0 {
		return 0, fmt.Errorf("%w: no weighted source resolved for %s", ErrUnavailable, market)
	}
	return sum / total, nil
}

// WeightedFillPrice averages trade prices weighted by volume and recency:
// w = volume / (timeWeightFactor * secondsAgo). Samples older than maxAge are
// ignored; secondsAgo is floored at one second.
func WeightedFillPrice(samples []dex.FilledOrderSample, maxAge time.Duration, minimumVolume, timeWeightFactor float64) (float64, error) {
	if timeWeightFactor <= 0 {
		timeWeightFactor = 1
	}
	var volume, weighted, weights float64
	var count int
	for _, s := range samples {
		if maxAge > 0 && s.SecondsAgo > maxAge.Seconds() {
			continue
		}
		if s.Price <= 0 || s.Volume <= 0 {
			continue
		}
		age := math.Max(s.SecondsAgo, 1)
		w := s.Volume / (timeWeightFactor * age)
		volume += s.Volume
		weighted += w * s.Price
		weights += w
		count++
	}
	if count == 0 || weights <= 0 {
		return 0, fmt.Errorf("%w: no filled orders in window", ErrUnavailable)
	}
	if volume < minimumVolume {
		return 0, fmt.Errorf("%w: filled volume %.8g below minimum %.8g", ErrUnavailable, volume, minimumVolume)
	}
	return weighted / weights, nil
}

func applyOffset(price, offsetPercent float64) float64 {
	return price * (1 + offsetPercent/100)
}

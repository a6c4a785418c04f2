package strategy

import (
	"context"
	"errors"
	"fmt"

	"dex-liquidity-bot/internal/alerts"
	"dex-liquidity-bot/internal/collateral"
	"dex-liquidity-bot/internal/config"
	"dex-liquidity-bot/internal/dex"
	"dex-liquidity-bot/internal/exec"
	"dex-liquidity-bot/internal/ladder"
	"dex-liquidity-bot/internal/orderbook"
	"dex-liquidity-bot/internal/pricing"

	"go.uber.org/zap"
)

// session is the data one working tick operates on. Snapshots are fetched
// once and never cached across ticks.
type session struct {
	tickID    string
	log       *zap.Logger
	balances  dex.Balances
	orders    map[dex.Market][]dex.OpenOrder
	tickers   map[dex.Market]dex.Ticker
	positions map[string]dex.DebtPosition
	prices    map[dex.Market]float64
	replanned map[dex.Market]bool
}

// engine bundles the services and settings the variants compose.
type engine struct {
	cfg       config.StrategyConfig
	markets   []dex.Market
	deps      Deps
	book      *orderbook.Book
	ladder    ladder.Settings
	priceOpts pricing.Options
	log       *zap.Logger
}

func (e *engine) refresh(ctx context.Context, tickID string) (*session, error) {
	gw := e.deps.Gateway
	balances, err := gw.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	orders, err := gw.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	tickers, err := gw.Ticker(ctx)
	if err != nil {
		return nil, fmt.Errorf("ticker: %w", err)
	}
	var positions map[string]dex.DebtPosition
	if e.cfg.Borrows() {
		positions, err = gw.DebtPositions(ctx)
		if err != nil {
			return nil, fmt.Errorf("debt positions: %w", err)
		}
	}
	return &session{
		tickID:    tickID,
		log:       e.log.With(zap.String("tick_id", tickID)),
		balances:  balances,
		orders:    orders,
		tickers:   tickers,
		positions: positions,
		prices:    make(map[dex.Market]float64),
		replanned: make(map[dex.Market]bool),
	}, nil
}

// reconcile diffs the known order ids against the book and hands every
// vanished id to onFill.
func (e *engine) reconcile(ctx context.Context, s *session, onFill func(context.Context, *session, string, dex.Market) error) error {
	current, err := e.deps.Gateway.OpenOrderIDs(ctx)
	if err != nil {
		return fmt.Errorf("open order ids: %w", err)
	}
	for _, market := range e.markets {
		for _, id := range e.book.Reconcile(market, current[market]) {
			e.deps.Metrics.FillsDetected.Inc()
			s.log.Info("order filled or cancelled", zap.String("market", market.String()), zap.String("order_id", id))
			e.alert(ctx, alerts.FillMessage(e.cfg.Name, e.format(market), id))
			if err := onFill(ctx, s, id, market); err != nil {
				return err
			}
		}
	}
	return nil
}

// price resolves and memoises the market's reference price for the session.
func (e *engine) price(ctx context.Context, s *session, market dex.Market) (float64, error) {
	if p, ok := s.prices[market]; ok {
		return p, nil
	}
	p, err := e.deps.Resolver.Resolve(ctx, market, e.cfg.TargetPrice, e.priceOpts, s.tickers)
	if err != nil {
		return 0, err
	}
	s.prices[market] = p
	return p, nil
}

// replan cancels the market's resting orders and places a fresh ladder. The
// market is left untouched when no price is available.
func (e *engine) replan(ctx context.Context, s *session, market dex.Market, reason string) error {
	if s.replanned[market] {
		return nil
	}
	log := s.log.With(zap.String("market", market.String()), zap.String("reason", reason))
	price, err := e.price(ctx, s, market)
	if err != nil {
		if errors.Is(err, pricing.ErrUnavailable) {
			log.Warn("no price; keeping existing orders", zap.Error(err))
			return nil
		}
		return err
	}
	s.replanned[market] = true

	cancelled, err := e.cancelMarket(ctx, s, market)
	if err != nil {
		if cancelled > 0 {
			e.underServed(ctx, log, market, err)
		}
		return err
	}
	balances := s.balances
	if cancelled > 0 && !e.deps.Executor.SafeMode() {
		// released funds only show up in a fresh balance read
		if balances, err = e.deps.Gateway.Balances(ctx); err != nil {
			e.underServed(ctx, log, market, err)
			return fmt.Errorf("balances after cancel: %w", err)
		}
		s.balances = balances
	}

	intents := ladder.Plan(market, price, balances, e.ladder)
	report := PlanReport{
		TickID:   s.tickID,
		Strategy: e.cfg.Name,
		Market:   e.format(market),
		Price:    price,
		SafeMode: e.deps.Executor.SafeMode(),
		Reason:   reason,
		At:       e.deps.Now(),
	}
	for i, in := range intents {
		id, err := e.deps.Executor.PlaceOrder(ctx, exec.Order{
			Market:        in.Market,
			Side:          in.Side,
			Price:         in.Price,
			Amount:        in.Amount,
			Expiration:    in.Expiration,
			ClientOrderID: fmt.Sprintf("%s/%s/%s/%d", s.tickID, e.cfg.Name, e.format(market), i),
		})
		if err != nil {
			if errors.Is(err, dex.ErrAmountTooSmall) {
				log.Error("order rejected as dust; manual action needed",
					zap.String("side", string(in.Side)), zap.Float64("amount", in.Amount), zap.Error(err))
				e.alert(ctx, alerts.ManualActionMessage(e.cfg.Name, fmt.Sprintf("%s %s on %s", in.Side, market.Quote, e.format(market)), err))
				continue
			}
			if cancelled > 0 {
				e.underServed(ctx, log, market, err)
			}
			return err
		}
		e.book.Track(market, id)
		report.Orders++
		switch in.Side {
		case dex.SideSell:
			report.SellAmount += in.Amount
			if report.SellPrice == 0 {
				report.SellPrice = in.Price
			}
		case dex.SideBuy:
			report.BuyAmount += in.Amount
			if report.BuyPrice == 0 {
				report.BuyPrice = in.Price
			}
		}
	}
	log.Info("market planned", zap.Float64("price", price), zap.Int("intents", len(intents)), zap.Int("cancelled", cancelled))
	if e.deps.Reporter != nil {
		e.deps.Reporter.RecordPlan(report)
	}
	return nil
}

func (e *engine) cancelMarket(ctx context.Context, s *session, market dex.Market) (int, error) {
	var cancelled int
	for _, o := range s.orders[market] {
		if err := e.deps.Executor.CancelOrder(ctx, o.ID); err != nil {
			return cancelled, fmt.Errorf("cancel %s: %w", o.ID, err)
		}
		if !e.deps.Executor.SafeMode() {
			e.book.Forget(market, o.ID)
		}
		cancelled++
	}
	return cancelled, nil
}

// checkDrift replans every market that has no resting orders or whose orders
// left the tolerated band around the reference price.
func (e *engine) checkDrift(ctx context.Context, s *session) error {
	lower, upper := ladder.Band(e.ladder, e.cfg.AllowedSpreadPercentage)
	for _, market := range e.markets {
		if s.replanned[market] {
			continue
		}
		orders := s.orders[market]
		if len(orders) == 0 {
			if err := e.replan(ctx, s, market, "empty"); err != nil {
				return err
			}
			continue
		}
		price, err := e.price(ctx, s, market)
		if err != nil {
			if errors.Is(err, pricing.ErrUnavailable) {
				s.log.Warn("no price; skipping market", zap.String("market", market.String()), zap.Error(err))
				continue
			}
			return err
		}
		if !ladder.Drifted(orders, price, lower, upper) {
			continue
		}
		if err := e.replan(ctx, s, market, "drift"); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) collateralInput(s *session) collateral.Input {
	return collateral.Input{
		Markets:              e.markets,
		CollateralAsset:      e.cfg.CollateralAsset,
		BorrowPercentages:    e.cfg.BorrowPercentages,
		Ratio:                e.cfg.Ratio,
		MinimumChangePercent: e.cfg.MinimumChangeValue(),
		Positions:            s.positions,
		Balances:             s.balances,
		OpenOrders:           s.orders,
		Tickers:              s.tickers,
	}
}

func (e *engine) rebalance(ctx context.Context, s *session) error {
	actions, err := collateral.Rebalance(e.collateralInput(s))
	if err != nil {
		return e.rebalanceError(ctx, s, err)
	}
	return e.applyDebt(ctx, s, actions)
}

func (e *engine) maintainRatio(ctx context.Context, s *session) error {
	actions, err := collateral.MaintainRatio(e.collateralInput(s))
	if err != nil {
		if rerr := e.rebalanceError(ctx, s, err); rerr != nil {
			return rerr
		}
	}
	return e.applyDebt(ctx, s, actions)
}

func (e *engine) rebalanceError(ctx context.Context, s *session, err error) error {
	switch {
	case errors.Is(err, collateral.ErrInconsistentPositions):
		s.log.Warn("debt positions inconsistent; not adjusting", zap.Int("positions", len(s.positions)), zap.Error(err))
		e.alert(ctx, alerts.InconsistentDebtMessage(e.cfg.Name, err))
		return nil
	case errors.Is(err, pricing.ErrUnavailable):
		s.log.Warn("no settlement price; skipping debt rebalance", zap.Error(err))
		return nil
	}
	return err
}

func (e *engine) applyDebt(ctx context.Context, s *session, actions []collateral.Action) error {
	for _, a := range actions {
		fields := []zap.Field{
			zap.String("symbol", a.Symbol),
			zap.String("action", string(a.Kind)),
			zap.Float64("amount", a.Amount),
			zap.Float64("current", a.Current),
			zap.Float64("target", a.Target),
			zap.Float64("change_percent", a.ChangePercent),
		}
		s.log.Info("debt action", fields...)
		var err error
		switch a.Kind {
		case collateral.ActionBorrow:
			err = e.deps.Executor.Borrow(ctx, a.Amount, a.Symbol, a.Ratio)
		case collateral.ActionAdjust:
			err = e.deps.Executor.AdjustDebt(ctx, a.Amount, a.Symbol, a.Ratio)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, dex.ErrAmountTooSmall) {
			s.log.Error("debt action rejected as dust; manual action needed", append(fields, zap.Error(err))...)
			e.alert(ctx, alerts.ManualActionMessage(e.cfg.Name, fmt.Sprintf("%s %s", a.Kind, a.Symbol), err))
			continue
		}
		return fmt.Errorf("%s %s: %w", a.Kind, a.Symbol, err)
	}
	return nil
}

// verifyCollateral checks that each market's quote is a bitasset backed by the
// market's base asset.
func (e *engine) verifyCollateral(ctx context.Context) error {
	for _, market := range e.markets {
		quote, err := e.deps.Gateway.AssetMetadata(ctx, market.Quote)
		if err != nil {
			return fmt.Errorf("asset %s: %w", market.Quote, err)
		}
		base, err := e.deps.Gateway.AssetMetadata(ctx, market.Base)
		if err != nil {
			return fmt.Errorf("asset %s: %w", market.Base, err)
		}
		if !quote.IsBitasset {
			return fmt.Errorf("%w: %s is not a bitasset and cannot be borrowed", ErrIncompatibleMarket, market.Quote)
		}
		if quote.BackingAssetID != base.ID {
			return fmt.Errorf("%w: %s is backed by %s, not %s (%s)", ErrIncompatibleMarket, market.Quote, quote.BackingAssetID, market.Base, base.ID)
		}
	}
	return nil
}

func (e *engine) underServed(ctx context.Context, log *zap.Logger, market dex.Market, err error) {
	log.Error("market cancelled but not replaced; under-served until next tick", zap.Error(err))
	e.alert(ctx, alerts.UnderServedMessage(e.cfg.Name, e.format(market), err))
}

func (e *engine) alert(ctx context.Context, message string) {
	if e.deps.Alerter != nil {
		e.deps.Alerter.Notify(ctx, message)
	}
}

func (e *engine) format(market dex.Market) string {
	return market.Format(e.deps.Separator)
}

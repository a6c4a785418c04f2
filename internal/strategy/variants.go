package strategy

import (
	"context"

	"dex-liquidity-bot/internal/config"
	"dex-liquidity-bot/internal/dex"
)

// variant is the per-kind behaviour a Controller sequences. prepare runs once
// during Init, work on every tick that lands on the skip_blocks boundary.
type variant interface {
	kind() config.Kind
	counterOffset() int64
	prepare(ctx context.Context, s *session) error
	work(ctx context.Context, s *session) error
	onOrderFilled(ctx context.Context, s *session, orderID string, market dex.Market) error
}

// Wall keeps one buy and one sell order per market around the reference price,
// optionally funding itself by borrowing.
type Wall struct {
	*engine
}

func (w *Wall) kind() config.Kind { return config.KindWall }

func (w *Wall) counterOffset() int64 { return -1 }

func (w *Wall) prepare(ctx context.Context, s *session) error {
	if w.cfg.Borrows() {
		if err := w.verifyCollateral(ctx); err != nil {
			return err
		}
		if len(s.positions) == 0 {
			if err := w.rebalance(ctx, s); err != nil {
				return err
			}
		}
	}
	for _, market := range w.markets {
		if len(s.orders[market]) > 0 {
			continue
		}
		if err := w.replan(ctx, s, market, "init"); err != nil {
			return err
		}
	}
	return nil
}

func (w *Wall) work(ctx context.Context, s *session) error {
	if w.cfg.Borrows() {
		if err := w.rebalance(ctx, s); err != nil {
			return err
		}
	}
	return w.checkDrift(ctx, s)
}

func (w *Wall) onOrderFilled(ctx context.Context, s *session, _ string, market dex.Market) error {
	return w.replan(ctx, s, market, "fill")
}

// Ramp is a Wall whose orders are spread over several price levels per side.
type Ramp struct {
	Wall
}

func (r *Ramp) kind() config.Kind { return config.KindRamp }

// AutomaticBorrow only keeps debt positions in line with the configured
// allocation.
type AutomaticBorrow struct {
	*engine
}

func (a *AutomaticBorrow) kind() config.Kind { return config.KindAutomaticBorrow }

func (a *AutomaticBorrow) counterOffset() int64 { return 0 }

func (a *AutomaticBorrow) prepare(ctx context.Context, _ *session) error {
	return a.verifyCollateral(ctx)
}

func (a *AutomaticBorrow) work(ctx context.Context, s *session) error {
	return a.rebalance(ctx, s)
}

func (a *AutomaticBorrow) onOrderFilled(context.Context, *session, string, dex.Market) error {
	return nil
}

// CollateralOnly re-collateralises existing positions to the target ratio
// without changing debt.
type CollateralOnly struct {
	*engine
}

func (c *CollateralOnly) kind() config.Kind { return config.KindCollateralOnly }

func (c *CollateralOnly) counterOffset() int64 { return 0 }

func (c *CollateralOnly) prepare(ctx context.Context, _ *session) error {
	return c.verifyCollateral(ctx)
}

func (c *CollateralOnly) work(ctx context.Context, s *session) error {
	return c.maintainRatio(ctx, s)
}

func (c *CollateralOnly) onOrderFilled(context.Context, *session, string, dex.Market) error {
	return nil
}

func newVariant(e *engine) variant {
	switch e.cfg.Kind {
	case config.KindRamp:
		return &Ramp{Wall: Wall{engine: e}}
	case config.KindAutomaticBorrow:
		return &AutomaticBorrow{engine: e}
	case config.KindCollateralOnly:
		return &CollateralOnly{engine: e}
	default:
		return &Wall{engine: e}
	}
}

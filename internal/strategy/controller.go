package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dex-liquidity-bot/internal/config"
	"dex-liquidity-bot/internal/dex"
	"dex-liquidity-bot/internal/ladder"
	"dex-liquidity-bot/internal/metrics"
	"dex-liquidity-bot/internal/orderbook"
	"dex-liquidity-bot/internal/pricing"
	"dex-liquidity-bot/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Controller owns one strategy instance: its lifecycle, block counter and
// known order ids. Calls are serialized.
type Controller struct {
	engine  *engine
	variant variant
	sm      *StateMachine
	log     *zap.Logger

	mu       sync.Mutex
	counter  int64
	lastWork time.Time
	lastErr  error
}

func New(cfg config.StrategyConfig, deps Deps) (*Controller, error) {
	if deps.Gateway == nil || deps.Executor == nil {
		return nil, errors.New("strategy requires a gateway and an executor")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Resolver == nil {
		deps.Resolver = pricing.NewResolver(deps.Gateway, deps.Log)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Separator == "" {
		deps.Separator = dex.DefaultSeparator
	}
	markets, err := cfg.MarketList(deps.Separator)
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", cfg.Name, err)
	}
	log := deps.Log.With(zap.String("strategy", cfg.Name), zap.String("kind", string(cfg.Kind)))
	e := &engine{
		cfg:       cfg,
		markets:   markets,
		deps:      deps,
		book:      orderbook.NewBook(),
		ladder:    ladder.SettingsFromConfig(cfg, markets),
		priceOpts: pricing.OptionsFromConfig(cfg),
		log:       log,
	}
	v := newVariant(e)
	return &Controller{
		engine:  e,
		variant: v,
		sm:      NewStateMachine(),
		log:     log,
		counter: v.counterOffset(),
	}, nil
}

func (c *Controller) Name() string {
	return c.engine.cfg.Name
}

func (c *Controller) State() State {
	return c.sm.State()
}

// Init validates the settings, runs the variant's preparation and executes
// one tick. Configuration problems move the controller to StateFailed for
// good; any other error leaves it uninitialized so a later Tick retries.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.init(ctx)
}

func (c *Controller) init(ctx context.Context) error {
	if st := c.sm.State(); st != StateUninitialized {
		if st == StateFailed {
			return fmt.Errorf("%w: %s", ErrNotRunning, st)
		}
		return nil
	}
	c.sm.Apply(EventInit)
	if err := c.engine.cfg.Validate(c.engine.deps.Separator); err != nil {
		return c.failInit(err, true)
	}
	s, err := c.engine.refresh(ctx, uuid.NewString())
	if err != nil {
		return c.failInit(err, false)
	}
	if err := c.variant.prepare(ctx, s); err != nil {
		return c.failInit(err, errors.Is(err, ErrIncompatibleMarket))
	}
	c.sm.Apply(EventReady)
	c.log.Info("strategy initialized", zap.Int64("block_counter", c.counter), zap.Int("skip_blocks", c.engine.cfg.SkipBlocks))
	return c.tick(ctx)
}

func (c *Controller) failInit(err error, fatal bool) error {
	c.lastErr = err
	if fatal {
		c.sm.Apply(EventFail)
		c.log.Error("strategy configuration rejected", zap.Error(err))
		return err
	}
	c.sm.Apply(EventReset)
	c.log.Warn("strategy init failed; will retry", zap.Error(err))
	return err
}

// Tick advances the block counter and does the refresh, reconcile, rebalance
// and replan work when the counter lands on the skip_blocks boundary.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.sm.State() {
	case StateUninitialized:
		return c.init(ctx)
	case StateRunning:
		return c.tick(ctx)
	}
	return fmt.Errorf("%w: %s", ErrNotRunning, c.sm.State())
}

func (c *Controller) tick(ctx context.Context) error {
	c.counter++
	skip := int64(c.engine.cfg.SkipBlocks)
	if skip <= 0 {
		skip = 1
	}
	if c.counter%skip != 0 {
		return nil
	}
	err := c.work(ctx)
	c.lastErr = err
	if err != nil {
		c.engine.deps.Metrics.TicksFailed.Inc()
		c.log.Warn("tick aborted", zap.Int64("block_counter", c.counter), zap.Error(err))
		return err
	}
	c.engine.deps.Metrics.TicksCompleted.Inc()
	return nil
}

func (c *Controller) work(ctx context.Context) error {
	e := c.engine
	s, err := e.refresh(ctx, uuid.NewString())
	if err != nil {
		return err
	}
	s.log.Info("working tick", zap.Int64("block_counter", c.counter))
	c.lastWork = e.deps.Now()
	if err := e.reconcile(ctx, s, c.variant.onOrderFilled); err != nil {
		return err
	}
	if err := c.variant.work(ctx, s); err != nil {
		return err
	}
	c.report(s)
	if err := c.saveBook(ctx); err != nil {
		s.log.Warn("failed to persist known orders", zap.Error(err))
	}
	return nil
}

// OnOrderFilled re-plans market after orderID left the book.
func (c *Controller) OnOrderFilled(ctx context.Context, orderID string, market dex.Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sm.State() != StateRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, c.sm.State())
	}
	s, err := c.engine.refresh(ctx, uuid.NewString())
	if err != nil {
		return err
	}
	c.engine.book.Forget(market, orderID)
	return c.variant.onOrderFilled(ctx, s, orderID, market)
}

func (c *Controller) report(s *session) {
	reporter := c.engine.deps.Reporter
	if reporter == nil {
		return
	}
	balances := make(map[string]float64)
	for _, m := range c.engine.markets {
		balances[m.Quote] = s.balances.Get(m.Quote)
		balances[m.Base] = s.balances.Get(m.Base)
	}
	reporter.RecordBalances(BalanceReport{
		TickID:   s.tickID,
		Strategy: c.engine.cfg.Name,
		Balances: balances,
		At:       c.engine.deps.Now(),
	})
}

// RestoreBook seeds the known order ids from the state store.
func (c *Controller) RestoreBook(ctx context.Context) error {
	store := c.engine.deps.Store
	if store == nil {
		return nil
	}
	snapshot, ok, err := state.LoadBookSnapshot(ctx, store, c.Name())
	if err != nil || !ok {
		return err
	}
	restored := make(map[dex.Market][]string, len(snapshot.Orders))
	for raw, ids := range snapshot.Orders {
		market, err := dex.ParseMarket(raw, c.engine.deps.Separator)
		if err != nil {
			c.log.Warn("dropping unparseable market from snapshot", zap.String("market", raw), zap.Error(err))
			continue
		}
		restored[market] = ids
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.book.Restore(restored)
	c.log.Info("known orders restored", zap.Int("markets", len(restored)))
	return nil
}

func (c *Controller) saveBook(ctx context.Context) error {
	store := c.engine.deps.Store
	if store == nil {
		return nil
	}
	orders := make(map[string][]string)
	for market, ids := range c.engine.book.Snapshot() {
		orders[c.engine.format(market)] = ids
	}
	return state.SaveBookSnapshot(ctx, store, state.BookSnapshot{
		Strategy:    c.Name(),
		Orders:      orders,
		UpdatedAtMS: c.engine.deps.Now().UnixMilli(),
	})
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	markets := make([]string, 0, len(c.engine.markets))
	var known int
	for _, m := range c.engine.markets {
		markets = append(markets, c.engine.format(m))
		known += len(c.engine.book.Known(m))
	}
	st := Status{
		Name:        c.Name(),
		Kind:        string(c.variant.kind()),
		State:       c.sm.State(),
		BlockCount:  c.counter,
		Markets:     markets,
		KnownOrders: known,
		LastWork:    c.lastWork,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

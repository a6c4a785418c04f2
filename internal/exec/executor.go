package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dex-liquidity-bot/internal/config"
	"dex-liquidity-bot/internal/dex"
	"dex-liquidity-bot/internal/metrics"
	"dex-liquidity-bot/internal/state"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Order struct {
	Market        dex.Market
	Side          dex.Side
	Price         float64
	Amount        float64
	Expiration    time.Duration
	ClientOrderID string
}

// Gateway is the write side of dex.Gateway.
type Gateway interface {
	PlaceOrder(ctx context.Context, market dex.Market, side dex.Side, price, amount float64, expiration time.Duration) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	Borrow(ctx context.Context, amount float64, symbol string, ratio float64) error
	AdjustDebt(ctx context.Context, delta float64, symbol string, ratio float64) error
}

type Options struct {
	SafeMode bool
	Retry    config.RetryConfig
	Throttle config.ThrottleConfig
	Metrics  *metrics.Metrics
}

// Executor pushes order and debt operations to the gateway with retries and a
// placement throttle. In safe mode every operation is logged and skipped.
type Executor struct {
	gw       Gateway
	store    state.Store
	log      *zap.Logger
	metrics  *metrics.Metrics
	retryCfg config.RetryConfig
	limiter  *rate.Limiter
	safeMode bool

	mu    sync.Mutex
	cache map[string]string
}

func New(gw Gateway, store state.Store, log *zap.Logger, opts Options) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Throttle.OrdersPerSecond > 0 {
		burst := opts.Throttle.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Throttle.OrdersPerSecond), burst)
	}
	return &Executor{
		gw:       gw,
		store:    store,
		log:      log,
		metrics:  m,
		retryCfg: opts.Retry,
		limiter:  limiter,
		safeMode: opts.SafeMode,
		cache:    make(map[string]string),
	}
}

func (e *Executor) SafeMode() bool {
	return e.safeMode
}

// PlaceOrder places order and returns its id. Orders carrying a client id are
// placed at most once per id. In safe mode the returned id is empty.
func (e *Executor) PlaceOrder(ctx context.Context, order Order) (string, error) {
	fields := []zap.Field{
		zap.String("market", order.Market.String()),
		zap.String("side", string(order.Side)),
		zap.Float64("price", order.Price),
		zap.Float64("amount", order.Amount),
		zap.Duration("expiration", order.Expiration),
	}
	if e.safeMode {
		e.log.Info("safe mode: skipping order placement", fields...)
		return "", nil
	}
	if order.ClientOrderID == "" {
		return e.placeWithRetry(ctx, order, fields)
	}
	cacheKey := "cloid:" + order.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	orderID, err := e.placeWithRetry(ctx, order, fields)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

func (e *Executor) CancelOrder(ctx context.Context, orderID string) error {
	if e.safeMode {
		e.log.Info("safe mode: skipping cancel", zap.String("order_id", orderID))
		return nil
	}
	err := e.retry(ctx, "cancel", func() error {
		return e.gw.CancelOrder(ctx, orderID)
	})
	if err != nil {
		return err
	}
	e.metrics.OrdersCancelled.Inc()
	e.log.Info("order cancelled", zap.String("order_id", orderID))
	return nil
}

func (e *Executor) Borrow(ctx context.Context, amount float64, symbol string, ratio float64) error {
	fields := []zap.Field{zap.String("symbol", symbol), zap.Float64("amount", amount), zap.Float64("ratio", ratio)}
	if e.safeMode {
		e.log.Info("safe mode: skipping borrow", fields...)
		return nil
	}
	err := e.retry(ctx, "borrow", func() error {
		return e.gw.Borrow(ctx, amount, symbol, ratio)
	})
	if err != nil {
		e.countTooSmall(err)
		return err
	}
	e.metrics.DebtAdjusted.Inc()
	e.log.Info("debt position opened", fields...)
	return nil
}

func (e *Executor) AdjustDebt(ctx context.Context, delta float64, symbol string, ratio float64) error {
	fields := []zap.Field{zap.String("symbol", symbol), zap.Float64("delta", delta), zap.Float64("ratio", ratio)}
	if e.safeMode {
		e.log.Info("safe mode: skipping debt adjustment", fields...)
		return nil
	}
	err := e.retry(ctx, "adjust_debt", func() error {
		return e.gw.AdjustDebt(ctx, delta, symbol, ratio)
	})
	if err != nil {
		e.countTooSmall(err)
		return err
	}
	e.metrics.DebtAdjusted.Inc()
	e.log.Info("debt position adjusted", fields...)
	return nil
}

func (e *Executor) placeWithRetry(ctx context.Context, order Order, fields []zap.Field) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	var orderID string
	err := e.retry(ctx, "place", func() error {
		var err error
		orderID, err = e.gw.PlaceOrder(ctx, order.Market, order.Side, order.Price, order.Amount, order.Expiration)
		return err
	})
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.countTooSmall(err)
		return "", err
	}
	if orderID == "" {
		e.metrics.OrdersFailed.Inc()
		return "", errors.New("empty order id")
	}
	e.metrics.OrdersPlaced.Inc()
	e.log.Info("order placed", append(fields, zap.String("order_id", orderID))...)
	return orderID, nil
}

func (e *Executor) countTooSmall(err error) {
	if errors.Is(err, dex.ErrAmountTooSmall) {
		e.metrics.AmountTooSmall.Inc()
	}
}

// retry runs fn under the configured exponential backoff. Dust rejections and
// context errors are not retried.
func (e *Executor) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	if e.retryCfg.InitialInterval > 0 {
		policy.InitialInterval = e.retryCfg.InitialInterval
	}
	if e.retryCfg.MaxInterval > 0 {
		policy.MaxInterval = e.retryCfg.MaxInterval
	}
	policy.Reset()
	maxTries := e.retryCfg.MaxTries
	if maxTries == 0 {
		maxTries = 1
	}
	started := time.Now()
	for attempt := uint(1); ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt >= maxTries {
			return fmt.Errorf("%s: retry failed after %d attempts: %w", op, attempt, err)
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("%s: retry failed: %w", op, err)
		}
		if e.retryCfg.MaxElapsedTime > 0 && time.Since(started)+wait > e.retryCfg.MaxElapsedTime {
			return fmt.Errorf("%s: retry budget exhausted: %w", op, err)
		}
		e.log.Debug("retrying gateway call", zap.String("op", op), zap.Uint("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, dex.ErrAmountTooSmall):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

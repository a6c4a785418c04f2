package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"dex-liquidity-bot/internal/alerts"
	"dex-liquidity-bot/internal/config"
	"dex-liquidity-bot/internal/dex"
	"dex-liquidity-bot/internal/dex/rpc"
	"dex-liquidity-bot/internal/exec"
	"dex-liquidity-bot/internal/httpapi"
	"dex-liquidity-bot/internal/metrics"
	"dex-liquidity-bot/internal/state"
	"dex-liquidity-bot/internal/state/sqlite"
	"dex-liquidity-bot/internal/strategy"
	"dex-liquidity-bot/internal/timescale"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

var ErrAllInstancesFailed = errors.New("every strategy instance failed to initialize")

// instance is the part of strategy.Controller the scheduler drives.
type instance interface {
	Name() string
	Init(ctx context.Context) error
	Tick(ctx context.Context) error
	RestoreBook(ctx context.Context) error
	Status() strategy.Status
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	rpc       *rpc.Client
	prom      *metrics.Prometheus
	operator  updateSource
	timescale *timescale.Writer
	instances []instance

	paused atomic.Bool
}

// Options override pieces of the runtime; cmd/verify uses them to force safe
// mode without touching the loaded config.
type Options struct {
	SafeMode bool
}

func New(cfg *config.Config, log *zap.Logger, opts Options) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	markets, err := allMarkets(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rpcClient := rpc.New(cfg.Gateway.URL, cfg.Gateway.ReconnectDelay, cfg.Gateway.PingInterval, log)
	gateway := rpc.NewGateway(timeoutCaller{next: rpcClient, timeout: cfg.Gateway.Timeout}, rpc.Options{
		Account: cfg.Gateway.Account,
		Markets: markets,
	})
	prom := metrics.NewPrometheus()
	executor := exec.New(gateway, store, log, exec.Options{
		SafeMode: cfg.SafeMode || opts.SafeMode,
		Retry:    cfg.Retry,
		Throttle: cfg.Throttle,
		Metrics:  prom.Metrics,
	})
	if executor.SafeMode() {
		log.Warn("safe mode enabled; orders and debt changes are logged, not sent")
	}
	telegram := alerts.NewTelegram(cfg.Telegram, log)
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}

	deps := strategy.Deps{
		Gateway:   gateway,
		Executor:  executor,
		Store:     store,
		Metrics:   prom.Metrics,
		Log:       log,
		Separator: cfg.MarketSeparator,
	}
	var operator updateSource
	if telegram.Enabled() {
		deps.Alerter = telegram
		operator = telegram
	}
	if writer != nil {
		deps.Reporter = timescaleReporter{sink: writer}
	}
	instances := make([]instance, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		ctrl, err := strategy.New(sc, deps)
		if err != nil {
			_ = store.Close()
			_ = writer.Close()
			return nil, err
		}
		instances = append(instances, ctrl)
	}
	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		rpc:       rpcClient,
		prom:      prom,
		operator:  operator,
		timescale: writer,
		instances: instances,
	}, nil
}

// allMarkets is the union of every instance's markets, in config order.
func allMarkets(cfg *config.Config) ([]dex.Market, error) {
	seen := make(map[dex.Market]struct{})
	var out []dex.Market
	for _, sc := range cfg.Strategies {
		markets, err := sc.MarketList(cfg.MarketSeparator)
		if err != nil {
			return nil, fmt.Errorf("strategy %q: %w", sc.Name, err)
		}
		for _, m := range markets {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.connect(ctx); err != nil {
		return err
	}
	a.timescale.Start(ctx)
	a.restore(ctx)
	if err := a.Init(ctx); err != nil {
		return err
	}
	if a.cfg.Metrics.EnabledValue() {
		httpapi.New(httpapi.Config{
			Address:     a.cfg.Metrics.Address,
			MetricsPath: a.cfg.Metrics.Path,
		}, a, a.prom.Handler(), a.log).Start(ctx)
	}
	a.startOperator(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tickAll(ctx)
		}
	}
}

// connect starts the wallet connection loop and waits for the first session.
func (a *App) connect(ctx context.Context) error {
	go func() {
		if err := a.rpc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("rpc client stopped", zap.Error(err))
		}
	}()
	select {
	case <-a.rpc.Ready():
		a.log.Info("connected to wallet", zap.String("url", a.cfg.Gateway.URL))
	case <-ctx.Done():
		return ctx.Err()
	}
	if password := a.cfg.Gateway.WalletPassword; password != "" {
		if _, err := a.rpc.Call(ctx, "unlock", password); err != nil {
			return fmt.Errorf("unlock wallet: %w", err)
		}
	}
	return nil
}

// restore drops snapshots of instances no longer configured and seeds the
// rest with their known order ids.
func (a *App) restore(ctx context.Context) {
	names := make([]string, 0, len(a.instances))
	for _, inst := range a.instances {
		names = append(names, inst.Name())
	}
	removed, err := state.PruneBookSnapshots(ctx, a.store, names)
	if err != nil {
		a.log.Warn("book snapshot prune failed", zap.Error(err))
	} else if len(removed) > 0 {
		a.log.Info("removed stale book snapshots", zap.Strings("strategies", removed))
	}
	for _, inst := range a.instances {
		if err := inst.RestoreBook(ctx); err != nil {
			a.log.Warn("book restore failed", zap.String("strategy", inst.Name()), zap.Error(err))
		}
	}
}

// Init runs every instance's first tick. Instances whose init failed
// transiently retry on the next tick; an error is returned only when none is
// left to run.
func (a *App) Init(ctx context.Context) error {
	a.runAll(ctx, "init", a.instances, func(ctx context.Context, inst instance) error {
		return inst.Init(ctx)
	})
	for _, inst := range a.instances {
		if inst.Status().State != strategy.StateFailed {
			return nil
		}
	}
	return ErrAllInstancesFailed
}

func (a *App) tickAll(ctx context.Context) {
	if a.paused.Load() {
		a.log.Debug("ticks paused by operator")
		return
	}
	active := make([]instance, 0, len(a.instances))
	for _, inst := range a.instances {
		if inst.Status().State != strategy.StateFailed {
			active = append(active, inst)
		}
	}
	a.runAll(ctx, "tick", active, func(ctx context.Context, inst instance) error {
		return inst.Tick(ctx)
	})
}

func (a *App) runAll(ctx context.Context, op string, instances []instance, fn func(context.Context, instance) error) {
	limit := a.cfg.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}
	p := pool.New().WithMaxGoroutines(limit)
	for _, inst := range instances {
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("strategy panic", zap.String("op", op), zap.String("strategy", inst.Name()), zap.Any("panic", r))
				}
			}()
			if err := fn(ctx, inst); err != nil {
				a.log.Warn("strategy "+op+" failed", zap.String("strategy", inst.Name()), zap.Error(err))
			}
		})
	}
	p.Wait()
}

// Statuses implements httpapi.StatusSource.
func (a *App) Statuses() []strategy.Status {
	out := make([]strategy.Status, 0, len(a.instances))
	for _, inst := range a.instances {
		out = append(out, inst.Status())
	}
	return out
}

func (a *App) close() {
	if a.rpc != nil {
		_ = a.rpc.Close()
	}
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Verify connects and initializes every instance once, then shuts down.
func (a *App) Verify(ctx context.Context) ([]strategy.Status, error) {
	defer a.close()
	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	err := a.Init(ctx)
	return a.Statuses(), err
}

// timeoutCaller bounds every wallet call by the configured gateway timeout.
type timeoutCaller struct {
	next    rpc.Caller
	timeout time.Duration
}

func (c timeoutCaller) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if c.timeout <= 0 {
		return c.next.Call(ctx, method, params...)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Call(ctx, method, params...)
}

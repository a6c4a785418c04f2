package strategy

import (
	"context"
	"errors"
	"time"

	"dex-liquidity-bot/internal/dex"
	"dex-liquidity-bot/internal/exec"
	"dex-liquidity-bot/internal/metrics"
	"dex-liquidity-bot/internal/pricing"
	"dex-liquidity-bot/internal/state"

	"go.uber.org/zap"
)

var (
	ErrIncompatibleMarket = errors.New("market incompatible with collateral asset")
	ErrNotRunning         = errors.New("strategy not running")
)

type State string

type Event string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitializing  State = "INITIALIZING"
	StateRunning       State = "RUNNING"
	StateFailed        State = "FAILED"
)

const (
	EventInit  Event = "INIT"
	EventReady Event = "READY"
	EventFail  Event = "FAIL"
	EventReset Event = "RESET"
)

// Strategy is the contract the scheduler drives.
type Strategy interface {
	Init(ctx context.Context) error
	Tick(ctx context.Context) error
	OnOrderFilled(ctx context.Context, orderID string, market dex.Market) error
}

type Executor interface {
	PlaceOrder(ctx context.Context, order exec.Order) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	Borrow(ctx context.Context, amount float64, symbol string, ratio float64) error
	AdjustDebt(ctx context.Context, delta float64, symbol string, ratio float64) error
	SafeMode() bool
}

// Alerter delivers operator notifications; delivery failures are its own
// concern.
type Alerter interface {
	Notify(ctx context.Context, message string)
}

// Reporter receives per-tick records. Implementations must not block.
type Reporter interface {
	RecordPlan(report PlanReport)
	RecordBalances(report BalanceReport)
}

type PlanReport struct {
	TickID     string
	Strategy   string
	Market     string
	Price      float64
	SellPrice  float64
	SellAmount float64
	BuyPrice   float64
	BuyAmount  float64
	Orders     int
	SafeMode   bool
	Reason     string
	At         time.Time
}

type BalanceReport struct {
	TickID   string
	Strategy string
	Balances map[string]float64
	At       time.Time
}

// Deps are the services shared by every variant.
type Deps struct {
	Gateway   dex.Gateway
	Executor  Executor
	Resolver  *pricing.Resolver
	Store     state.Store
	Reporter  Reporter
	Alerter   Alerter
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Separator string
	Now       func() time.Time
}

// Status is a point-in-time view of a controller for operators.
type Status struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	State       State     `json:"state"`
	BlockCount  int64     `json:"block_count"`
	Markets     []string  `json:"markets"`
	KnownOrders int       `json:"known_orders"`
	LastWork    time.Time `json:"last_work,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

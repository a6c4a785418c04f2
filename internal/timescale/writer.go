package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"dex-liquidity-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// PlanRow is one market's ladder as placed (or, in safe mode, as it would
// have been placed) on a tick.
type PlanRow struct {
	Time       time.Time
	TickID     string
	Strategy   string
	Market     string
	Reason     string
	Price      float64
	SellPrice  float64
	SellAmount float64
	BuyPrice   float64
	BuyAmount  float64
	Orders     int
	SafeMode   bool
}

type BalanceRow struct {
	Time     time.Time
	TickID   string
	Strategy string
	Asset    string
	Amount   float64
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	plans       chan PlanRow
	balances    chan BalanceRow
	started     atomic.Bool
	dropPlan    atomic.Uint64
	dropBalance atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, log, cfg.Schema, cfg.QueueSize)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, log *zap.Logger, schema string, queueSize int) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:       db,
		log:      log,
		schema:   schema,
		plans:    make(chan PlanRow, queueSize),
		balances: make(chan BalanceRow, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueuePlan(row PlanRow) {
	if w == nil {
		return
	}
	select {
	case w.plans <- row:
	default:
		if w.dropPlan.Add(1) == 1 {
			w.log.Warn("timescale plan queue full")
		}
	}
}

func (w *Writer) EnqueueBalance(row BalanceRow) {
	if w == nil {
		return
	}
	select {
	case w.balances <- row:
	default:
		if w.dropBalance.Add(1) == 1 {
			w.log.Warn("timescale balance queue full")
		}
	}
}

// BalanceRows flattens an asset map into rows ordered by asset.
func BalanceRows(at time.Time, tickID, strategy string, balances map[string]float64) []BalanceRow {
	assets := make([]string, 0, len(balances))
	for asset := range balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	rows := make([]BalanceRow, 0, len(assets))
	for _, asset := range assets {
		rows = append(rows, BalanceRow{Time: at, TickID: tickID, Strategy: strategy, Asset: asset, Amount: balances[asset]})
	}
	return rows
}

func (w *Writer) Dropped() (plans, balances uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropPlan.Load(), w.dropBalance.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.plans:
			w.writePlan(ctx, row)
		case row := <-w.balances:
			w.writeBalance(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		tick_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		market TEXT NOT NULL,
		reason TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		sell_price DOUBLE PRECISION NOT NULL,
		sell_amount DOUBLE PRECISION NOT NULL,
		buy_price DOUBLE PRECISION NOT NULL,
		buy_amount DOUBLE PRECISION NOT NULL,
		orders INTEGER NOT NULL,
		safe_mode BOOLEAN NOT NULL
	)`, w.table("ladder_plans"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		tick_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		asset TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, strategy, asset)
	)`, w.table("balance_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"ladder_plans", "balance_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePlan(ctx context.Context, row PlanRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, tick_id, strategy, market, reason, price, sell_price, sell_amount,
		buy_price, buy_amount, orders, safe_mode
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)`, w.table("ladder_plans"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.TickID,
		row.Strategy,
		row.Market,
		row.Reason,
		row.Price,
		row.SellPrice,
		row.SellAmount,
		row.BuyPrice,
		row.BuyAmount,
		row.Orders,
		row.SafeMode,
	); err != nil {
		w.log.Warn("timescale plan insert failed", zap.Error(err))
	}
}

func (w *Writer) writeBalance(ctx context.Context, row BalanceRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, tick_id, strategy, asset, amount
	) VALUES (
		$1,$2,$3,$4,$5
	)
	ON CONFLICT (ts, strategy, asset) DO UPDATE SET
		tick_id = EXCLUDED.tick_id,
		amount = EXCLUDED.amount`, w.table("balance_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.TickID,
		row.Strategy,
		row.Asset,
		row.Amount,
	); err != nil {
		w.log.Warn("timescale balance upsert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

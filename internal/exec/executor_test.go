package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dex-liquidity-bot/internal/config"
	"dex-liquidity-bot/internal/dex"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockGateway struct {
	mu        sync.Mutex
	calls     int
	orderID   string
	failures  int
	err       error
	cancelled []string
	borrowed  []string
	adjusted  []string
}

func (m *mockGateway) PlaceOrder(ctx context.Context, market dex.Market, side dex.Side, price, amount float64, expiration time.Duration) (string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	if m.failures > 0 {
		m.failures--
		return "", errors.New("connection reset")
	}
	return m.orderID, nil
}

func (m *mockGateway) CancelOrder(ctx context.Context, orderID string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockGateway) Borrow(ctx context.Context, amount float64, symbol string, ratio float64) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.borrowed = append(m.borrowed, symbol)
	return nil
}

func (m *mockGateway) AdjustDebt(ctx context.Context, delta float64, symbol string, ratio float64) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjusted = append(m.adjusted, fmt.Sprintf("%s:%g", symbol, delta))
	return nil
}

var eur = dex.Market{Quote: "EUR", Base: "BTS"}

func fastRetry() Options {
	return Options{Retry: config.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxTries: 4}}
}

func TestExecutorIdempotentPlacement(t *testing.T) {
	store := newMemoryStore()
	gw := &mockGateway{orderID: "1.7.1"}
	logger := zap.NewNop()
	executor := New(gw, store, logger, fastRetry())

	ctx := context.Background()
	order := Order{Market: eur, Side: dex.SideBuy, Price: 0.0098, Amount: 10, ClientOrderID: "abc"}

	id1, err := executor.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := executor.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same order id, got %s and %s", id1, id2)
	}
	if gw.calls != 1 {
		t.Fatalf("expected 1 gateway call, got %d", gw.calls)
	}

	gw2 := &mockGateway{orderID: "1.7.2"}
	executor2 := New(gw2, store, logger, fastRetry())
	id3, err := executor2.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id3 != id1 {
		t.Fatalf("expected stored order id %s, got %s", id1, id3)
	}
	if gw2.calls != 0 {
		t.Fatalf("expected no gateway calls on restart, got %d", gw2.calls)
	}
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	gw := &mockGateway{orderID: "1.7.9", failures: 2}
	executor := New(gw, nil, zap.NewNop(), fastRetry())
	id, err := executor.PlaceOrder(context.Background(), Order{Market: eur, Side: dex.SideSell, Price: 1, Amount: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "1.7.9" || gw.calls != 3 {
		t.Fatalf("expected success on third attempt, got id=%s calls=%d", id, gw.calls)
	}
}

func TestExecutorGivesUpAfterMaxTries(t *testing.T) {
	gw := &mockGateway{orderID: "1.7.9", failures: 10}
	executor := New(gw, nil, zap.NewNop(), fastRetry())
	if _, err := executor.PlaceOrder(context.Background(), Order{Market: eur, Side: dex.SideSell, Price: 1, Amount: 1}); err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if gw.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", gw.calls)
	}
}

func TestExecutorDoesNotRetryAmountTooSmall(t *testing.T) {
	gw := &mockGateway{err: fmt.Errorf("sell_asset: %w", dex.ErrAmountTooSmall)}
	executor := New(gw, nil, zap.NewNop(), fastRetry())
	_, err := executor.PlaceOrder(context.Background(), Order{Market: eur, Side: dex.SideSell, Price: 1, Amount: 0.00001})
	if !errors.Is(err, dex.ErrAmountTooSmall) {
		t.Fatalf("expected amount too small, got %v", err)
	}
	if gw.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", gw.calls)
	}
	if err := executor.Borrow(context.Background(), 0.0001, "EUR", 2); !errors.Is(err, dex.ErrAmountTooSmall) {
		t.Fatalf("expected borrow to surface amount too small, got %v", err)
	}
}

func TestExecutorSafeModeSuppressesSideEffects(t *testing.T) {
	gw := &mockGateway{orderID: "1.7.1"}
	opts := fastRetry()
	opts.SafeMode = true
	executor := New(gw, nil, zap.NewNop(), opts)
	ctx := context.Background()
	id, err := executor.PlaceOrder(ctx, Order{Market: eur, Side: dex.SideBuy, Price: 1, Amount: 1})
	if err != nil || id != "" {
		t.Fatalf("expected empty id without error, got %q (%v)", id, err)
	}
	if err := executor.CancelOrder(ctx, "1.7.1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := executor.Borrow(ctx, 1, "EUR", 2); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := executor.AdjustDebt(ctx, 1, "EUR", 2); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if gw.calls != 0 || len(gw.cancelled) != 0 || len(gw.borrowed) != 0 || len(gw.adjusted) != 0 {
		t.Fatalf("expected no gateway side effects in safe mode: %+v", gw)
	}
	if !executor.SafeMode() {
		t.Fatalf("expected safe mode flag")
	}
}

func TestExecutorForwardsDebtOperations(t *testing.T) {
	gw := &mockGateway{}
	executor := New(gw, nil, zap.NewNop(), fastRetry())
	ctx := context.Background()
	if err := executor.Borrow(ctx, 14, "EUR", 2.5); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := executor.AdjustDebt(ctx, -3, "USD", 2.5); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if err := executor.CancelOrder(ctx, "1.7.4"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(gw.borrowed) != 1 || gw.adjusted[0] != "USD:-3" || gw.cancelled[0] != "1.7.4" {
		t.Fatalf("unexpected gateway calls: %+v", gw)
	}
}

func TestExecutorRetryHonoursContext(t *testing.T) {
	gw := &mockGateway{failures: 10}
	opts := Options{Retry: config.RetryConfig{InitialInterval: time.Hour, MaxInterval: time.Hour, MaxTries: 5}}
	executor := New(gw, nil, zap.NewNop(), opts)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := executor.PlaceOrder(ctx, Order{Market: eur, Side: dex.SideBuy, Price: 1, Amount: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

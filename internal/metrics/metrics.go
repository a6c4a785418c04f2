package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced    Counter
	OrdersFailed    Counter
	OrdersCancelled Counter
	FillsDetected   Counter
	DebtAdjusted    Counter
	AmountTooSmall  Counter
	TicksCompleted  Counter
	TicksFailed     Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:    n,
		OrdersFailed:    n,
		OrdersCancelled: n,
		FillsDetected:   n,
		DebtAdjusted:    n,
		AmountTooSmall:  n,
		TicksCompleted:  n,
		TicksFailed:     n,
	}
}

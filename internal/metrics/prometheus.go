package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dex_liquidity_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	ordersCancelled prometheus.Counter
	fillsDetected   prometheus.Counter
	debtAdjusted    prometheus.Counter
	amountTooSmall  prometheus.Counter
	ticksCompleted  prometheus.Counter
	ticksFailed     prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry:        registry,
		ordersPlaced:    newCounter("orders_placed_total", "Total number of orders placed."),
		ordersFailed:    newCounter("orders_failed_total", "Total number of order placement failures."),
		ordersCancelled: newCounter("orders_cancelled_total", "Total number of orders cancelled by the bot."),
		fillsDetected:   newCounter("fills_detected_total", "Total number of orders that disappeared from the book."),
		debtAdjusted:    newCounter("debt_adjustments_total", "Total number of borrow and debt adjustment operations."),
		amountTooSmall:  newCounter("amount_too_small_total", "Total number of operations rejected for a dust amount."),
		ticksCompleted:  newCounter("ticks_completed_total", "Total number of working ticks that ran to completion."),
		ticksFailed:     newCounter("ticks_failed_total", "Total number of working ticks aborted by an error."),
	}
	registry.MustRegister(
		p.ordersPlaced,
		p.ordersFailed,
		p.ordersCancelled,
		p.fillsDetected,
		p.debtAdjusted,
		p.amountTooSmall,
		p.ticksCompleted,
		p.ticksFailed,
	)
	p.Metrics = &Metrics{
		OrdersPlaced:    promCounter{p.ordersPlaced},
		OrdersFailed:    promCounter{p.ordersFailed},
		OrdersCancelled: promCounter{p.ordersCancelled},
		FillsDetected:   promCounter{p.fillsDetected},
		DebtAdjusted:    promCounter{p.debtAdjusted},
		AmountTooSmall:  promCounter{p.amountTooSmall},
		TicksCompleted:  promCounter{p.ticksCompleted},
		TicksFailed:     promCounter{p.ticksFailed},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

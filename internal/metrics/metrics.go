// Package metrics exposes Prometheus metrics updated by the trading loop.
//
//   - bot_orders_total{mode,side}      orders placed (mode: simulation|production)
//   - bot_exit_decisions_total{reason} exits decided (roi|stop_loss|sell_signal|force_exit)
//   - bot_cycles_total{result}         evaluation cycles (ok|skipped|error)
//   - bot_cycle_duration_seconds       time spent in one evaluation cycle
//   - bot_open_trades                  positions not yet closed
//   - bot_running                      1 while running, 0 while stopped
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	exitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exit_decisions_total",
			Help: "Exit decisions split by reason",
		},
		[]string{"reason"},
	)

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_cycles_total",
			Help: "Evaluation cycles split by result",
		},
		[]string{"result"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bot_cycle_duration_seconds",
			Help:    "Duration of one evaluation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	openTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_trades",
			Help: "Positions that are not closed",
		},
	)

	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_running",
			Help: "1 while the bot is running, 0 while stopped",
		},
	)
)

func init() {
	prometheus.MustRegister(orders, exitDecisions, cycles, cycleDuration, openTrades, running)
}

func IncOrder(mode, side string)    { orders.WithLabelValues(mode, side).Inc() }
func IncExitDecision(reason string) { exitDecisions.WithLabelValues(reason).Inc() }
func IncCycle(result string)        { cycles.WithLabelValues(result).Inc() }
func ObserveCycle(seconds float64)  { cycleDuration.Observe(seconds) }
func SetOpenTrades(n int)           { openTrades.Set(float64(n)) }

// SetRunning records the run-state as a 0/1 gauge.
func SetRunning(isRunning bool) {
	if isRunning {
		running.Set(1)
	} else {
		running.Set(0)
	}
}

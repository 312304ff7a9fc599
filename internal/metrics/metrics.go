// Package metrics exports search progress as Prometheus metrics.
package metrics

import (
	"github.com/atlas-desktop/strategy-optimizer/internal/objective"
	"github.com/atlas-desktop/strategy-optimizer/internal/optimization"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hyperopt"

// Collector owns the optimizer metrics. Each search gets its own Observer
// through ForRun so series are labelled by strategy.
type Collector struct {
	RunsStarted        *prometheus.CounterVec
	RunsFinished       *prometheus.CounterVec
	RunsActive         prometheus.Gauge
	Evaluations        *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	BestScore          *prometheus.GaugeVec
	Trades             *prometheus.HistogramVec
}

// NewCollector creates the metrics and registers them with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		RunsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of searches started (by strategy and method).",
			},
			[]string{"strategy", "method"},
		),
		RunsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of searches finished (by strategy and outcome).",
			},
			[]string{"strategy", "outcome"},
		),
		RunsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Number of searches currently running.",
			},
		),
		Evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of evaluated parameter sets (by strategy and status).",
			},
			[]string{"strategy", "status"},
		),
		EvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Wall time of one signal evaluation and simulation.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"strategy"},
		),
		BestScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "best_score",
				Help:      "Best objective score of the latest search per strategy.",
			},
			[]string{"strategy"},
		),
		Trades: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "trades_per_evaluation",
				Help:      "Number of closed trades produced by one evaluation.",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"strategy"},
		),
	}
	reg.MustRegister(
		c.RunsStarted,
		c.RunsFinished,
		c.RunsActive,
		c.Evaluations,
		c.EvaluationDuration,
		c.BestScore,
		c.Trades,
	)
	return c
}

// ForRun returns an observer that records one search of strategy
func (c *Collector) ForRun(strategy string) optimization.Observer {
	return &runObserver{c: c, strategy: strategy}
}

type runObserver struct {
	c        *Collector
	strategy string
}

func (o *runObserver) OnStart(method optimization.OptimizationMethod, _ int) {
	o.c.RunsStarted.WithLabelValues(o.strategy, string(method)).Inc()
	o.c.RunsActive.Inc()
}

func (o *runObserver) OnResult(result *optimization.SearchResult, best optimization.SearchResult, improved bool) {
	status := "ok"
	switch {
	case result.Failed():
		status = "failed"
	case result.NoTrades:
		status = "no_trades"
	}
	o.c.Evaluations.WithLabelValues(o.strategy, status).Inc()
	o.c.EvaluationDuration.WithLabelValues(o.strategy).Observe(result.Duration.Seconds())
	if !result.Failed() {
		o.c.Trades.WithLabelValues(o.strategy).Observe(float64(result.NumTrades))
	}
	if improved && best.Score > objective.NoTradesScore {
		o.c.BestScore.WithLabelValues(o.strategy).Set(best.Score)
	}
}

func (o *runObserver) OnFinish(result *optimization.OptimizationResult) {
	outcome := "completed"
	switch {
	case result.Cancelled:
		outcome = "cancelled"
	case result.NoTradesFound:
		outcome = "no_trades"
	}
	o.c.RunsFinished.WithLabelValues(o.strategy, outcome).Inc()
	o.c.RunsActive.Dec()
}

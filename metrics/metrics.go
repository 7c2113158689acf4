// Package metrics holds the Prometheus collectors updated during an
// invocation:
//
//	riskengine_entries_total{symbol}        - positions opened
//	riskengine_exits_total{state,reason}    - positions closed by exit state
//	riskengine_blocked_total{reason}        - sizing and ledger refusals
//	riskengine_skipped_total{reason}        - locked, already open, advisor cancel
//	riskengine_critical_total{kind}         - alerts that page a human
//	riskengine_risk_in_use_usd              - ledger total after the cycle
//	riskengine_reconcile_orphans            - orphans adopted in the last pass
//	riskengine_reconcile_ghosts             - ghosts removed in the last pass
//	riskengine_store_scan_fallback_total    - open-position loads that fell back to a full scan
//	riskengine_cycle_duration_seconds       - wall time per cycle
//
// Invocations are short lived so nothing is scraped; Push sends the registry
// to a Pushgateway when one is configured.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

type Metrics struct {
	Registry *prometheus.Registry

	Entries       *prometheus.CounterVec
	Exits         *prometheus.CounterVec
	Blocked       *prometheus.CounterVec
	Skipped       *prometheus.CounterVec
	Critical      *prometheus.CounterVec
	RiskInUse     prometheus.Gauge
	Orphans       prometheus.Gauge
	Ghosts        prometheus.Gauge
	ScanFallback  prometheus.Counter
	CycleDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		Entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_entries_total",
				Help: "Positions opened",
			},
			[]string{"symbol"},
		),
		Exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_exits_total",
				Help: "Positions closed split by exit state and reason",
			},
			[]string{"state", "reason"},
		),
		Blocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_blocked_total",
				Help: "Entries refused by risk policy",
			},
			[]string{"reason"},
		),
		Skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_skipped_total",
				Help: "Entries skipped before sizing",
			},
			[]string{"reason"},
		),
		Critical: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskengine_critical_total",
				Help: "Critical accounting alerts",
			},
			[]string{"kind"},
		),
		RiskInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskengine_risk_in_use_usd",
				Help: "Portfolio risk in use according to the ledger",
			},
		),
		Orphans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskengine_reconcile_orphans",
				Help: "Orphan positions adopted in the last reconciliation",
			},
		),
		Ghosts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskengine_reconcile_ghosts",
				Help: "Ghost positions removed in the last reconciliation",
			},
		),
		ScanFallback: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "riskengine_store_scan_fallback_total",
				Help: "Open-position loads served by a full table scan",
			},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "riskengine_cycle_duration_seconds",
				Help:    "Wall time of one lifecycle cycle",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
	}

	m.Registry.MustRegister(
		m.Entries,
		m.Exits,
		m.Blocked,
		m.Skipped,
		m.Critical,
		m.RiskInUse,
		m.Orphans,
		m.Ghosts,
		m.ScanFallback,
		m.CycleDuration,
	)
	return m
}

// Push sends every collector to the Pushgateway at url under job. The
// instance grouping keeps overlapping invocations from overwriting each other.
func (m *Metrics) Push(ctx context.Context, url, job, instance string) error {
	if url == "" {
		return nil
	}
	p := push.New(url, job).Gatherer(m.Registry)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	return p.PushContext(ctx)
}

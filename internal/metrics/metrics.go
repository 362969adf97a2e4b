package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the one registry-backed bundle shared by the modules.
type Metrics struct {
	OrdersExecuted *prometheus.CounterVec // result: ok|rejected|failed
	BreakerState   *prometheus.GaugeVec   // category; 0 closed, 1 half-open, 2 open
	ReconFindings  *prometheus.CounterVec // kind: orphan|zombie
	OpenPositions  prometheus.Gauge
	ActiveBrackets prometheus.Gauge
	Equity         prometheus.Gauge
	SnapshotSaves  prometheus.Counter
	InboxDropped   prometheus.Counter
	WatchdogStalls prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		OrdersExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "croupier", Name: "orders_executed_total",
			Help: "Decisions executed, by result.",
		}, []string{"result"}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "croupier", Name: "breaker_state",
			Help: "Circuit breaker state per call category (0 closed, 1 half-open, 2 open).",
		}, []string{"category"}),
		ReconFindings: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "croupier", Name: "recon_findings_total",
			Help: "Discrepancies found by reconciliation, by kind.",
		}, []string{"kind"}),
		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "croupier", Name: "open_positions",
			Help: "Currently open positions.",
		}),
		ActiveBrackets: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "croupier", Name: "active_brackets",
			Help: "Brackets in a non-terminal state.",
		}),
		Equity: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "croupier", Name: "equity",
			Help: "Last known account equity.",
		}),
		SnapshotSaves: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "croupier", Name: "snapshot_saves_total",
			Help: "State snapshots written.",
		}),
		InboxDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "croupier", Name: "inbox_dropped_total",
			Help: "Decisions evicted from a full inbox.",
		}),
		WatchdogStalls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "croupier", Name: "watchdog_stalls_total",
			Help: "Stalls detected by the watchdog.",
		}),
	}
}

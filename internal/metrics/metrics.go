// Package metrics holds the Prometheus collectors of the ledger processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ChainHeight         prometheus.Gauge
	SyncHeight          prometheus.Gauge
	ShardOwned          prometheus.Gauge
	DroppedTicks        *prometheus.CounterVec
	PassDuration        *prometheus.HistogramVec
	PassErrors          *prometheus.CounterVec
	DepositsSettled     prometheus.Counter
	SweepsSent          prometheus.Counter
	WithdrawalAttempts  prometheus.Counter
	WithdrawalsSettled  prometheus.Counter
	WithdrawalsCanceled prometheus.Counter
	TransfersSettled    prometheus.Counter
	EventsPublished     *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChainHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_chain_height",
			Help: "Latest block height reported by the chain node",
		}),
		SyncHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_sync_from_block_height",
			Help: "Next block height the worker will fetch",
		}),
		ShardOwned: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_shard_keys_owned",
			Help: "Size of the shard key range owned by this worker",
		}),
		DroppedTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_scheduler_dropped_ticks_total",
			Help: "Ticks dropped because the previous pass was still running",
		}, []string{"task"}),
		PassDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_pass_duration_seconds",
			Help:    "Duration of settlement passes",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		}, []string{"task"}),
		PassErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_pass_errors_total",
			Help: "Settlement passes aborted by an error",
		}, []string{"task"}),
		DepositsSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_deposits_settled_total",
			Help: "Deposits credited after reaching confirmation depth",
		}),
		SweepsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_sweeps_sent_total",
			Help: "Deposit wallet sweeps broadcast to the custody wallet",
		}),
		WithdrawalAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_withdrawal_attempts_total",
			Help: "Withdrawal broadcast attempts",
		}),
		WithdrawalsSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_withdrawals_settled_total",
			Help: "Withdrawals confirmed on chain",
		}),
		WithdrawalsCanceled: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_withdrawals_canceled_total",
			Help: "Withdrawals canceled and refunded",
		}),
		TransfersSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_transfer_rows_settled_total",
			Help: "Transfer ledger rows settled",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_outbox_events_total",
			Help: "Outbox events by publish result",
		}, []string{"result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"route"}),
	}
}

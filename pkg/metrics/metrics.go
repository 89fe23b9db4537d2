package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BidsIngested counts bids accepted by ingress and published to the queue.
var BidsIngested = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "auctiond_bids_ingested_total",
		Help: "Total number of bids published to the lot queue",
	},
)

// BidsSettled counts settlement outcomes by result (accepted/rejected) and,
// for rejections, the reason.
var BidsSettled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "auctiond_bids_settled_total",
		Help: "Total number of bids settled by outcome",
	},
	[]string{"outcome", "reason"},
)

// DuplicateMessages counts redelivered queue messages skipped by the worker.
var DuplicateMessages = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "auctiond_duplicate_messages_total",
		Help: "Total number of redelivered lot messages skipped as duplicates",
	},
)

// SettlementLatency records per-message settlement transaction latency.
var SettlementLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "auctiond_settlement_latency_seconds",
		Help:    "Latency in seconds of the settlement transaction per message",
		Buckets: prometheus.DefBuckets,
	},
)

// LotsFinalized counts lots reaching a terminal status.
var LotsFinalized = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "auctiond_lots_finalized_total",
		Help: "Total number of lots finalized by terminal status",
	},
	[]string{"status"},
)

// FanoutSubscribers tracks currently connected fan-out clients.
var FanoutSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "auctiond_fanout_subscribers",
		Help: "Number of currently connected notification subscribers",
	},
)

// Register registers all collectors on the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		BidsIngested,
		BidsSettled,
		DuplicateMessages,
		SettlementLatency,
		LotsFinalized,
		FanoutSubscribers,
	)
}

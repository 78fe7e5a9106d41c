package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the listener. Scraped via the /metrics endpoint
// when MONITOR_ADDR is set; package-level so every component can record
// without plumbing a registry through constructors.
var (
	// Pipeline metrics
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "web3_events_emitted_total",
		Help: "Transfer events handed to the sink, by type (pending|confirmed)",
	}, []string{"type"})

	BlocksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "web3_blocks_processed_total",
		Help: "Blocks fetched and scanned for watched transfers",
	})

	LastProcessedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "web3_last_processed_block",
		Help: "Highest block number processed so far",
	})

	GapsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "web3_gaps_detected_total",
		Help: "Head notifications that arrived with missing blocks in between",
	})

	BlocksBackfilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "web3_blocks_backfilled_total",
		Help: "Blocks fetched by gap or reconnection backfill",
	})

	BackfillErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "web3_backfill_errors_total",
		Help: "Backfill block fetches that failed and were skipped",
	})

	PendingHashesSeen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "web3_pending_hashes_seen_total",
		Help: "Mempool transaction hashes received from the subscription",
	})

	PendingLookupErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "web3_pending_lookup_errors_total",
		Help: "Pending transaction lookups that failed (tx usually vanished)",
	})

	DedupSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "web3_dedup_entries",
		Help: "Transaction hashes currently held in the dedup cache",
	})

	PendingTasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "web3_pending_tasks_dropped_total",
		Help: "Pending lookups dropped because the worker queue was full",
	})

	// Endpoint pool metrics
	ActiveEndpoint = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "web3_active_endpoint",
		Help: "1 for the endpoint currently carrying the stream, 0 otherwise",
	}, []string{"endpoint"})

	EndpointFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "web3_endpoint_failures_total",
		Help: "Failures attributed to an endpoint, by endpoint URL",
	}, []string{"endpoint"})

	EndpointRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "web3_endpoint_rotations_total",
		Help: "Active-connection rotations, by reason (disconnect|rate_limited)",
	}, []string{"reason"})

	Reconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "web3_reconnections_total",
		Help: "Successful reconnections after losing the active connection",
	})

	// Sink metrics
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "web3_sink_errors_total",
		Help: "Event emissions that failed, by sink (nats|log)",
	}, []string{"sink"})
)

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the ingestion pipeline.
var (
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensea_requests_total",
			Help: "Total number of event page requests by response class",
		},
		[]string{"result"},
	)

	UpstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensea_retries_total",
			Help: "Total number of retried event page requests by reason",
		},
		[]string{"reason"},
	)

	EventsFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_fetched_total",
			Help: "Total number of raw events read from the upstream",
		},
		[]string{"project"},
	)

	SalesInsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_sales_inserted_total",
			Help: "Total number of new sales persisted",
		},
		[]string{"project"},
	)

	SalesDuplicateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_sales_duplicate_total",
			Help: "Total number of sales already present in the store",
		},
		[]string{"project"},
	)

	EventsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_skipped_total",
			Help: "Total number of raw events that produced no sale",
		},
		[]string{"reason"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runs_total",
			Help: "Total number of ingestion runs by outcome",
		},
		[]string{"project", "status"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_run_duration_seconds",
			Help:    "Duration of ingestion runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"project"},
	)
)

// Register registers all pipeline metrics with the given registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		UpstreamRequestsTotal,
		UpstreamRetriesTotal,
		EventsFetchedTotal,
		SalesInsertedTotal,
		SalesDuplicateTotal,
		EventsSkippedTotal,
		RunsTotal,
		RunDuration,
	)
}

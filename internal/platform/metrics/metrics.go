package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	RecordsFetched    prometheus.Counter
	RecordsInserted   prometheus.Counter
	RecordsUpdated    prometheus.Counter
	RecordsSkipped    prometheus.Counter
	PartitionsDone    *prometheus.CounterVec
	APIRequests       *prometheus.CounterVec
	APIRetries        prometheus.Counter
	BatchBisections   prometheus.Counter
	InFlightWorkers   prometheus.Gauge
	PartitionDuration prometheus.Histogram
}

// New creates and registers all Prometheus metrics via the default registry.
func New() *Metrics {
	return &Metrics{
		RecordsFetched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "landprice_records_fetched_total",
			Help: "Raw records received from the upstream API",
		}),
		RecordsInserted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "landprice_records_inserted_total",
			Help: "Transactions newly inserted into the store",
		}),
		RecordsUpdated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "landprice_records_updated_total",
			Help: "Transactions updated on source_hash conflict",
		}),
		RecordsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "landprice_records_skipped_total",
			Help: "Records skipped during normalization",
		}),
		PartitionsDone: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "landprice_partitions_total",
			Help: "Partitions finished, labelled by outcome",
		}, []string{"outcome"}),
		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "landprice_api_requests_total",
			Help: "Upstream API requests, labelled by status class",
		}, []string{"status"}),
		APIRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "landprice_api_retries_total",
			Help: "Upstream requests retried after a transient failure",
		}),
		BatchBisections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "landprice_batch_bisections_total",
			Help: "Batches retried at reduced size after a load failure",
		}),
		InFlightWorkers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "landprice_inflight_workers",
			Help: "Partition workers currently running",
		}),
		PartitionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "landprice_partition_duration_seconds",
			Help:    "Wall time to fully process one partition",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}

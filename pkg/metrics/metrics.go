package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ObjectStorePieces tracks the number of pieces currently on disk.
	ObjectStorePieces = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_objectstore_pieces_total",
			Help: "Total number of pieces resident in the object store.",
		},
	)

	// ObjectStoreBytesReclaimed counts bytes reclaimed by garbage collection.
	ObjectStoreBytesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_objectstore_gc_bytes_reclaimed_total",
			Help: "Total bytes reclaimed by garbage collection.",
		},
	)

	// ObjectStoreGCDuration observes a single GC sweep's latency.
	ObjectStoreGCDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_objectstore_gc_duration_seconds",
			Help:    "Time taken by a garbage collection sweep.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CommitGraphHeads tracks the current head count per page.
	CommitGraphHeads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_commitgraph_heads",
			Help: "Current number of heads for a page.",
		},
		[]string{"page_id"},
	)

	// MergesTotal counts merges performed, by policy.
	MergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_merges_total",
			Help: "Total number of merge commits produced, by policy.",
		},
		[]string{"policy"},
	)

	// MergeDuration observes merge wall-clock latency.
	MergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_merge_duration_seconds",
			Help:    "Time taken to resolve a multi-head state into a single head.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// UploadState tracks the current state of each page's upload state machine.
	// Value is 1 for the active state, 0 otherwise, keyed by (page_id, state).
	UploadState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_cloud_upload_state",
			Help: "Current upload state machine state for a page (1 = active).",
		},
		[]string{"page_id", "state"},
	)

	// UnsyncedCommits tracks the size of the unsynced-commit set per page.
	UnsyncedCommits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_cloud_unsynced_commits",
			Help: "Number of commits not yet acknowledged by the cloud.",
		},
		[]string{"page_id"},
	)

	// CloudRPCRetries counts backoff-triggered retries, by operation.
	CloudRPCRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_cloud_rpc_retries_total",
			Help: "Total number of cloud RPC retries triggered by backoff.",
		},
		[]string{"operation"},
	)

	// P2PInterestedPeers tracks the number of interested peers per page.
	P2PInterestedPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_p2p_interested_peers",
			Help: "Number of peers currently interested in a page.",
		},
		[]string{"page_id"},
	)
)

// Register registers all collectors with the default Prometheus registry.
func Register() {
	prometheus.MustRegister(ObjectStorePieces)
	prometheus.MustRegister(ObjectStoreBytesReclaimed)
	prometheus.MustRegister(ObjectStoreGCDuration)
	prometheus.MustRegister(CommitGraphHeads)
	prometheus.MustRegister(MergesTotal)
	prometheus.MustRegister(MergeDuration)
	prometheus.MustRegister(UploadState)
	prometheus.MustRegister(UnsyncedCommits)
	prometheus.MustRegister(CloudRPCRetries)
	prometheus.MustRegister(P2PInterestedPeers)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

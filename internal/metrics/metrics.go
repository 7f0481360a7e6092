// Package metrics exposes the server's Prometheus collectors. The teacher's
// go.mod already vendors prometheus/client_golang; no file in the retrieval
// pack actually registers a collector with it, so this package is authored
// fresh, following promauto's standard MustRegister-at-construction idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's registered collectors (§4.5 RPC traffic,
// §4.8 retention/GC activity). Only the RPC collectors are updated, through
// ObserveRPC; nothing in the server increments the blob or retention
// counters, so they stay at zero.
type Metrics struct {
	RPCRequestsTotal   *prometheus.CounterVec
	RPCDurationSeconds *prometheus.HistogramVec

	BlobsStoredTotal  prometheus.Counter
	BlobsServedTotal  prometheus.Counter
	BlobBytesStored   prometheus.Counter
	BlobBytesServed   prometheus.Counter

	SnapshotsCreatedTotal  prometheus.Counter
	VersionsPrunedTotal    prometheus.Counter
	OrphanBlobsDeletedTotal prometheus.Counter
}

// New creates and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across test runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RPCRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rammingen",
			Name:      "rpc_requests_total",
			Help:      "Total RPC requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),

		RPCDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rammingen",
			Name:      "rpc_duration_seconds",
			Help:      "RPC handler latency by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		BlobsStoredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rammingen", Name: "blobs_stored_total", Help: "Total blobs stored.",
		}),
		BlobsServedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rammingen", Name: "blobs_served_total", Help: "Total blobs served to clients.",
		}),
		BlobBytesStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rammingen", Name: "blob_bytes_stored_total", Help: "Total encrypted bytes stored.",
		}),
		BlobBytesServed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rammingen", Name: "blob_bytes_served_total", Help: "Total encrypted bytes served.",
		}),

		SnapshotsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rammingen", Name: "snapshots_created_total", Help: "Total retention snapshots created.",
		}),
		VersionsPrunedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rammingen", Name: "versions_pruned_total", Help: "Total EntryVersion rows pruned by retention.",
		}),
		OrphanBlobsDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rammingen", Name: "orphan_blobs_deleted_total", Help: "Total orphaned content blobs garbage collected.",
		}),
	}
}

// ObserveRPC records one RPC call's outcome and latency.
func (m *Metrics) ObserveRPC(endpoint, outcome string, seconds float64) {
	m.RPCRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.RPCDurationSeconds.WithLabelValues(endpoint).Observe(seconds)
}

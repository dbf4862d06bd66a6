package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	metricCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_cache_hits_total",
			Help: "Total number of page cache hits",
		},
	)

	metricCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_cache_misses_total",
			Help: "Total number of page cache misses",
		},
	)

	metricPagesFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_pages_fetched_total",
			Help: "Total number of pages read from the device",
		},
	)

	metricPagesFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_pages_flushed_total",
			Help: "Total number of pages written to the device",
		},
	)

	metricPagesIndex = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_pages_allocated_index_total",
			Help: "Total number of btree pages allocated",
		},
	)

	metricPagesBlob = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_pages_allocated_blob_total",
			Help: "Total number of blob pages allocated",
		},
	)

	metricPagesFreelist = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_pages_allocated_freelist_total",
			Help: "Total number of freelist pages allocated",
		},
	)

	metricBlobsAllocated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_blobs_allocated_total",
			Help: "Total number of blobs allocated",
		},
	)

	metricBlobsRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_blobs_read_total",
			Help: "Total number of blob reads",
		},
	)

	metricLogAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_log_appends_total",
			Help: "Total number of page images appended to the redo log",
		},
	)

	metricJournalAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_journal_appends_total",
			Help: "Total number of journal entries appended",
		},
	)

	metricTxnsCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_txns_committed_total",
			Help: "Total number of committed transactions",
		},
	)

	metricTxnsAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hamdb_txns_aborted_total",
			Help: "Total number of aborted transactions",
		},
	)
)

// metricValue snapshots a counter for the Metrics() struct.
func metricValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}

// Collectors returns the engine's prometheus collectors for registration
// with a caller-owned registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		metricCacheHits,
		metricCacheMisses,
		metricPagesFetched,
		metricPagesFlushed,
		metricPagesIndex,
		metricPagesBlob,
		metricPagesFreelist,
		metricBlobsAllocated,
		metricBlobsRead,
		metricLogAppends,
		metricJournalAppends,
		metricTxnsCommitted,
		metricTxnsAborted,
	}
}

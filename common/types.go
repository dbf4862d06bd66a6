package common

// Metrics is a point-in-time snapshot of the engine's internal counters.
// The prometheus collectors expose the same numbers for scraping; this
// struct serves callers that want them programmatically.
type Metrics struct {
	// Cache
	CacheHits     uint64
	CacheMisses   uint64
	CacheElements uint64

	// PageManager
	PagesFetched       uint64
	PagesFlushed       uint64
	PageCountIndex     uint64
	PageCountBlob      uint64
	PageCountFreelist  uint64

	// Freelist
	FreelistHits   uint64
	FreelistMisses uint64

	// BlobManager
	BlobsAllocated uint64
	BlobsRead      uint64

	// Durability
	LogAppends     uint64
	JournalAppends uint64

	// Transactions
	TxnsCommitted uint64
	TxnsAborted   uint64
}

// Iterator walks a sequence of key-value pairs in key order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

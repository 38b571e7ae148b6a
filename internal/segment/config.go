package segment

type Config struct {
	SegmentMaxBytes int64
	IndexMaxBytes   int64

	// IndexIntervalBytes is the minimum number of log bytes appended
	// between successive index entries. A batch is indexed only once at
	// least this many bytes have accumulated since the last indexed
	// position, matching Kafka's own sparse-indexing interval instead of
	// indexing every batch.
	IndexIntervalBytes int64
}

func DefaultConfig() Config {
	return Config{
		SegmentMaxBytes:    1 << 30,  // 1GB
		IndexMaxBytes:      10 << 20, // 10MB
		IndexIntervalBytes: 4096,     // 4KB, matches Kafka's log.index.interval.bytes default
	}
}

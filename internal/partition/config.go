package partition

import "lightkafka/internal/segment"

type PartitionConfig struct {
	SegmentConfig segment.Config

	RetentionMs              int64
	RetentionBytes           int64
	RetentionCheckIntervalMs int64

	// FileDelayDeleteMs delays the physical removal of a retention- or
	// compaction-evicted segment's files by this many milliseconds after
	// it stops being addressable, giving an in-flight reader time to
	// finish. Zero or negative deletes immediately.
	FileDelayDeleteMs int64
}

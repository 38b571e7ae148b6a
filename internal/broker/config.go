package broker

import (
	"time"

	"lightkafka/internal/cleaner"
	"lightkafka/internal/group"
	"lightkafka/internal/partition"
	"lightkafka/internal/retention"
)

// TODO: TopicConfig 추가 시 BrokerConfig → TopicConfig → PartitionConfig 계층 병합 추가
type Config struct {
	ListenAddr string
	BaseDir    string
	Topic      string

	PartitionConfig partition.PartitionConfig

	// RetentionConfig drives the size/time segment-deletion sweep, distinct
	// from compaction.
	RetentionConfig retention.CleanerConfig

	// CompactionConfig drives the CleanerManager's background compaction
	// threads.
	CompactionConfig cleaner.ManagerConfig

	// FetchMinBytes and FetchMaxWaitMs are the defaults a consumer fetch
	// falls back to when its own request fields are zero.
	FetchMinBytes   int32
	FetchMaxWaitMs  int64
	FetchReaperTick time.Duration

	GroupConfig group.Config
}

// DefaultFetchMinBytes replaces a zero Config.FetchMinBytes in NewBroker.
// DefaultFetchMaxWaitMs is not referenced; a zero Config.FetchMaxWaitMs
// stays zero.
const (
	DefaultFetchMinBytes  int32 = 1
	DefaultFetchMaxWaitMs int64 = 0
)

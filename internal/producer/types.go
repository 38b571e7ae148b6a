// Package producer implements the record accumulator (C4): a thread-safe,
// per-partition batching queue backed by a single bounded buffer pool,
// shared by many producer threads and drained by one dispatcher.
package producer

import "fmt"

// TopicPartition identifies a destination partition.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// Callback is invoked exactly once per appended record once its batch's
// fate (success or failure) is known. On success offset is the record's
// absolute log offset; on failure offset is -1 and err is set.
type Callback func(offset int64, err error)

// Cluster resolves a partition's current leader, the only piece of
// cluster state the accumulator needs to decide readiness and drain
// targets.
type Cluster interface {
	LeaderFor(tp TopicPartition) (nodeID int32, ok bool)
}

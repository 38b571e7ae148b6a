// Package cleaner implements the background log-compaction engine: the
// OffsetMap deduplication index (C1a), the per-cycle Cleaner (C1b), and the
// CleanerManager that selects cleaning targets and owns the checkpoint file
// (C1c).
package cleaner

import (
	"fmt"

	"lightkafka/internal/segment"
)

// TopicPartition identifies a single partition's log, used as the
// CleanerManager's state-table and checkpoint key. Logs are always
// addressed by this value, never by pointer, so the manager's bookkeeping
// survives a log being closed and reopened across restarts.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// CleaningPolicy selects whether a partition is eligible for compaction.
// Only PolicyCompact partitions are ever considered by grabFilthiest.
type CleaningPolicy int

const (
	PolicyDelete CleaningPolicy = iota
	PolicyCompact
)

// Log is the external collaborator a Cleaner and CleanerManager operate
// against: the commit log for one partition. Segment creation, rolling, and
// (for the active segment) deletion remain the log's own responsibility;
// the cleaner only ever reads existing segments and, on a successful cycle,
// installs one replacement segment per group via ReplaceSegments.
type Log interface {
	// Dir is the partition's on-disk directory, used to place ".cleaned"
	// and ".swap" artifacts alongside the live segment files.
	Dir() string

	// SegmentConfig is the segment layout (max sizes, index interval)
	// new cleaned segments are built with.
	SegmentConfig() segment.Config

	// ActiveBaseOffset is the base offset of the segment currently being
	// appended to. It is excluded from every cleaning cycle.
	ActiveBaseOffset() int64

	// SegmentBaseOffsets returns every segment's base offset, ascending,
	// including the active segment's.
	SegmentBaseOffsets() []int64

	// OpenSegment opens the segment rooted at baseOffset for the
	// cleaner's exclusive, read-only use during one cleaning cycle. The
	// cleaner closes every segment it opens this way once the cycle (or
	// the group using it) finishes.
	OpenSegment(baseOffset int64) (*segment.Segment, error)

	// ReplaceSegments installs the already-written-and-renamed-to-.swap
	// segment rooted at newBaseOffset in place of the contiguous run
	// oldBaseOffsets, atomically from the log's readers' point of view,
	// then closes and deletes the old segments' files.
	ReplaceSegments(oldBaseOffsets []int64, newBaseOffset int64) error
}

// LogToClean describes one candidate selected by grabFilthiest: the log to
// clean, the offset below which it was already compacted, and the byte
// accounting used to rank candidates by cleanableRatio.
type LogToClean struct {
	Partition        TopicPartition
	Log              Log
	FirstDirtyOffset int64
	CleanBytes       int64
	DirtyBytes       int64
}

// CleanableRatio is dirtyBytes / (cleanBytes + dirtyBytes); grabFilthiest
// picks the candidate with the largest ratio above minCleanableRatio.
func (l LogToClean) CleanableRatio() float64 {
	total := l.CleanBytes + l.DirtyBytes
	if total == 0 {
		return 0
	}
	return float64(l.DirtyBytes) / float64(total)
}

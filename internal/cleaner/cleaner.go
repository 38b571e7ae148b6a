package cleaner

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"lightkafka/internal/message"
	"lightkafka/internal/segment"
)

// Config holds the cleaner's per-thread tuning knobs.
type Config struct {
	DedupeBufferSize       int64
	DedupeBufferLoadFactor float64
	IoBufferSize           int64
	MaxIoBufferSize        int64
	MaxIoBytesPerSecond    int64
	DeleteRetentionMs      int64
}

// DefaultConfig returns conservative defaults suitable for a single-node
// deployment.
func DefaultConfig() Config {
	return Config{
		DedupeBufferSize:       128 << 20,
		DedupeBufferLoadFactor: 0.9,
		IoBufferSize:           64 << 10,
		MaxIoBufferSize:        32 << 20,
		MaxIoBytesPerSecond:    0,
		DeleteRetentionMs:      24 * 60 * 60 * 1000,
	}
}

// CheckDoneFunc is invoked at every safe point during a cleaning cycle (once
// per segment, and once per batch within cleanInto's scan) so the caller can
// interrupt the cycle. It returns ErrCleaningAborted or ErrThreadShutdown,
// or nil to continue.
type CheckDoneFunc func() error

// Cleaner performs one compaction cycle at a time (C1b). A CleanerManager
// owns a pool of these, one per background thread.
type Cleaner struct {
	id        int
	config    Config
	throttle  *throttler
	logger    *zap.Logger
}

// NewCleaner constructs a cleaner thread identified by id, sharing throttle
// across however many Cleaner instances the manager creates so the
// configured maxIoBytesPerSecond is a true global cap.
func NewCleaner(id int, config Config, throttle *throttler, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{id: id, config: config, throttle: throttle, logger: logger}
}

// Clean runs one cycle over log, starting from firstDirtyOffset, and
// returns the new first-dirty offset the caller should checkpoint.
func (c *Cleaner) Clean(tp TopicPartition, log Log, firstDirtyOffset int64, checkDone CheckDoneFunc) (int64, error) {
	upperBound := log.ActiveBaseOffset()
	allOffsets := log.SegmentBaseOffsets()

	dirtyStart := segmentIndexForOffset(allOffsets, firstDirtyOffset)
	if dirtyStart >= len(allOffsets) || allOffsets[dirtyStart] >= upperBound {
		return firstDirtyOffset, nil // nothing dirty below the active segment
	}

	offsetMap := NewOffsetMap(c.config.DedupeBufferSize, c.config.DedupeBufferLoadFactor)

	endOffset, err := c.buildOffsetMap(log, allOffsets[dirtyStart:], upperBound, offsetMap, checkDone)
	if err != nil {
		return firstDirtyOffset, err
	}

	deleteHorizon := c.computeDeleteHorizon(log, allOffsets, dirtyStart)

	groups, err := groupSegments(log, allOffsets, endOffset, checkDone)
	if err != nil {
		return firstDirtyOffset, err
	}

	for _, group := range groups {
		if err := checkDone(); err != nil {
			return firstDirtyOffset, err
		}
		if err := c.cleanSegments(tp, log, group, offsetMap, deleteHorizon, checkDone); err != nil {
			return firstDirtyOffset, err
		}
	}

	return endOffset, nil
}

// buildOffsetMap scans dirty segments in ascending order, indexing every
// keyed record's latest offset, stopping as soon as the map fills or the
// active segment is reached. It returns the offset one past the last
// segment that was fully indexed.
func (c *Cleaner) buildOffsetMap(log Log, dirtySegments []int64, upperBound int64, offsetMap *OffsetMap, checkDone CheckDoneFunc) (int64, error) {
	endOffset := int64(-1)
	fullyIndexed := 0

	for _, base := range dirtySegments {
		if base >= upperBound {
			break
		}
		if err := checkDone(); err != nil {
			return 0, err
		}

		seg, err := log.OpenSegment(base)
		if err != nil {
			return 0, err
		}

		filled := false
		scanErr := seg.ForEachBatch(func(raw []byte, _ int64) error {
			if err := checkDone(); err != nil {
				return err
			}
			batch, err := message.DecodeBatch(raw)
			if err != nil {
				return err
			}
			it, err := batch.Records()
			if err != nil {
				return err
			}
			var rec message.Record
			for it.Next(&rec) {
				if rec.Key == nil {
					continue
				}
				if !offsetMap.Put(rec.Key, rec.Offset) {
					filled = true
					return errStopScan
				}
				c.throttle.recordAndWait(len(raw))
			}
			return nil
		})
		nextBase := seg.NextOffset
		seg.Close()

		if scanErr != nil && scanErr != errStopScan {
			return 0, scanErr
		}
		if filled {
			break
		}
		endOffset = nextBase
		fullyIndexed++
	}

	if fullyIndexed == 0 {
		return 0, ErrDedupeBufferTooSmall
	}
	return endOffset, nil
}

var errStopScan = fmt.Errorf("offset map full")

// computeDeleteHorizon is the last-modified time of the newest segment in
// the already-clean prefix (segments before dirtyStart), minus the
// configured tombstone retention. With no clean prefix yet (or when that
// segment cannot be opened), the horizon is the zero time plus retention,
// so every tombstone in the very first cycle is retained.
func (c *Cleaner) computeDeleteHorizon(log Log, allOffsets []int64, dirtyStart int) time.Time {
	retention := time.Duration(c.config.DeleteRetentionMs) * time.Millisecond
	if dirtyStart == 0 {
		return time.Time{}.Add(retention) // never before the epoch; still lets every tombstone pass retainDeletes
	}
	newestCleanBase := allOffsets[dirtyStart-1]
	seg, err := log.OpenSegment(newestCleanBase)
	if err != nil {
		return time.Time{}.Add(retention)
	}
	modified := seg.LastModified()
	seg.Close()
	return modified.Add(-retention)
}

// cleanSegments builds one replacement segment for group (a contiguous run
// of base offsets), installs it via the crash-safe .cleaned -> .swap
// protocol, and asks log to splice it in and retire the originals.
func (c *Cleaner) cleanSegments(tp TopicPartition, log Log, group []int64, offsetMap *OffsetMap, deleteHorizon time.Time, checkDone CheckDoneFunc) (err error) {
	newBaseOffset := group[0]
	dir := log.Dir()
	cleanedLogPath := segment.LogPath(dir, newBaseOffset, ".cleaned")
	cleanedIdxPath := segment.IndexPath(dir, newBaseOffset, ".cleaned")

	dest, err := segment.NewSegmentAtPaths(cleanedLogPath, cleanedIdxPath, newBaseOffset, log.SegmentConfig())
	if err != nil {
		return err
	}

	success := false
	defer func() {
		if !success {
			dest.Close()
			dest.Delete()
		}
	}()

	var lastModified time.Time
	for _, base := range group {
		src, oerr := log.OpenSegment(base)
		if oerr != nil {
			return oerr
		}
		retainDeletes := src.LastModified().After(deleteHorizon)
		cerr := c.cleanInto(src, dest, offsetMap, retainDeletes, checkDone)
		lastModified = src.LastModified()
		src.Close()
		if cerr != nil {
			return cerr
		}
	}

	if err := dest.Index().TrimToValidSize(); err != nil {
		return err
	}
	if err := dest.Index().Flush(); err != nil {
		return err
	}
	dest.ModifiedAt = lastModified
	if err := dest.Close(); err != nil {
		return err
	}

	swapLogPath := segment.LogPath(dir, newBaseOffset, ".swap")
	swapIdxPath := segment.IndexPath(dir, newBaseOffset, ".swap")
	if err := os.Rename(cleanedLogPath, swapLogPath); err != nil {
		return err
	}
	if err := os.Rename(cleanedIdxPath, swapIdxPath); err != nil {
		return err
	}

	success = true
	c.logger.Info("cleaned segment group",
		zap.String("partition", tp.String()),
		zap.Int64("new_base_offset", newBaseOffset),
		zap.Int("segments_merged", len(group)))

	return log.ReplaceSegments(group, newBaseOffset)
}

// cleanInto scans source, retains records per shouldRetain, and appends
// them to dest. A batch whose records all survive is copied byte-exact.
// A batch that lost records is rebuilt through a BatchBuilder so that offset
// and timestamp deltas stay internally consistent; the rebuilt batch keeps
// the original compression codec, and the builder writes no other attribute
// bits. A batch with nothing retained is skipped entirely.
func (c *Cleaner) cleanInto(source, dest *segment.Segment, offsetMap *OffsetMap, retainDeletes bool, checkDone CheckDoneFunc) error {
	return source.ForEachBatch(func(raw []byte, _ int64) error {
		if err := checkDone(); err != nil {
			return err
		}
		c.throttle.recordAndWait(len(raw))

		if len(raw) > int(c.config.MaxIoBufferSize) && c.config.MaxIoBufferSize > 0 {
			return ErrMessageTooLarge
		}

		batch, err := message.DecodeBatch(raw)
		if err != nil {
			return err
		}

		it, err := batch.Records()
		if err != nil {
			return err
		}

		builder := message.NewBatchBuilder(batch.Compression())
		var rec message.Record
		retainedAll := true
		for it.Next(&rec) {
			if shouldRetain(offsetMap, retainDeletes, rec) {
				builder.Add(rec.Offset, rec.Timestamp, copyBytes(rec.Key), copyBytes(rec.Value), nil)
			} else {
				retainedAll = false
			}
		}

		if builder.Len() == 0 {
			return nil
		}

		if retainedAll {
			// Every inner record survived: the outer batch bytes are still
			// valid verbatim, so copy them byte-exact instead of
			// recompressing.
			_, err := dest.Append(raw)
			return err
		}

		out, err := builder.Build()
		if err != nil {
			return err
		}
		_, err = dest.Append(out)
		return err
	})
}

// shouldRetain implements spec.md §4.3: a record survives compaction iff it
// has a key, the dedupe map shows no later occurrence of that key, and it
// isn't a tombstone being expired.
func shouldRetain(offsetMap *OffsetMap, retainDeletes bool, rec message.Record) bool {
	if rec.Key == nil {
		return false
	}
	if offsetMap.Get(rec.Key) > rec.Offset {
		return false
	}
	if !retainDeletes && rec.Value == nil {
		return false
	}
	return true
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// segmentIndexForOffset returns the index of the segment whose base offset
// is the greatest one <= offset (i.e. the segment that contains offset), or
// 0 if offset precedes every segment.
func segmentIndexForOffset(offsets []int64, offset int64) int {
	best := -1
	for i, base := range offsets {
		if base <= offset {
			best = i
		} else {
			break
		}
	}
	if best == -1 {
		return 0
	}
	return best
}

package segment

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"lightkafka/internal/message"
	"lightkafka/pkg"
)

type Segment struct {
	mu               sync.RWMutex
	BaseOffset       int64
	NextOffset       int64
	LargestTimestamp int64 // max timestamp in this segment (ms)
	ModifiedAt       time.Time

	log    *Log
	index  *Index
	config Config

	// bytesSinceIndex tracks log bytes appended since the last indexed
	// position, to implement sparse indexing at config.IndexIntervalBytes.
	bytesSinceIndex int64
}

// LogPath computes the conventional data-file path for a segment rooted at
// baseOffset, optionally carrying a swap-protocol suffix (".cleaned",
// ".swap", or "" for the live file).
func LogPath(dir string, baseOffset int64, suffix string) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.log%s", baseOffset, suffix))
}

// IndexPath is LogPath's counterpart for the offset index file.
func IndexPath(dir string, baseOffset int64, suffix string) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.index%s", baseOffset, suffix))
}

func NewSegment(dir string, baseOffset int64, c Config) (*Segment, error) {
	return NewSegmentAtPaths(LogPath(dir, baseOffset, ""), IndexPath(dir, baseOffset, ""), baseOffset, c)
}

// NewSegmentAtPaths opens (or creates) a segment from explicit log/index
// file paths. Used directly by NewSegment for a live segment, and by the
// cleaner to build a replacement segment under a ".cleaned" suffix before
// it is swapped in.
func NewSegmentAtPaths(logPath, idxPath string, baseOffset int64, c Config) (*Segment, error) {
	l, err := NewLog(logPath, c.SegmentMaxBytes)
	if err != nil {
		return nil, err
	}

	idx, err := NewIndex(idxPath, baseOffset, c.IndexMaxBytes)
	if err != nil {
		l.Close()
		return nil, err
	}

	s := &Segment{
		BaseOffset: baseOffset,
		ModifiedAt: time.Now(),
		log:        l,
		index:      idx,
		config:     c,
	}
	// Force the first batch of a fresh segment to be indexed regardless
	// of interval, matching Kafka's own "always index the first entry"
	// behavior so Lookup never has to linear-scan from byte 0.
	s.bytesSinceIndex = c.IndexIntervalBytes

	if err := s.recover(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Segment) Append(batchBytes []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := message.DecodeBatch(batchBytes)
	if err != nil {
		return 0, err
	}

	n, pos, err := s.log.Append(batchBytes)
	if err != nil {
		return 0, err
	}

	// Sparse indexing: only add an entry once at least IndexIntervalBytes
	// of log data has accumulated since the last indexed position.
	s.bytesSinceIndex += int64(n)
	if n > 0 && s.bytesSinceIndex >= s.config.IndexIntervalBytes {
		if err := s.index.Append(batch.Header.BaseOffset, pos); err != nil && err != ErrIndexFull {
			return 0, err
		}
		s.bytesSinceIndex = 0
	}

	if batch.Header.MaxTimestamp > s.LargestTimestamp {
		s.LargestTimestamp = batch.Header.MaxTimestamp
	}
	s.ModifiedAt = time.Now()

	curr := batch.Header.BaseOffset
	// LastOffsetDelta, not RecordsCount, determines the next offset: a
	// compacted batch can have fewer records than its offset range spans.
	s.NextOffset = batch.Header.BaseOffset + int64(batch.Header.LastOffsetDelta) + 1
	return curr, nil
}

// Read finds the exact batch and returns a chunk filled with batches.
func (s *Segment) Read(targetOffset int64, maxBytes int32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if targetOffset < s.BaseOffset || targetOffset >= s.NextOffset {
		return nil, ErrOffsetOutOfRange
	}

	// 1. Index Lookup
	_, startPos := s.index.Lookup(targetOffset)

	// 2. Linear Scan (Correct Position)
	currentPos := startPos
	found := false

	for currentPos < s.log.Size() {
		// Read 61 bytes header to check LastOffsetDelta
		headerBytes, err := s.log.ReadRaw(currentPos, 61)
		if err != nil {
			break
		}

		baseOffset := int64(pkg.Encod.Uint64(headerBytes[0:8]))
		batchLen := int32(pkg.Encod.Uint32(headerBytes[8:12]))
		lastOffsetDelta := int32(pkg.Encod.Uint32(headerBytes[23:27]))

		totalSize := 12 + int64(batchLen)
		lastOffset := baseOffset + int64(lastOffsetDelta)

		// Skip if this batch is completely before targetOffset
		if lastOffset < targetOffset {
			currentPos += totalSize
			continue
		}

		// Found the batch containing targetOffset (or the first one after it)
		found = true
		break
	}

	if !found {
		return nil, ErrOffsetOutOfRange
	}

	// 3. Fetch Data
	return s.log.ReadAt(currentPos, maxBytes)
}

// ForEachBatch streams every batch currently in the log, in order, calling
// fn with the batch's raw bytes and its byte position. Iteration stops and
// returns fn's error as soon as fn returns a non-nil error.
func (s *Segment) ForEachBatch(fn func(raw []byte, pos int64) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	currentPos := int64(0)
	size := s.log.Size()
	for currentPos < size {
		header, err := s.log.ReadRaw(currentPos, 12)
		if err != nil || len(header) < 12 {
			break
		}
		batchLen := int32(pkg.Encod.Uint32(header[8:12]))
		if batchLen <= 0 {
			break
		}
		totalSize := 12 + int64(batchLen)
		raw, err := s.log.ReadRaw(currentPos, int(totalSize))
		if err != nil || len(raw) < int(totalSize) {
			break
		}
		if err := fn(raw, currentPos); err != nil {
			return err
		}
		currentPos += totalSize
	}
	return nil
}

// recover rebuilds state (NextOffset, Log Size) by scanning the log.
func (s *Segment) recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 1. Get hints from index
	_, lastPos := s.index.LastEntry()
	if lastPos > s.log.Size() {
		lastPos = 0
	}

	// 2. Scan log to verify data integrity, re-indexing any positions past
	// the last trusted index entry. This also rebuilds the index from
	// scratch when it was lost or truncated out from under the segment,
	// since lastPos then falls back to 0.
	currentPos := lastPos
	var lastNextOffset int64 = s.BaseOffset
	bytesSinceIndex := s.config.IndexIntervalBytes

	for currentPos < s.log.configSize() { // note: check physical size
		// Try reading header
		header, err := s.log.ReadRaw(currentPos, 12)
		if err != nil || len(header) < 12 {
			break
		}

		batchLen := int32(pkg.Encod.Uint32(header[8:12]))
		if batchLen == 0 {
			// Found zero-padding (pre-allocated space)
			break
		}

		totalSize := 12 + int64(batchLen)

		batchData, err := s.log.ReadRaw(currentPos, int(totalSize))
		if err != nil || len(batchData) < int(totalSize) {
			break
		}

		batch, err := message.DecodeBatch(batchData)
		if err != nil {
			break
		}

		if bytesSinceIndex >= s.config.IndexIntervalBytes {
			if err := s.index.Append(batch.Header.BaseOffset, currentPos); err == nil {
				bytesSinceIndex = 0
			} else if err != ErrIndexFull && err != ErrInvalidOffset {
				break
			}
		}
		bytesSinceIndex += totalSize

		lastNextOffset = batch.Header.BaseOffset + int64(batch.Header.LastOffsetDelta) + 1
		if batch.Header.MaxTimestamp > s.LargestTimestamp {
			s.LargestTimestamp = batch.Header.MaxTimestamp
		}
		currentPos += totalSize
	}

	// 3. Restore State
	s.NextOffset = lastNextOffset
	s.log.SetSize(currentPos)
	s.bytesSinceIndex = bytesSinceIndex

	return nil
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.index.Close()
	_ = s.log.Close()
	return nil
}

func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Size()
}

// IndexSize reports the bytes currently used by the offset index (not its
// pre-allocated capacity), used by the cleaner's segment grouping caps.
func (s *Segment) IndexSize() int64 {
	return int64(s.Index().Entries()) * entryWidth
}

// Index exposes the segment's offset index, e.g. for the cleaner's lookup
// of the last indexed position, or for grouping-size accounting.
func (s *Segment) Index() *Index {
	return s.index
}

// LastModified returns the wall-clock time of the most recent Append,
// standing in for the source segment's file modification time when
// computing the cleaner's delete horizon.
func (s *Segment) LastModified() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ModifiedAt
}

func (s *Segment) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.index.Delete(); err != nil {
		return err
	}
	return s.log.Delete()
}

package partition

import (
	"fmt"
	"os"
	"sort"
	"time"

	"lightkafka/internal/segment"
)

// ActiveBaseOffset is the base offset of the segment currently accepting
// appends; cleaner and fetch both exclude it from their respective reads
// (a cleaning cycle never compacts the active segment, and DelayedFetch's
// case C compares against it to detect a roll).
func (p *Partition) ActiveBaseOffset() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeSegment.BaseOffset
}

// LogEndOffset is the offset just past the last written record.
func (p *Partition) LogEndOffset() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeSegment.NextOffset
}

// HighWatermark is the committed read boundary consumer fetches are
// bounded by; see the Partition.highWatermark field comment.
func (p *Partition) HighWatermark() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.highWatermark
}

// SegmentConfig is the layout new segments (rolled, or rebuilt by the
// cleaner) are created with.
func (p *Partition) SegmentConfig() segment.Config {
	return p.Config.SegmentConfig
}

// SegmentBaseOffsets returns every segment's base offset, ascending,
// including the active segment's.
func (p *Partition) SegmentBaseOffsets() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]int64, len(p.Segments))
	copy(out, p.Segments)
	return out
}

// OpenSegment opens a fresh, independent handle on the segment rooted at
// baseOffset for a caller's exclusive temporary use (the cleaner's
// cleaning cycle). The active segment
// cannot be opened this way since it is never safe for an outside caller
// to hold a second handle on a segment still being appended to.
func (p *Partition) OpenSegment(baseOffset int64) (*segment.Segment, error) {
	p.mu.RLock()
	if baseOffset == p.activeSegment.BaseOffset {
		p.mu.RUnlock()
		return nil, fmt.Errorf("partition: cannot open the active segment (base offset %d)", baseOffset)
	}
	dir := p.Dir
	cfg := p.Config.SegmentConfig
	p.mu.RUnlock()

	return segment.NewSegment(dir, baseOffset, cfg)
}

// ReplaceSegments finalizes a cleaner cycle: the new segment's files are
// already written and renamed to the ".swap" suffix at newBaseOffset; this
// drops the ".swap" suffix (replacing any live file of the same name,
// which is always oldBaseOffsets[0] per spec.md §4.3's grouping rule),
// deletes every other old segment's files, evicts all of their cache
// entries, and updates the segment list.
func (p *Partition) ReplaceSegments(oldBaseOffsets []int64, newBaseOffset int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	swapLogPath := segment.LogPath(p.Dir, newBaseOffset, ".swap")
	swapIdxPath := segment.IndexPath(p.Dir, newBaseOffset, ".swap")
	liveLogPath := segment.LogPath(p.Dir, newBaseOffset, "")
	liveIdxPath := segment.IndexPath(p.Dir, newBaseOffset, "")

	if err := os.Rename(swapLogPath, liveLogPath); err != nil {
		return err
	}
	if err := os.Rename(swapIdxPath, liveIdxPath); err != nil {
		return err
	}

	for _, old := range oldBaseOffsets {
		p.cache.Remove(p.cacheKeyLocked(old))
		if old == newBaseOffset {
			continue
		}
		_ = os.Remove(segment.LogPath(p.Dir, old, ""))
		_ = os.Remove(segment.IndexPath(p.Dir, old, ""))
	}

	p.removeSegmentsLocked(oldBaseOffsets)
	p.insertSegmentLocked(newBaseOffset)
	return nil
}

// DeleteOldSegments removes every non-active segment that has aged out
// under RetentionMs and, in the same pass, as many of the oldest remaining
// segments as needed to bring the log's total size under RetentionBytes. A negative
// bound disables that policy. FileDelayDeleteMs, if positive, defers the
// actual file removal so an in-flight reader has time to finish; the
// segment is dropped from the addressable list immediately either way.
func (p *Partition) DeleteOldSegments() {
	p.mu.Lock()
	if len(p.Segments) <= 1 {
		p.mu.Unlock()
		return
	}

	candidates := p.Segments[:len(p.Segments)-1]
	toDelete := p.segmentsPastRetentionMsLocked(candidates)
	toDelete = append(toDelete, p.segmentsPastRetentionBytesLocked(candidates, toDelete)...)
	toDelete = dedupeInt64(toDelete)

	if len(toDelete) == 0 {
		p.mu.Unlock()
		return
	}

	for _, base := range toDelete {
		p.cache.Remove(p.cacheKeyLocked(base))
	}
	p.removeSegmentsLocked(toDelete)
	delay := time.Duration(p.Config.FileDelayDeleteMs) * time.Millisecond
	dir := p.Dir
	p.mu.Unlock()

	for _, base := range toDelete {
		base := base
		if delay <= 0 {
			deleteSegmentFiles(dir, base)
			continue
		}
		time.AfterFunc(delay, func() { deleteSegmentFiles(dir, base) })
	}
}

func deleteSegmentFiles(dir string, baseOffset int64) {
	_ = os.Remove(segment.LogPath(dir, baseOffset, ""))
	_ = os.Remove(segment.IndexPath(dir, baseOffset, ""))
}

// segmentsPastRetentionMsLocked returns candidates last modified longer
// ago than RetentionMs. Must be called with p.mu held.
func (p *Partition) segmentsPastRetentionMsLocked(candidates []int64) []int64 {
	if p.Config.RetentionMs < 0 {
		return nil
	}
	horizon := time.Now().Add(-time.Duration(p.Config.RetentionMs) * time.Millisecond)
	var expired []int64
	for _, base := range candidates {
		seg, err := segment.NewSegment(p.Dir, base, p.Config.SegmentConfig)
		if err != nil {
			continue
		}
		lastModified := seg.LastModified()
		_ = seg.Close()
		if lastModified.Before(horizon) {
			expired = append(expired, base)
		}
	}
	return expired
}

// segmentsPastRetentionBytesLocked returns the oldest candidates (beyond
// those already in skip) needed to bring total log size under
// RetentionBytes. Must be called with p.mu held.
func (p *Partition) segmentsPastRetentionBytesLocked(candidates []int64, skip []int64) []int64 {
	if p.Config.RetentionBytes < 0 {
		return nil
	}
	skipSet := make(map[int64]struct{}, len(skip))
	for _, b := range skip {
		skipSet[b] = struct{}{}
	}

	type sized struct {
		base int64
		size int64
	}
	var sizes []sized
	var total int64
	for _, base := range p.Segments {
		seg, err := segment.NewSegment(p.Dir, base, p.Config.SegmentConfig)
		if err != nil {
			continue
		}
		sz := seg.Size()
		_ = seg.Close()
		if _, skipped := skipSet[base]; !skipped {
			total += sz
		}
		sizes = append(sizes, sized{base: base, size: sz})
	}

	var toDelete []int64
	for _, s := range sizes {
		if total <= p.Config.RetentionBytes {
			break
		}
		if _, skipped := skipSet[s.base]; skipped {
			continue
		}
		isCandidate := false
		for _, c := range candidates {
			if c == s.base {
				isCandidate = true
				break
			}
		}
		if !isCandidate {
			continue
		}
		toDelete = append(toDelete, s.base)
		total -= s.size
	}
	return toDelete
}

// removeSegmentsLocked drops the given base offsets from p.Segments. Must
// be called with p.mu held.
func (p *Partition) removeSegmentsLocked(remove []int64) {
	removeSet := make(map[int64]struct{}, len(remove))
	for _, b := range remove {
		removeSet[b] = struct{}{}
	}
	kept := p.Segments[:0]
	for _, b := range p.Segments {
		if _, gone := removeSet[b]; !gone {
			kept = append(kept, b)
		}
	}
	p.Segments = kept
}

// insertSegmentLocked adds baseOffset to p.Segments if absent, keeping the
// slice sorted ascending. Must be called with p.mu held.
func (p *Partition) insertSegmentLocked(baseOffset int64) {
	for _, b := range p.Segments {
		if b == baseOffset {
			return
		}
	}
	p.Segments = append(p.Segments, baseOffset)
	sort.Slice(p.Segments, func(i, j int) bool { return p.Segments[i] < p.Segments[j] })
}

func (p *Partition) cacheKeyLocked(baseOffset int64) string {
	return fmt.Sprintf("%s-%d-%d", p.Topic, p.ID, baseOffset)
}

func dedupeInt64(in []int64) []int64 {
	seen := make(map[int64]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

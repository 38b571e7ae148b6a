package cleaner

import "math"

const maxRelativeOffset = int64(math.MaxInt32)

// groupSegments partitions every segment base offset below endOffset into
// contiguous runs that each fit in one replacement segment: summed data
// size within log's configured SegmentMaxBytes, summed index size within
// IndexMaxBytes, and the relative-offset span within a signed 32-bit range
// (the offset index can only store a relative offset that fits in int32).
func groupSegments(log Log, offsets []int64, endOffset int64, checkDone CheckDoneFunc) ([][]int64, error) {
	cfg := log.SegmentConfig()

	var groups [][]int64
	var current []int64
	var dataSize, indexSize int64
	var groupFirstOffset int64

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
	}

	for _, base := range offsets {
		if base >= endOffset {
			break
		}
		if checkDone != nil {
			if err := checkDone(); err != nil {
				return nil, err
			}
		}

		seg, err := log.OpenSegment(base)
		if err != nil {
			return nil, err
		}
		segSize := seg.Size()
		segIndexSize := seg.IndexSize()
		lastOffset := seg.NextOffset - 1
		seg.Close()

		if len(current) == 0 {
			groupFirstOffset = base
		}

		exceedsData := dataSize+segSize > cfg.SegmentMaxBytes
		exceedsIndex := indexSize+segIndexSize > cfg.IndexMaxBytes
		exceedsSpan := lastOffset-groupFirstOffset > maxRelativeOffset

		if len(current) > 0 && (exceedsData || exceedsIndex || exceedsSpan) {
			flush()
			groupFirstOffset = base
			dataSize, indexSize = 0, 0
		}

		current = append(current, base)
		dataSize += segSize
		indexSize += segIndexSize
	}
	flush()

	if len(groups) == 0 {
		return nil, ErrNoGroupableSegments
	}
	return groups, nil
}

package segment

import (
	"encoding/binary"
	"os"
	"sync"
)

// entryWidth is the size in bytes of one packed (relativeOffset, filePosition)
// index entry: two big-endian uint32 fields.
const entryWidth = 8

// Index is a sparse, append-only mapping from logical offset to byte
// position within a segment's data file, backed by a single mmap'd region of
// fixed capacity. Entries are strictly increasing in both offset and
// position; lookups resolve to the greatest indexed entry not exceeding the
// target offset via binary search.
//
// Mutations (Append, TruncateTo, Resize) take the exclusive lock. Reads
// (Lookup, LastEntry) take the shared lock: many readers proceed
// concurrently, excluded only by a concurrent resize. Every resize replaces
// the mapping: region_posix.go truncates the file, unmaps and maps it again;
// region_windows.go unmaps first because a mapped file cannot be resized
// there. On both, the exclusive lock is what makes the remap safe against
// concurrent readers.
type Index struct {
	mu sync.RWMutex

	file       *os.File
	baseOffset int64

	region region // platform-specific mmap wrapper, see region.go
	size   int64  // used bytes (write cursor); always a multiple of entryWidth
}

// NewIndex opens or creates the index file at path, pre-allocated to
// maxBytes, and mmaps it. baseOffset is the segment's base offset, used to
// translate between absolute and relative offsets. The caller is expected to
// restore Entries()/size by replaying the segment's data file when recovery
// requires exact accounting; NewIndex itself trusts a zero-filled tail to
// mean "unused" and scans for the first all-zero slot.
func NewIndex(path string, baseOffset int64, maxBytes int64) (*Index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size() < maxBytes {
		if err := f.Truncate(maxBytes); err != nil {
			f.Close()
			return nil, err
		}
	} else if fi.Size() > maxBytes {
		maxBytes = fi.Size()
	}

	r, err := mapRegion(f, maxBytes)
	if err != nil {
		f.Close()
		return nil, err
	}

	idx := &Index{
		file:       f,
		baseOffset: baseOffset,
		region:     r,
	}
	idx.recoverSize()

	return idx, nil
}

// recoverSize scans for the first all-zero entry slot to re-establish the
// write cursor of a pre-allocated, zero-filled index file whose logical size
// isn't persisted anywhere else. A genuine (0,0) entry can only legally
// occupy slot 0 (the first record of a segment sits at its base offset, so
// relativeOffset 0 is valid there but nowhere else), so ambiguity is confined
// to slot 0 and resolved by treating it as occupied only when a later slot
// is non-zero.
func (i *Index) recoverSize() {
	data := i.region.bytes()
	entries := len(data) / entryWidth

	lo, hi := 0, entries
	for lo < hi {
		mid := (lo + hi) / 2
		off := mid * entryWidth
		if isZeroEntry(data, off) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	i.size = int64(lo) * entryWidth
}

func isZeroEntry(data []byte, off int) bool {
	return binary.BigEndian.Uint32(data[off:]) == 0 && binary.BigEndian.Uint32(data[off+4:]) == 0
}

// Append writes a new (relativeOffset, filePosition) entry. offset must be
// strictly greater than the last indexed offset (ErrInvalidOffset
// otherwise); the region must have room (ErrIndexFull otherwise).
func (i *Index) Append(offset, position int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	data := i.region.bytes()
	if i.size+entryWidth > int64(len(data)) {
		return ErrIndexFull
	}

	relOffset := offset - i.baseOffset
	if i.size > 0 {
		lastRel := int64(binary.BigEndian.Uint32(data[i.size-entryWidth:]))
		lastPos := int64(binary.BigEndian.Uint32(data[i.size-entryWidth+4:]))
		if relOffset <= lastRel || position <= lastPos {
			return ErrInvalidOffset
		}
	}

	binary.BigEndian.PutUint32(data[i.size:], uint32(relOffset))
	binary.BigEndian.PutUint32(data[i.size+4:], uint32(position))
	i.size += entryWidth
	return nil
}

// Lookup returns the greatest indexed (offset, position) with offset <=
// targetOffset, or (baseOffset, 0) if the index is empty or targetOffset
// precedes the first entry.
func (i *Index) Lookup(targetOffset int64) (offset, position int64) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	entries := int(i.size / entryWidth)
	if entries == 0 {
		return i.baseOffset, 0
	}

	data := i.region.bytes()
	targetRel := targetOffset - i.baseOffset

	lo, hi := 0, entries-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		rel := int64(binary.BigEndian.Uint32(data[mid*entryWidth:]))
		if rel <= targetRel {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best == -1 {
		return i.baseOffset, 0
	}

	rel := int64(binary.BigEndian.Uint32(data[best*entryWidth:]))
	pos := int64(binary.BigEndian.Uint32(data[best*entryWidth+4:]))
	return i.baseOffset + rel, pos
}

// LastEntry returns the final (offset, position) pair, or (baseOffset, 0) if
// empty.
func (i *Index) LastEntry() (offset, position int64) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.size == 0 {
		return i.baseOffset, 0
	}
	data := i.region.bytes()
	rel := int64(binary.BigEndian.Uint32(data[i.size-entryWidth:]))
	pos := int64(binary.BigEndian.Uint32(data[i.size-entryWidth+4:]))
	return i.baseOffset + rel, pos
}

// Entries reports how many entries are currently written.
func (i *Index) Entries() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return int(i.size / entryWidth)
}

func (i *Index) entryAt(slot int) (offset, position int64) {
	data := i.region.bytes()
	off := slot * entryWidth
	rel := int64(binary.BigEndian.Uint32(data[off:]))
	pos := int64(binary.BigEndian.Uint32(data[off+4:]))
	return i.baseOffset + rel, pos
}

// TruncateTo removes all entries with entry.offset >= offset, per spec.md
// §4.1: no entry <= offset truncates everything; an exact match at slot s
// keeps [0, s); otherwise it keeps [0, s+1) where s is the greatest slot
// with entry.offset < offset.
func (i *Index) TruncateTo(offset int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries := int(i.size / entryWidth)
	if entries == 0 {
		return nil
	}

	// Binary search for the greatest slot with entry.offset < offset.
	lo, hi := 0, entries-1
	lastBelow := -1
	exact := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		entOffset, _ := i.entryAt(mid)
		switch {
		case entOffset == offset:
			exact = mid
			hi = mid - 1
		case entOffset < offset:
			lastBelow = mid
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}

	switch {
	case exact >= 0:
		i.size = int64(exact) * entryWidth
	case lastBelow >= 0:
		i.size = int64(lastBelow+1) * entryWidth
	default:
		i.size = 0
	}
	return nil
}

// TrimToValidSize truncates the backing file down to exactly the used
// region (entries*entryWidth), releasing the pre-allocated slack. The
// cleaner calls it when finalizing a cleaned segment; rolling the active
// segment does not.
func (i *Index) TrimToValidSize() error {
	return i.Resize(i.size)
}

// Resize changes the mapped capacity to newSize bytes. newSize must be a
// multiple of entryWidth and at least the current used size.
func (i *Index) Resize(newSize int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if newSize < i.size || newSize%entryWidth != 0 {
		return ErrInvalidConfig
	}
	if newSize == int64(len(i.region.bytes())) {
		return nil
	}

	r, err := i.region.resize(i.file, newSize)
	if err != nil {
		return err
	}
	i.region = r
	return nil
}

// Flush persists dirty mmap pages to disk.
func (i *Index) Flush() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.region.sync()
}

// Close flushes, unmaps, and closes the backing file.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.region.sync(); err != nil {
		return err
	}
	if err := i.region.close(); err != nil {
		return err
	}
	return i.file.Close()
}

// RenameTo closes the index and renames its backing file to newPath. The
// Index is unusable afterward; callers reopen via NewIndex at the new path.
func (i *Index) RenameTo(newPath string) error {
	i.mu.Lock()
	path := i.file.Name()
	i.mu.Unlock()

	if err := i.Close(); err != nil {
		return err
	}
	return os.Rename(path, newPath)
}

// Delete closes and removes the backing file.
func (i *Index) Delete() error {
	i.mu.Lock()
	path := i.file.Name()
	i.mu.Unlock()

	if err := i.Close(); err != nil {
		return err
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SanityCheck verifies the structural invariants from spec.md §3/§8: file
// length a multiple of entryWidth, and entries strictly increasing in both
// offset and position. Returns ErrCorruptIndex on the first violation.
func (i *Index) SanityCheck() error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	fi, err := i.file.Stat()
	if err != nil {
		return err
	}
	if fi.Size()%entryWidth != 0 {
		return ErrCorruptIndex
	}

	entries := int(i.size / entryWidth)
	var lastOff, lastPos int64 = -1, -1
	for s := 0; s < entries; s++ {
		off, pos := i.entryAt(s)
		if off <= lastOff || pos <= lastPos {
			return ErrCorruptIndex
		}
		lastOff, lastPos = off, pos
	}
	return nil
}

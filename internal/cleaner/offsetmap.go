package cleaner

import (
	"encoding/binary"
	"hash/maphash"
	"sync"
)

// OffsetMapSentinel is returned by Get when a key has no entry (or none
// that survived a collision with the bounded probe sequence below).
const OffsetMapSentinel int64 = -1

const (
	offsetMapSlotWidth = 16 // 8-byte hash + 8-byte offset
	offsetMapProbes    = 2  // matches the two probe attempts real dedupe maps use
)

// OffsetMap is the cleaner's dedupe buffer: a fixed-size byte array of
// (hash, offset) slots standing in for a key -> latest-offset map. Storing
// a hash instead of the full key caps memory per entry at a constant size,
// at the cost of a documented, intentional false-positive: two different
// keys that collide across every probe attempt will cause the newer
// record to overwrite the older one's slot. Lookups never compare the
// original key bytes, only the stored hash, so this collision is
// undetectable and by design (see the OffsetMap collision policy note) —
// do not "fix" it by storing full keys.
type OffsetMap struct {
	mu         sync.RWMutex
	seed       maphash.Seed
	slots      []byte
	numSlots   int
	loadFactor float64
	count      int
}

// NewOffsetMap sizes the map to hold memoryBytes worth of slots, declaring
// itself full once occupancy crosses loadFactor (e.g. 0.9).
func NewOffsetMap(memoryBytes int64, loadFactor float64) *OffsetMap {
	numSlots := int(memoryBytes / offsetMapSlotWidth)
	if numSlots < 1 {
		numSlots = 1
	}
	if loadFactor <= 0 || loadFactor > 1 {
		loadFactor = 0.9
	}
	return &OffsetMap{
		seed:       maphash.MakeSeed(),
		slots:      make([]byte, numSlots*offsetMapSlotWidth),
		numSlots:   numSlots,
		loadFactor: loadFactor,
	}
}

func (m *OffsetMap) hashKey(key []byte) uint64 {
	var h maphash.Hash
	h.SetSeed(m.seed)
	_, _ = h.Write(key)
	sum := h.Sum64()
	if sum == 0 {
		// Slot value 0 means "empty"; a genuine zero hash is vanishingly
		// unlikely but must not be confused with an unoccupied slot.
		sum = 1
	}
	return sum
}

func (m *OffsetMap) probeOrder(hash uint64) [offsetMapProbes]int {
	var order [offsetMapProbes]int
	stride := (hash >> 32) | 1 // odd stride keeps the probe sequence from degenerating
	for i := 0; i < offsetMapProbes; i++ {
		order[i] = int((hash + uint64(i)*stride) % uint64(m.numSlots))
	}
	return order
}

func (m *OffsetMap) hashAt(slot int) uint64 {
	off := slot * offsetMapSlotWidth
	return binary.BigEndian.Uint64(m.slots[off : off+8])
}

func (m *OffsetMap) setSlot(slot int, hash uint64, offset int64) {
	off := slot * offsetMapSlotWidth
	binary.BigEndian.PutUint64(m.slots[off:off+8], hash)
	binary.BigEndian.PutUint64(m.slots[off+8:off+16], uint64(offset))
}

func (m *OffsetMap) offsetAt(slot int) int64 {
	off := slot * offsetMapSlotWidth
	return int64(binary.BigEndian.Uint64(m.slots[off+8 : off+16]))
}

// full reports whether occupancy has crossed the configured load factor.
// Callers must hold m.mu.
func (m *OffsetMap) full() bool {
	return float64(m.count) >= m.loadFactor*float64(m.numSlots)
}

// Put records key's latest offset. Returns false if the map is already
// full and the caller should stop indexing (the cleaner then freezes the
// map at the current offset and finishes the segments already scanned).
func (m *OffsetMap) Put(key []byte, offset int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := m.hashKey(key)
	order := m.probeOrder(hash)

	last := order[0]
	for _, slot := range order {
		last = slot
		existing := m.hashAt(slot)
		if existing == 0 {
			if m.full() {
				return false
			}
			m.setSlot(slot, hash, offset)
			m.count++
			return true
		}
		if existing == hash {
			m.setSlot(slot, hash, offset)
			return true
		}
	}

	// Every probed slot is occupied by a different key's hash. Rather than
	// probe further, overwrite the last slot — a deliberate false-positive
	// that favors bounded probe cost over perfect collision handling.
	m.setSlot(last, hash, offset)
	return true
}

// Get returns key's recorded offset, or OffsetMapSentinel if no probed
// slot's hash matches (including the case where a different key's hash
// occupies every probed slot).
func (m *OffsetMap) Get(key []byte) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash := m.hashKey(key)
	for _, slot := range m.probeOrder(hash) {
		existing := m.hashAt(slot)
		if existing == 0 {
			return OffsetMapSentinel
		}
		if existing == hash {
			return m.offsetAt(slot)
		}
	}
	return OffsetMapSentinel
}

// Slots reports the map's total slot capacity.
func (m *OffsetMap) Slots() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.numSlots
}

// Size reports the number of occupied slots.
func (m *OffsetMap) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Utilization is Size()/Slots().
func (m *OffsetMap) Utilization() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.numSlots == 0 {
		return 0
	}
	return float64(m.count) / float64(m.numSlots)
}

// Clear zeroes every slot, resetting the map for reuse across cycles.
func (m *OffsetMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		m.slots[i] = 0
	}
	m.count = 0
}

// Full reports whether the map has crossed its load factor and should not
// accept further distinct keys.
func (m *OffsetMap) Full() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.full()
}

package fetch

import (
	"container/heap"
	"sync"
	"time"
)

// timerHeap orders parked DelayedFetch operations by deadline; it backs
// Purgatory's container/heap.Interface timer. Each element tracks its own
// heapIndex so a completed fetch can be evicted by index instead of a
// linear scan.
type timerHeap []*DelayedFetch

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	d := x.(*DelayedFetch)
	d.heapIndex = len(*h)
	*h = append(*h, d)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.heapIndex = -1
	*h = old[:n-1]
	return d
}

// Purgatory is the time-and-condition indexed collection of delayed fetch
// operations: a time-ordered heap for deadline expiry, plus per-partition
// wake-lists so a produce on one partition only re-checks fetches actually
// waiting on it, without scanning every parked operation.
type Purgatory struct {
	mu       sync.Mutex
	timers   timerHeap
	watchers map[TopicPartition][]*DelayedFetch
}

// NewPurgatory returns an empty purgatory ready to accept fetches.
func NewPurgatory() *Purgatory {
	return &Purgatory{watchers: make(map[TopicPartition][]*DelayedFetch)}
}

// TryFetch attempts the fetch immediately; if it is not yet satisfiable it
// is parked in the heap and in every requested partition's watch list
// until Produced or ExpireReached completes it.
func (p *Purgatory) TryFetch(mode Mode, minBytes int32, timeout time.Duration, requests []PartitionFetchRequest, provider LogProvider, respond ResponseFunc, now time.Time) {
	d := newDelayedFetch(mode, minBytes, timeout, requests, provider, respond, now)
	if d.tryComplete() {
		return
	}
	p.watch(d)
}

func (p *Purgatory) watch(d *DelayedFetch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.isCompleted() {
		return
	}
	heap.Push(&p.timers, d)
	for _, tp := range d.watchedPartitions() {
		p.watchers[tp] = append(p.watchers[tp], d)
	}
}

// Produced re-checks every fetch watching tp, completing any that have
// become satisfiable, and evicts them from the timer heap and watch
// lists. Called by the partition append path after a successful write.
func (p *Purgatory) Produced(tp TopicPartition) {
	p.mu.Lock()
	watchList := append([]*DelayedFetch(nil), p.watchers[tp]...)
	p.mu.Unlock()

	var justCompleted []*DelayedFetch
	for _, d := range watchList {
		if !d.isCompleted() && d.tryComplete() {
			justCompleted = append(justCompleted, d)
		}
	}

	p.mu.Lock()
	for _, d := range justCompleted {
		if d.heapIndex >= 0 {
			heap.Remove(&p.timers, d.heapIndex)
		}
	}
	p.mu.Unlock()

	p.reapWatchers(tp)
}

// ExpireReached force-completes every fetch whose deadline has passed;
// call periodically (see Reaper) from the broker's timer loop.
func (p *Purgatory) ExpireReached(now time.Time) {
	p.mu.Lock()
	var expired []*DelayedFetch
	for p.timers.Len() > 0 && !p.timers[0].deadline.After(now) {
		d := heap.Pop(&p.timers).(*DelayedFetch)
		expired = append(expired, d)
	}
	p.mu.Unlock()

	for _, d := range expired {
		d.forceComplete()
	}
	p.reapAll()
}

// reapWatchers drops completed entries from tp's watch list, deleting the
// list entirely once it is empty.
func (p *Purgatory) reapWatchers(tp TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.watchers[tp]
	kept := list[:0]
	for _, d := range list {
		if !d.isCompleted() {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		delete(p.watchers, tp)
	} else {
		p.watchers[tp] = kept
	}
}

// reapAll sweeps every watch list for completed entries; used after a
// batch of timer expirations so their other watched partitions don't keep
// a stale pointer around.
func (p *Purgatory) reapAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tp, list := range p.watchers {
		kept := list[:0]
		for _, d := range list {
			if !d.isCompleted() {
				kept = append(kept, d)
			}
		}
		if len(kept) == 0 {
			delete(p.watchers, tp)
		} else {
			p.watchers[tp] = kept
		}
	}
}

// Size reports the number of fetches currently parked awaiting completion.
func (p *Purgatory) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timers.Len()
}

package producer

import (
	"sync"
	"time"
)

// waiter is one blocked Allocate call. ch is buffered so Deallocate can
// notify it without holding the pool lock across a channel send.
type waiter struct {
	ch chan struct{}
}

func newWaiter() *waiter { return &waiter{ch: make(chan struct{}, 1)} }

func (w *waiter) notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// BufferPool is a bounded pool of batch-sized byte buffers. allocate blocks
// (FIFO across waiters) until either enough memory frees up or maxBlockMs
// elapses; deallocate returns a buffer to the free list, or releases it
// straight to the garbage collector if it is larger than batchSize.
type BufferPool struct {
	mu          sync.Mutex
	totalMemory int64
	free        int64
	batchSize   int64
	freeList    [][]byte
	waiters     []*waiter
}

// NewBufferPool constructs a pool bounded by totalMemory bytes, recycling
// buffers of capacity up to batchSize in the free list.
func NewBufferPool(totalMemory, batchSize int64) *BufferPool {
	return &BufferPool{
		totalMemory: totalMemory,
		free:        totalMemory,
		batchSize:   batchSize,
	}
}

// Allocate returns a []byte of the requested size (capacity at least
// size), blocking up to maxBlockMs if the pool is exhausted. Waiters are
// served in FIFO order: each freed buffer wakes the longest-waiting
// request first.
func (p *BufferPool) Allocate(size int64, maxBlockMs int64) ([]byte, error) {
	p.mu.Lock()
	if size > p.totalMemory {
		p.mu.Unlock()
		return nil, ErrAllocTimeout
	}
	if len(p.waiters) == 0 && size <= p.free {
		buf := p.takeLocked(size)
		p.mu.Unlock()
		return buf, nil
	}

	w := newWaiter()
	p.waiters = append(p.waiters, w)
	deadline := time.Now().Add(time.Duration(maxBlockMs) * time.Millisecond)
	p.mu.Unlock()

	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		select {
		case <-w.ch:
			timer.Stop()
		case <-timer.C:
		}

		p.mu.Lock()
		if size <= p.free {
			buf := p.takeLocked(size)
			p.removeWaiterLocked(w)
			p.mu.Unlock()
			return buf, nil
		}
		if !time.Now().Before(deadline) {
			p.removeWaiterLocked(w)
			p.mu.Unlock()
			return nil, ErrAllocTimeout
		}
		p.mu.Unlock()
	}
}

// Deallocate returns buf to the free list (or, if it is oversized,
// releases its bytes directly) and wakes the front-most waiter, if any.
func (p *BufferPool) Deallocate(buf []byte) {
	if buf == nil {
		return
	}
	size := int64(cap(buf))

	p.mu.Lock()
	if size <= p.batchSize {
		p.freeList = append(p.freeList, buf[:0])
	}
	p.free += size
	var front *waiter
	if len(p.waiters) > 0 {
		front = p.waiters[0]
	}
	p.mu.Unlock()

	if front != nil {
		front.notify()
	}
}

// takeLocked must be called with mu held and size <= p.free already
// verified; it reuses a free-list buffer when one is large enough,
// otherwise allocates fresh.
func (p *BufferPool) takeLocked(size int64) []byte {
	p.free -= size
	if size <= p.batchSize && len(p.freeList) > 0 {
		buf := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		if int64(cap(buf)) >= size {
			return buf[:0]
		}
	}
	return make([]byte, 0, size)
}

func (p *BufferPool) removeWaiterLocked(w *waiter) {
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// QueuedWaiters reports how many Allocate calls are currently blocked;
// Ready() treats a non-empty queue as pool exhaustion (sendable regardless
// of linger/backoff).
func (p *BufferPool) QueuedWaiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// AllocatedBytes and FreeBytes always sum to the pool's total capacity
// (the BufferPool conservation property).
func (p *BufferPool) AllocatedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalMemory - p.free
}

func (p *BufferPool) FreeBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

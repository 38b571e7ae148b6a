package producer

import (
	"sync"

	"lightkafka/internal/message"
)

// batchDeque is one partition's FIFO queue of batches, guarded by its own
// lock (spec.md §4.6: "Per-deque access is guarded by the deque's own
// lock"). New records append at the tail; drain takes from the head;
// retries push back to the front to preserve per-partition order.
type batchDeque struct {
	mu      sync.Mutex
	batches []*ProducerBatch
}

func newBatchDeque() *batchDeque {
	return &batchDeque{}
}

// tryAppend attempts to append to the tail batch, if any, under the
// deque's own lock.
func (d *batchDeque) tryAppend(ts int64, key, value []byte, headers []message.Header, cb Callback, now int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.batches) == 0 {
		return false
	}
	return d.batches[len(d.batches)-1].tryAppend(ts, key, value, headers, cb, now)
}

// appendOrInstall retries the tail append once more under the lock
// (another producer may have installed a batch since the caller's first
// attempt outside the lock), and if that still fails, installs newBatch
// with the record already staged into it. Returns true if newBatch was
// the one actually installed; the caller is responsible for releasing
// newBatch's reserved buffer back to the pool when this returns false.
func (d *batchDeque) appendOrInstall(ts int64, key, value []byte, headers []message.Header, cb Callback, now int64, newBatch *ProducerBatch) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.batches) > 0 && d.batches[len(d.batches)-1].tryAppend(ts, key, value, headers, cb, now) {
		return false
	}
	newBatch.tryAppend(ts, key, value, headers, cb, now)
	d.batches = append(d.batches, newBatch)
	return true
}

func (d *batchDeque) pushFront(b *ProducerBatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, nil)
	copy(d.batches[1:], d.batches)
	d.batches[0] = b
}

func (d *batchDeque) popFront() (*ProducerBatch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.batches) == 0 {
		return nil, false
	}
	b := d.batches[0]
	d.batches = d.batches[1:]
	return b, true
}

func (d *batchDeque) front() (*ProducerBatch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.batches) == 0 {
		return nil, false
	}
	return d.batches[0], true
}

func (d *batchDeque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

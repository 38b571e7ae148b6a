package producer

import (
	"sync"

	"lightkafka/internal/message"
)

// recordOverheadBytes approximates the per-record v2 framing cost
// (length varint, attributes byte, timestamp/offset deltas, header count)
// that recordSize adds on top of key/value/header payload bytes when
// deciding whether a record still fits in the current batch.
const recordOverheadBytes = 32

func recordSize(key, value []byte, headers []message.Header) int {
	size := len(key) + len(value) + recordOverheadBytes
	for _, h := range headers {
		size += len(h.Key) + len(h.Value)
	}
	return size
}

type pendingRecord struct {
	ts       int64
	key      []byte
	value    []byte
	headers  []message.Header
	callback Callback
}

// ProducerBatch is one partition's in-flight batch: a BatchBuilder
// accumulating records plus the scheduling bookkeeping Ready/Drain/
// Reenqueue/AbortExpiredBatches need (spec.md §4.6).
type ProducerBatch struct {
	mu sync.Mutex

	createdMs     int64
	lastAppendMs  int64
	lastAttemptMs int64
	attempts      int
	retry         bool
	sealed        bool

	buf            []byte // reserved capacity from the BufferPool
	builder        *message.BatchBuilder
	records        []pendingRecord
	estimatedBytes int
}

func newProducerBatch(codec message.CompressionCodec, buf []byte, now int64) *ProducerBatch {
	return &ProducerBatch{
		createdMs:     now,
		lastAppendMs:  now,
		lastAttemptMs: now,
		buf:           buf,
		builder:       message.NewBatchBuilder(codec),
	}
}

// tryAppend stages one record if it still fits within the batch's
// reserved capacity. The first record in a batch is always accepted
// (its buffer was sized to at least its own size by the caller).
func (b *ProducerBatch) tryAppend(ts int64, key, value []byte, headers []message.Header, cb Callback, now int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false
	}
	size := recordSize(key, value, headers)
	if len(b.records) > 0 && b.estimatedBytes+size > cap(b.buf) {
		return false
	}

	offset := int64(len(b.records))
	b.records = append(b.records, pendingRecord{ts: ts, key: key, value: value, headers: headers, callback: cb})
	b.builder.Add(offset, ts, key, value, headers)
	b.estimatedBytes += size
	b.lastAppendMs = now
	return true
}

// batchSnapshot is a consistent, lock-free-to-read copy of a batch's
// scheduling fields, used by Ready/Drain/AbortExpiredBatches.
type batchSnapshot struct {
	attempts      int
	retry         bool
	createdMs     int64
	lastAppendMs  int64
	lastAttemptMs int64
	size          int
	full          bool
}

func (b *ProducerBatch) snapshot() batchSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return batchSnapshot{
		attempts:      b.attempts,
		retry:         b.retry,
		createdMs:     b.createdMs,
		lastAppendMs:  b.lastAppendMs,
		lastAttemptMs: b.lastAttemptMs,
		size:          b.estimatedBytes,
		full:          b.estimatedBytes >= cap(b.buf),
	}
}

func (b *ProducerBatch) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.estimatedBytes
}

// markAttempt records a retry attempt; Reenqueue calls it.
func (b *ProducerBatch) markAttempt(now int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	b.lastAttemptMs = now
	b.retry = true
}

// seal finalizes the batch's wire bytes; once sealed no further records
// may be appended. The caller (Drain) owns ordering: seal before removing
// the batch from its deque.
func (b *ProducerBatch) seal() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	return b.builder.Build()
}

// complete invokes every staged record's callback exactly once: on
// success, offset is baseOffset plus the record's position within the
// batch (mirroring how partition.Partition overwrites a batch's leading
// base-offset field at append time); on failure every callback receives
// the same error.
func (b *ProducerBatch) complete(baseOffset int64, err error) {
	b.mu.Lock()
	records := b.records
	b.mu.Unlock()

	for i, r := range records {
		if r.callback == nil {
			continue
		}
		if err != nil {
			r.callback(-1, err)
			continue
		}
		r.callback(baseOffset+int64(i), nil)
	}
}

package producer

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lightkafka/internal/message"
)

// Accumulator is the record accumulator (C4): a thread-safe batching queue
// with a single bounded buffer pool, called by many producer threads and
// drained by one dispatcher thread.
type Accumulator struct {
	cfg        Config
	partitions *partitionDeques
	free       *BufferPool

	incompleteMu sync.Mutex
	incomplete   map[*ProducerBatch]struct{}

	mutedMu sync.Mutex
	muted   map[TopicPartition]struct{}

	drainMu    sync.Mutex
	drainIndex int

	appendsInProgress int64
	flushesInProgress int32
	closed            int32

	flushMu   sync.Mutex
	flushCond *sync.Cond
}

// NewAccumulator wires a BufferPool sized by cfg.TotalMemoryBytes/
// cfg.BatchSizeBytes and returns an accumulator ready to accept appends.
func NewAccumulator(cfg Config) *Accumulator {
	a := &Accumulator{
		cfg:        cfg,
		partitions: newPartitionDeques(),
		free:       NewBufferPool(cfg.TotalMemoryBytes, cfg.BatchSizeBytes),
		incomplete: make(map[*ProducerBatch]struct{}),
		muted:      make(map[TopicPartition]struct{}),
	}
	a.flushCond = sync.NewCond(&a.flushMu)
	return a
}

// NowMs is the wall-clock source production callers pass as Append's and
// Ready's now argument; tests pass synthetic values instead.
func NowMs() int64 { return time.Now().UnixMilli() }

// Append implements spec.md §4.6's five-step append: try the tail batch
// first, then allocate a buffer outside any deque lock (allocation may
// block), then retry under the lock before installing a new batch.
func (a *Accumulator) Append(tp TopicPartition, ts int64, key, value []byte, headers []message.Header, cb Callback, maxBlockMs int64, now int64) error {
	atomic.AddInt64(&a.appendsInProgress, 1)
	defer atomic.AddInt64(&a.appendsInProgress, -1)

	deque := a.partitions.getOrCreate(tp)

	if deque.tryAppend(ts, key, value, headers, cb, now) {
		return nil
	}

	capacity := int64(recordSize(key, value, headers))
	if a.cfg.BatchSizeBytes > capacity {
		capacity = a.cfg.BatchSizeBytes
	}
	buf, err := a.free.Allocate(capacity, maxBlockMs)
	if err != nil {
		return err
	}

	batch := newProducerBatch(a.cfg.Compression, buf, now)
	installed := deque.appendOrInstall(ts, key, value, headers, cb, now, batch)
	if !installed {
		a.free.Deallocate(buf)
		return nil
	}
	a.markIncomplete(batch)
	return nil
}

func (a *Accumulator) markIncomplete(b *ProducerBatch) {
	a.incompleteMu.Lock()
	a.incomplete[b] = struct{}{}
	a.incompleteMu.Unlock()
}

// CompleteBatch fires every staged record's callback, releases the
// batch's reserved buffer back to the pool, and drops it from the
// incomplete set, waking any Flush waiters once nothing remains
// in flight.
func (a *Accumulator) CompleteBatch(b *ProducerBatch, baseOffset int64, err error) {
	b.complete(baseOffset, err)
	a.free.Deallocate(b.buf)

	a.incompleteMu.Lock()
	delete(a.incomplete, b)
	remaining := len(a.incomplete)
	a.incompleteMu.Unlock()

	if remaining == 0 {
		a.flushMu.Lock()
		a.flushCond.Broadcast()
		a.flushMu.Unlock()
	}
}

func (a *Accumulator) IncompleteCount() int {
	a.incompleteMu.Lock()
	defer a.incompleteMu.Unlock()
	return len(a.incomplete)
}

func (a *Accumulator) Mute(tp TopicPartition) {
	a.mutedMu.Lock()
	a.muted[tp] = struct{}{}
	a.mutedMu.Unlock()
}

func (a *Accumulator) Unmute(tp TopicPartition) {
	a.mutedMu.Lock()
	delete(a.muted, tp)
	a.mutedMu.Unlock()
}

func (a *Accumulator) isMuted(tp TopicPartition) bool {
	a.mutedMu.Lock()
	defer a.mutedMu.Unlock()
	_, ok := a.muted[tp]
	return ok
}

// Ready implements spec.md §4.6's readiness scan: for each non-empty
// deque, decide whether its head batch is sendable, tracking the shortest
// wait remaining among partitions that are not yet ready.
func (a *Accumulator) Ready(cluster Cluster, now int64) (readyNodes map[int32]struct{}, nextDelayMs int64, hasUnknownLeader bool) {
	readyNodes = make(map[int32]struct{})
	nextDelayMs = math.MaxInt64
	flushing := atomic.LoadInt32(&a.flushesInProgress) > 0
	closed := atomic.LoadInt32(&a.closed) == 1
	exhausted := a.free.QueuedWaiters() > 0

	for tp, deque := range a.partitions.snapshot() {
		head, ok := deque.front()
		if !ok {
			continue
		}
		snap := head.snapshot()

		waitFor := a.cfg.LingerMs
		if snap.attempts > 0 {
			waitFor = a.cfg.RetryBackoffMs
		}
		waited := now - snap.lastAttemptMs
		backingOff := snap.attempts > 0 && snap.lastAttemptMs+a.cfg.RetryBackoffMs > now

		full := deque.len() > 1 || snap.full
		expired := waited >= waitFor
		sendable := (full || expired || exhausted || closed || flushing) && !backingOff

		nodeID, leaderKnown := cluster.LeaderFor(tp)
		if !leaderKnown {
			hasUnknownLeader = true
			continue
		}
		if sendable {
			readyNodes[nodeID] = struct{}{}
			continue
		}
		if delay := waitFor - waited; delay < nextDelayMs {
			nextDelayMs = delay
		}
	}

	if nextDelayMs == math.MaxInt64 {
		nextDelayMs = 0
	}
	return readyNodes, nextDelayMs, hasUnknownLeader
}

// Drain implements spec.md §4.6's round-robin drain: for each ready node,
// rotate the starting partition by the shared drainIndex and collect head
// batches until the next one would exceed maxSize.
func (a *Accumulator) Drain(cluster Cluster, nodes map[int32]struct{}, maxSize int, now int64) map[int32][]*ProducerBatch {
	result := make(map[int32][]*ProducerBatch)
	if len(nodes) == 0 {
		return result
	}

	snapshot := a.partitions.snapshot()
	perNode := make(map[int32][]TopicPartition)
	for tp := range snapshot {
		nodeID, ok := cluster.LeaderFor(tp)
		if !ok {
			continue
		}
		if _, want := nodes[nodeID]; !want {
			continue
		}
		perNode[nodeID] = append(perNode[nodeID], tp)
	}

	a.drainMu.Lock()
	start := a.drainIndex
	a.drainIndex++
	a.drainMu.Unlock()

	for nodeID, parts := range perNode {
		sort.Slice(parts, func(i, j int) bool {
			if parts[i].Topic != parts[j].Topic {
				return parts[i].Topic < parts[j].Topic
			}
			return parts[i].Partition < parts[j].Partition
		})
		n := len(parts)
		var batches []*ProducerBatch
		size := 0
		for i := 0; i < n; i++ {
			tp := parts[(start+i)%n]
			if a.isMuted(tp) {
				continue
			}
			deque := snapshot[tp]
			head, ok := deque.front()
			if !ok {
				continue
			}
			headSize := head.size()
			if size > 0 && size+headSize > maxSize {
				break
			}
			raw, err := head.seal()
			if err != nil {
				continue
			}
			deque.popFront()
			batches = append(batches, head)
			size += len(raw)
		}
		if len(batches) > 0 {
			result[nodeID] = batches
		}
	}
	return result
}

// Reenqueue pushes a drained-but-failed batch back to the front of its
// partition's deque, marking it as a retry so AbortExpiredBatches and
// Ready apply the retry backoff instead of linger.
func (a *Accumulator) Reenqueue(tp TopicPartition, batch *ProducerBatch, now int64) {
	batch.markAttempt(now)
	deque := a.partitions.getOrCreate(tp)
	deque.pushFront(batch)
}

// AbortExpiredBatches drops and returns every head batch, across
// non-muted partitions, that has sat past requestTimeoutMs per spec.md
// §4.6's three expiry conditions.
func (a *Accumulator) AbortExpiredBatches(requestTimeoutMs int64, now int64) []*ProducerBatch {
	var expired []*ProducerBatch

	for tp, deque := range a.partitions.snapshot() {
		if a.isMuted(tp) {
			continue
		}
		for {
			head, ok := deque.front()
			if !ok {
				break
			}
			snap := head.snapshot()

			timedOut := (!snap.retry && snap.full && now-snap.lastAppendMs > requestTimeoutMs) ||
				(!snap.retry && now > snap.createdMs+a.cfg.LingerMs+requestTimeoutMs) ||
				(snap.retry && now > snap.lastAttemptMs+a.cfg.RetryBackoffMs+requestTimeoutMs)
			if !timedOut {
				break
			}

			popped, _ := deque.popFront()
			expired = append(expired, popped)
		}
	}
	return expired
}

// Close marks the accumulator closed; Ready treats every remaining batch
// as immediately sendable so a shutdown drains the backlog instead of
// waiting out linger/backoff timers.
func (a *Accumulator) Close() {
	atomic.StoreInt32(&a.closed, 1)
}

// Flush blocks until every appended record has been completed (success or
// failure), or ctx is done first.
func (a *Accumulator) Flush(ctx context.Context) error {
	atomic.AddInt32(&a.flushesInProgress, 1)
	defer atomic.AddInt32(&a.flushesInProgress, -1)

	done := make(chan struct{})
	go func() {
		a.flushMu.Lock()
		defer a.flushMu.Unlock()
		for a.IncompleteCount() > 0 {
			a.flushCond.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.flushMu.Lock()
		a.flushCond.Broadcast()
		a.flushMu.Unlock()
		return ctx.Err()
	}
}

package fetch

import (
	"sync/atomic"
	"time"
)

// partitionWait is the per-partition bookkeeping a DelayedFetch needs to
// evaluate readiness cases A-D without re-resolving the log provider's
// leadership state from scratch each time.
type partitionWait struct {
	req PartitionFetchRequest
	// scheduledActiveBase is the active segment's base offset observed
	// when this fetch was created. If it no longer matches on a later
	// check, the log truncated or rolled underneath the fetch offset
	// (case C) and the fetch must complete immediately.
	scheduledActiveBase int64
}

// DelayedFetch is a single parked fetch request, watched by a Purgatory
// until tryComplete succeeds or its deadline passes. It is safe for
// concurrent tryComplete/forceComplete calls; completion fires the
// response callback at most once.
type DelayedFetch struct {
	mode     Mode
	minBytes int32
	provider LogProvider
	respond  ResponseFunc
	deadline time.Time

	partitions []partitionWait

	completed int32 // atomic 0/1, CAS'd by forceComplete for at-most-once semantics
	heapIndex int    // managed by Purgatory's timer heap; -1 when not queued
}

// newDelayedFetch resolves each partition's current active base offset (to
// detect later truncation/roll) and computes the absolute deadline.
func newDelayedFetch(mode Mode, minBytes int32, timeout time.Duration, requests []PartitionFetchRequest, provider LogProvider, respond ResponseFunc, now time.Time) *DelayedFetch {
	d := &DelayedFetch{
		mode:      mode,
		minBytes:  minBytes,
		provider:  provider,
		respond:   respond,
		deadline:  now.Add(timeout),
		heapIndex: -1,
	}
	d.partitions = make([]partitionWait, 0, len(requests))
	for _, req := range requests {
		var base int64
		if log, err := provider.GetLog(req.Partition); err == nil {
			base = log.ActiveBaseOffset()
		}
		d.partitions = append(d.partitions, partitionWait{req: req, scheduledActiveBase: base})
	}
	return d
}

func (d *DelayedFetch) isCompleted() bool {
	return atomic.LoadInt32(&d.completed) == 1
}

// Deadline reports the absolute time this fetch must complete by.
func (d *DelayedFetch) Deadline() time.Time { return d.deadline }

func (d *DelayedFetch) watchedPartitions() []TopicPartition {
	out := make([]TopicPartition, len(d.partitions))
	for i, pw := range d.partitions {
		out[i] = pw.req.Partition
	}
	return out
}

// tryComplete evaluates readiness cases A-D and completes the fetch if any
// of them hold. It is idempotent and safe to call concurrently from both
// the produce path and the purgatory reaper.
func (d *DelayedFetch) tryComplete() bool {
	if d.isCompleted() {
		return true
	}

	var accumulated int64
	for _, pw := range d.partitions {
		log, err := d.provider.GetLog(pw.req.Partition)
		if err != nil {
			// Cases A/B: no local leader, or the partition is unknown.
			return d.forceComplete()
		}
		if log.ActiveBaseOffset() != pw.scheduledActiveBase {
			// Case C: the active segment changed since this fetch was
			// scheduled (roll or truncation) -- reread is always safe now.
			return d.forceComplete()
		}

		endOffset := log.LogEndOffset()
		if d.mode == FetchConsumer {
			endOffset = log.HighWatermark()
		}
		available := endOffset - pw.req.FetchOffset
		if available < 0 {
			available = 0
		}
		if available > int64(pw.req.MaxBytes) {
			available = int64(pw.req.MaxBytes)
		}
		accumulated += available
	}

	if accumulated >= int64(d.minBytes) {
		return d.forceComplete() // Case D
	}
	return false
}

// forceComplete is the single completion path; only the first caller runs
// complete(). Returns true once the fetch is (or already was) completed.
func (d *DelayedFetch) forceComplete() bool {
	if !atomic.CompareAndSwapInt32(&d.completed, 0, 1) {
		return true
	}
	d.complete()
	return true
}

// complete re-reads every partition from the local log using the original
// fetch parameters and invokes the response callback exactly once. A
// provider or read failure is attached to that partition's result rather
// than failing the whole response.
func (d *DelayedFetch) complete() {
	results := make([]PartitionFetchResult, 0, len(d.partitions))
	for _, pw := range d.partitions {
		log, err := d.provider.GetLog(pw.req.Partition)
		if err != nil {
			results = append(results, PartitionFetchResult{Partition: pw.req.Partition, Err: err})
			continue
		}
		data, err := log.Read(pw.req.FetchOffset, pw.req.MaxBytes)
		results = append(results, PartitionFetchResult{
			Partition:     pw.req.Partition,
			Records:       data,
			HighWatermark: log.HighWatermark(),
			Err:           err,
		})
	}
	d.respond(results)
}

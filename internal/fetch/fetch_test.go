package fetch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeLog is a minimal in-memory Log used to drive DelayedFetch/Purgatory
// without any real segment I/O.
type fakeLog struct {
	mu         sync.Mutex
	endOffset  int64
	highWater  int64
	activeBase int64
}

func (l *fakeLog) Read(offset int64, maxBytes int32) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	avail := l.endOffset - offset
	if avail < 0 {
		avail = 0
	}
	if avail > int64(maxBytes) {
		avail = int64(maxBytes)
	}
	return make([]byte, avail), nil
}

func (l *fakeLog) LogEndOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endOffset
}

func (l *fakeLog) HighWatermark() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.highWater
}

func (l *fakeLog) ActiveBaseOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeBase
}

func (l *fakeLog) setEndOffset(v int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endOffset = v
	l.highWater = v
}

func (l *fakeLog) setActiveBase(v int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeBase = v
}

type fakeProvider struct {
	mu   sync.Mutex
	logs map[TopicPartition]*fakeLog
	errs map[TopicPartition]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{logs: make(map[TopicPartition]*fakeLog), errs: make(map[TopicPartition]error)}
}

func (p *fakeProvider) register(tp TopicPartition, log *fakeLog) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs[tp] = log
}

func (p *fakeProvider) fail(tp TopicPartition, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[tp] = err
}

func (p *fakeProvider) GetLog(tp TopicPartition) (Log, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.errs[tp]; ok {
		return nil, err
	}
	log, ok := p.logs[tp]
	if !ok {
		return nil, ErrUnknownTopicOrPartition
	}
	return log, nil
}

func collectResponse(t *testing.T) (ResponseFunc, func() []PartitionFetchResult) {
	t.Helper()
	ch := make(chan []PartitionFetchResult, 1)
	return func(results []PartitionFetchResult) {
			ch <- results
		}, func() []PartitionFetchResult {
			select {
			case r := <-ch:
				return r
			case <-time.After(time.Second):
				t.Fatal("response callback never fired")
				return nil
			}
		}
}

func TestDelayedFetch_CompletesImmediatelyWhenAlreadySatisfied(t *testing.T) {
	tp := TopicPartition{Topic: "t", Partition: 0}
	log := &fakeLog{endOffset: 2048, highWater: 2048, activeBase: 0}
	provider := newFakeProvider()
	provider.register(tp, log)

	purgatory := NewPurgatory()
	respond, wait := collectResponse(t)

	purgatory.TryFetch(FetchConsumer, 1024, 500*time.Millisecond,
		[]PartitionFetchRequest{{Partition: tp, FetchOffset: 0, MaxBytes: 4096}},
		provider, respond, time.Now())

	results := wait()
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, int64(2048), results[0].HighWatermark)
	require.Equal(t, 0, purgatory.Size(), "already-satisfied fetch should never be parked")
}

func TestDelayedFetch_CaseA_NoLocalLeaderCompletesImmediately(t *testing.T) {
	tp := TopicPartition{Topic: "t", Partition: 0}
	provider := newFakeProvider()
	provider.fail(tp, ErrNotLeaderForPartition)

	purgatory := NewPurgatory()
	respond, wait := collectResponse(t)

	purgatory.TryFetch(FetchConsumer, 1024, 500*time.Millisecond,
		[]PartitionFetchRequest{{Partition: tp, FetchOffset: 0, MaxBytes: 4096}},
		provider, respond, time.Now())

	results := wait()
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, ErrNotLeaderForPartition)
}

func TestDelayedFetch_CaseB_UnknownPartitionCompletesImmediately(t *testing.T) {
	tp := TopicPartition{Topic: "ghost", Partition: 0}
	provider := newFakeProvider() // never registered

	purgatory := NewPurgatory()
	respond, wait := collectResponse(t)

	purgatory.TryFetch(FetchConsumer, 1024, 500*time.Millisecond,
		[]PartitionFetchRequest{{Partition: tp, FetchOffset: 0, MaxBytes: 4096}},
		provider, respond, time.Now())

	results := wait()
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, ErrUnknownTopicOrPartition)
}

func TestDelayedFetch_CaseC_SegmentRollTriggersImmediateCompletion(t *testing.T) {
	tp := TopicPartition{Topic: "t", Partition: 0}
	log := &fakeLog{endOffset: 0, highWater: 0, activeBase: 0}
	provider := newFakeProvider()
	provider.register(tp, log)

	purgatory := NewPurgatory()
	respond, wait := collectResponse(t)

	purgatory.TryFetch(FetchConsumer, 1024, 5*time.Second,
		[]PartitionFetchRequest{{Partition: tp, FetchOffset: 0, MaxBytes: 4096}},
		provider, respond, time.Now())
	require.Equal(t, 1, purgatory.Size())

	// Segment rolled (or truncated) underneath the parked fetch.
	log.setActiveBase(10)
	purgatory.Produced(tp)

	results := wait()
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, 0, purgatory.Size())
}

func TestDelayedFetch_CaseD_MinBytesReachedOnProduce(t *testing.T) {
	tp := TopicPartition{Topic: "t", Partition: 0}
	log := &fakeLog{endOffset: 0, highWater: 0, activeBase: 0}
	provider := newFakeProvider()
	provider.register(tp, log)

	purgatory := NewPurgatory()
	respond, wait := collectResponse(t)

	purgatory.TryFetch(FetchConsumer, 1024, 5*time.Second,
		[]PartitionFetchRequest{{Partition: tp, FetchOffset: 0, MaxBytes: 4096}},
		provider, respond, time.Now())
	require.Equal(t, 1, purgatory.Size())

	log.setEndOffset(2048) // past fetchMinBytes of 1024
	purgatory.Produced(tp)

	results := wait()
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Len(t, results[0].Records, 2048)
	require.Equal(t, 0, purgatory.Size())
}

func TestDelayedFetch_TimesOutWithWhateverIsAvailable(t *testing.T) {
	tp := TopicPartition{Topic: "t", Partition: 0}
	log := &fakeLog{endOffset: 100, highWater: 100, activeBase: 0}
	provider := newFakeProvider()
	provider.register(tp, log)

	purgatory := NewPurgatory()
	respond, wait := collectResponse(t)

	purgatory.TryFetch(FetchConsumer, 1024, 20*time.Millisecond,
		[]PartitionFetchRequest{{Partition: tp, FetchOffset: 0, MaxBytes: 4096}},
		provider, respond, time.Now())

	purgatory.ExpireReached(time.Now()) // too early, deadline not reached yet
	require.Equal(t, 1, purgatory.Size())

	purgatory.ExpireReached(time.Now().Add(50 * time.Millisecond))

	results := wait()
	require.Len(t, results, 1)
	require.Len(t, results[0].Records, 100)
	require.Equal(t, 0, purgatory.Size())
}

func TestDelayedFetch_AtMostOnceUnderConcurrentTriggers(t *testing.T) {
	tp := TopicPartition{Topic: "t", Partition: 0}
	log := &fakeLog{endOffset: 0, highWater: 0, activeBase: 0}
	provider := newFakeProvider()
	provider.register(tp, log)

	purgatory := NewPurgatory()
	var calls int
	var mu sync.Mutex
	respond := func(results []PartitionFetchResult) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	purgatory.TryFetch(FetchConsumer, 1024, 30*time.Millisecond,
		[]PartitionFetchRequest{{Partition: tp, FetchOffset: 0, MaxBytes: 4096}},
		provider, respond, time.Now())

	log.setEndOffset(2048)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			purgatory.Produced(tp)
		}()
	}
	wg.Wait()
	purgatory.ExpireReached(time.Now().Add(time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls, "response callback must fire exactly once")
}

func TestDelayedFetch_FollowerModeUsesLogEndOffsetNotHighWatermark(t *testing.T) {
	tp := TopicPartition{Topic: "t", Partition: 0}
	log := &fakeLog{endOffset: 2048, highWater: 0, activeBase: 0}
	provider := newFakeProvider()
	provider.register(tp, log)

	purgatory := NewPurgatory()
	respond, wait := collectResponse(t)

	purgatory.TryFetch(FetchFollower, 1024, 500*time.Millisecond,
		[]PartitionFetchRequest{{Partition: tp, FetchOffset: 0, MaxBytes: 4096}},
		provider, respond, time.Now())

	results := wait()
	require.Len(t, results, 1)
	require.Len(t, results[0].Records, 2048)
}

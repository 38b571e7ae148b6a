package cleaner

import (
	"os"
	"sort"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"lightkafka/internal/message"
	"lightkafka/internal/segment"
)

// requireSurvivors asserts the cleaned segment's records match want exactly,
// dumping the full got/want slices via spew on failure: a plain diff of
// offsets alone doesn't show which key/value survived wrong.
func requireSurvivors(t *testing.T, want, got []testRecord) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("record count mismatch: want %d, got %d\nwant: %s\ngot: %s",
			len(want), len(got), spew.Sdump(want), spew.Sdump(got))
	}
	for i := range want {
		if want[i].offset != got[i].offset || want[i].key != got[i].key || string(want[i].value) != string(got[i].value) {
			t.Fatalf("record %d mismatch\nwant: %s\ngot: %s", i, spew.Sdump(want), spew.Sdump(got))
		}
	}
}

// testLog is a minimal Log implementation backed by real on-disk segments,
// used to exercise Cleaner without depending on the partition package.
type testLog struct {
	dir        string
	cfg        segment.Config
	activeBase int64
	bases      []int64 // ascending, including activeBase
}

func (l *testLog) Dir() string                    { return l.dir }
func (l *testLog) SegmentConfig() segment.Config  { return l.cfg }
func (l *testLog) ActiveBaseOffset() int64        { return l.activeBase }
func (l *testLog) SegmentBaseOffsets() []int64    { return append([]int64(nil), l.bases...) }

func (l *testLog) OpenSegment(base int64) (*segment.Segment, error) {
	return segment.NewSegment(l.dir, base, l.cfg)
}

func (l *testLog) ReplaceSegments(old []int64, newBase int64) error {
	finalLog := segment.LogPath(l.dir, newBase, "")
	finalIdx := segment.IndexPath(l.dir, newBase, "")
	if err := os.Rename(segment.LogPath(l.dir, newBase, ".swap"), finalLog); err != nil {
		return err
	}
	if err := os.Rename(segment.IndexPath(l.dir, newBase, ".swap"), finalIdx); err != nil {
		return err
	}

	oldSet := make(map[int64]bool, len(old))
	for _, b := range old {
		oldSet[b] = true
	}
	for _, b := range old {
		if b == newBase {
			continue
		}
		os.Remove(segment.LogPath(l.dir, b, ""))
		os.Remove(segment.IndexPath(l.dir, b, ""))
	}

	var newBases []int64
	inserted := false
	for _, b := range l.bases {
		if oldSet[b] {
			if !inserted {
				newBases = append(newBases, newBase)
				inserted = true
			}
			continue
		}
		newBases = append(newBases, b)
	}
	if !inserted {
		newBases = append(newBases, newBase)
	}
	sort.Slice(newBases, func(i, j int) bool { return newBases[i] < newBases[j] })
	l.bases = newBases
	return nil
}

type testRecord struct {
	offset int64
	key    string
	value  []byte // nil means tombstone
}

func testConfig() segment.Config {
	return segment.Config{
		SegmentMaxBytes:    1 << 20,
		IndexMaxBytes:      1 << 16,
		IndexIntervalBytes: 1,
	}
}

// buildSegment writes one batch per record (so ForEachBatch sees each
// record as its own shallow entry) to a fresh segment rooted at base, then
// closes it (trimming to valid size) so it behaves like an immutable,
// already-rolled segment ready for the cleaner to read.
func buildSegment(t *testing.T, dir string, base int64, cfg segment.Config, records []testRecord) {
	t.Helper()
	seg, err := segment.NewSegment(dir, base, cfg)
	require.NoError(t, err)

	for _, r := range records {
		b := message.NewBatchBuilder(message.CompressionNone)
		var key []byte
		if r.key != "" {
			key = []byte(r.key)
		}
		b.Add(r.offset, r.offset*1000, key, r.value, nil)
		raw, err := b.Build()
		require.NoError(t, err)
		_, err = seg.Append(raw)
		require.NoError(t, err)
	}

	require.NoError(t, seg.Index().TrimToValidSize())
	require.NoError(t, seg.Close())
}

func noopCheckDone() error { return nil }

func TestCleaner_S1_CompactBasic(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	buildSegment(t, dir, 0, cfg, []testRecord{
		{offset: 0, key: "a", value: []byte("v0")},
		{offset: 1, key: "b", value: []byte("v1")},
		{offset: 2, key: "a", value: []byte("v2")},
		{offset: 3, key: "c", value: []byte("v3")},
	})

	// Active segment: empty, rooted at offset 4.
	activeSeg, err := segment.NewSegment(dir, 4, cfg)
	require.NoError(t, err)
	require.NoError(t, activeSeg.Close())

	log := &testLog{dir: dir, cfg: cfg, activeBase: 4, bases: []int64{0, 4}}

	cl := NewCleaner(0, DefaultConfig(), newThrottler(0), nil)
	endOffset, err := cl.Clean(TopicPartition{Topic: "t", Partition: 0}, log, 0, noopCheckDone)
	require.NoError(t, err)
	require.Equal(t, int64(4), endOffset)

	seg0, err := segment.NewSegment(dir, 0, log.cfg)
	require.NoError(t, err)
	defer seg0.Close()

	var got []testRecord
	err = seg0.ForEachBatch(func(raw []byte, _ int64) error {
		batch, derr := message.DecodeBatch(raw)
		require.NoError(t, derr)
		it, ierr := batch.Records()
		require.NoError(t, ierr)
		var rec message.Record
		for it.Next(&rec) {
			got = append(got, testRecord{offset: rec.Offset, key: string(rec.Key), value: rec.Value})
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	require.Equal(t, int64(1), got[0].offset)
	require.Equal(t, "b", got[0].key)
	require.Equal(t, int64(2), got[1].offset)
	require.Equal(t, "a", got[1].key)
	require.Equal(t, int64(3), got[2].offset)
	require.Equal(t, "c", got[2].key)
}

// buildCompactionFixture lays out a three-segment log: an already-clean
// segment at base 0 (standing in for the output of a prior cycle), a dirty
// segment at base 10 holding the tombstone pair for key "a", and an empty
// active segment at base 20. The clean segment's ModifiedAt anchors the
// delete horizon; the dirty segment's ModifiedAt is set directly so the
// retain/expire decision is deterministic without sleeping real time.
func buildCompactionFixture(t *testing.T, dirtySegmentModifiedAt time.Time) (*testLog, segment.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig()

	cleanSeg, err := segment.NewSegment(dir, 0, cfg)
	require.NoError(t, err)
	b := message.NewBatchBuilder(message.CompressionNone)
	b.Add(0, 0, []byte("z"), []byte("v"), nil)
	raw, err := b.Build()
	require.NoError(t, err)
	_, err = cleanSeg.Append(raw)
	require.NoError(t, err)
	cleanSeg.ModifiedAt = time.Now()
	require.NoError(t, cleanSeg.Index().TrimToValidSize())
	require.NoError(t, cleanSeg.Close())

	dirtySeg, err := segment.NewSegment(dir, 10, cfg)
	require.NoError(t, err)
	b = message.NewBatchBuilder(message.CompressionNone)
	b.Add(10, 10000, []byte("a"), []byte("v0"), nil)
	raw, err = b.Build()
	require.NoError(t, err)
	_, err = dirtySeg.Append(raw)
	require.NoError(t, err)
	b = message.NewBatchBuilder(message.CompressionNone)
	b.Add(11, 11000, []byte("a"), nil, nil) // tombstone
	raw, err = b.Build()
	require.NoError(t, err)
	_, err = dirtySeg.Append(raw)
	require.NoError(t, err)
	dirtySeg.ModifiedAt = dirtySegmentModifiedAt
	require.NoError(t, dirtySeg.Index().TrimToValidSize())
	require.NoError(t, dirtySeg.Close())

	activeSeg, err := segment.NewSegment(dir, 20, cfg)
	require.NoError(t, err)
	require.NoError(t, activeSeg.Close())

	return &testLog{dir: dir, cfg: cfg, activeBase: 20, bases: []int64{0, 10, 20}}, cfg
}

func cleanTombstoneSegment(t *testing.T, log *testLog, cfg segment.Config, retentionMs int64) []testRecord {
	t.Helper()
	cl := NewCleaner(0, Config{DedupeBufferSize: 1 << 20, DedupeBufferLoadFactor: 0.9, DeleteRetentionMs: retentionMs}, newThrottler(0), nil)
	endOffset, err := cl.Clean(TopicPartition{Topic: "t", Partition: 0}, log, 10, noopCheckDone)
	require.NoError(t, err)
	require.Equal(t, int64(12), endOffset)

	// The clean-prefix segment (base 0) and the dirty segment (base 10)
	// both fall in [0, endOffset) and so are merged into one replacement
	// segment rooted at base 0.
	seg, err := segment.NewSegment(log.dir, 0, cfg)
	require.NoError(t, err)
	defer seg.Close()

	var got []testRecord
	require.NoError(t, seg.ForEachBatch(func(raw []byte, _ int64) error {
		batch, _ := message.DecodeBatch(raw)
		it, _ := batch.Records()
		var rec message.Record
		for it.Next(&rec) {
			got = append(got, testRecord{offset: rec.Offset, key: string(rec.Key), value: rec.Value})
		}
		return nil
	}))
	return got
}

func TestCleaner_S2_TombstoneRetainedWhenSegmentNewerThanHorizon(t *testing.T) {
	log, cfg := buildCompactionFixture(t, time.Now())
	got := cleanTombstoneSegment(t, log, cfg, int64(time.Hour/time.Millisecond))

	requireSurvivors(t, []testRecord{
		{offset: 0, key: "z", value: []byte("v")},
		{offset: 11, key: "a", value: nil},
	}, got)
}

func TestCleaner_S2_TombstoneExpiresWhenSegmentOlderThanHorizon(t *testing.T) {
	log, cfg := buildCompactionFixture(t, time.Now().Add(-2*time.Hour))
	got := cleanTombstoneSegment(t, log, cfg, int64(time.Hour/time.Millisecond))

	requireSurvivors(t, []testRecord{
		{offset: 0, key: "z", value: []byte("v")},
	}, got)
}

func TestCleaner_S3_AbortReturnsCleaningAborted(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	buildSegment(t, dir, 0, cfg, []testRecord{
		{offset: 0, key: "a", value: []byte("v0")},
		{offset: 1, key: "b", value: []byte("v1")},
	})
	activeSeg, err := segment.NewSegment(dir, 2, cfg)
	require.NoError(t, err)
	require.NoError(t, activeSeg.Close())

	log := &testLog{dir: dir, cfg: cfg, activeBase: 2, bases: []int64{0, 2}}

	cl := NewCleaner(0, DefaultConfig(), newThrottler(0), nil)
	abort := func() error { return ErrCleaningAborted }

	_, err = cl.Clean(TopicPartition{Topic: "t", Partition: 0}, log, 0, abort)
	require.ErrorIs(t, err, ErrCleaningAborted)

	// No .cleaned artifacts should survive an aborted cycle.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".cleaned")
	}
}

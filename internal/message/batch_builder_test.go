package message

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func buildRoundTrip(t *testing.T, codec CompressionCodec) *RecordBatch {
	t.Helper()
	b := NewBatchBuilder(codec)
	b.Add(42, 1000, []byte("k1"), []byte("v1"), nil)
	b.Add(43, 1001, []byte("k2"), nil, nil) // tombstone
	b.Add(44, 1002, nil, []byte("v3"), nil)

	raw, err := b.Build()
	require.NoError(t, err)

	batch, err := DecodeBatch(raw)
	require.NoError(t, err)
	require.Equal(t, int64(42), batch.Header.BaseOffset)
	require.Equal(t, int32(3), batch.Header.RecordsCount)
	require.Equal(t, codec, batch.Compression())
	return batch
}

func TestBatchBuilder_RoundTrip_NoCompression(t *testing.T) {
	batch := buildRoundTrip(t, CompressionNone)
	assertRecords(t, batch)
}

func TestBatchBuilder_RoundTrip_Gzip(t *testing.T) {
	batch := buildRoundTrip(t, CompressionGzip)
	assertRecords(t, batch)
}

func TestBatchBuilder_RoundTrip_Snappy(t *testing.T) {
	batch := buildRoundTrip(t, CompressionSnappy)
	assertRecords(t, batch)
}

func TestBatchBuilder_RoundTrip_LZ4(t *testing.T) {
	batch := buildRoundTrip(t, CompressionLZ4)
	assertRecords(t, batch)
}

func TestBatchBuilder_RoundTrip_Zstd(t *testing.T) {
	batch := buildRoundTrip(t, CompressionZstd)
	assertRecords(t, batch)
}

func assertRecords(t *testing.T, batch *RecordBatch) {
	t.Helper()
	it, err := batch.Records()
	require.NoError(t, err)

	var rec Record
	var got []Record
	for it.Next(&rec) {
		got = append(got, rec)
	}
	require.Len(t, got, 3)

	require.Equal(t, int64(42), got[0].Offset)
	require.Equal(t, "k1", string(got[0].Key))
	require.Equal(t, "v1", string(got[0].Value))

	require.Equal(t, int64(43), got[1].Offset)
	require.Equal(t, "k2", string(got[1].Key))
	require.Nil(t, got[1].Value)

	require.Equal(t, int64(44), got[2].Offset)
	require.Nil(t, got[2].Key)
	require.Equal(t, "v3", string(got[2].Value))
}

// decodedRecord projects a Record down to its exported fields so cmp.Diff
// doesn't need to know about headersRaw.
type decodedRecord struct {
	Offset int64
	Key    string
	Value  string
}

func projectRecords(t *testing.T, batch *RecordBatch) []decodedRecord {
	t.Helper()
	it, err := batch.Records()
	require.NoError(t, err)

	var rec Record
	var out []decodedRecord
	for it.Next(&rec) {
		out = append(out, decodedRecord{Offset: rec.Offset, Key: string(rec.Key), Value: string(rec.Value)})
	}
	return out
}

// TestBatchBuilder_RoundTrip_DeepEqual checks that every codec decodes back
// to the exact same record sequence, independent of compression.
func TestBatchBuilder_RoundTrip_DeepEqual(t *testing.T) {
	want := []decodedRecord{
		{Offset: 42, Key: "k1", Value: "v1"},
		{Offset: 43, Key: "k2", Value: ""},
		{Offset: 44, Key: "", Value: "v3"},
	}

	codecs := []CompressionCodec{CompressionNone, CompressionGzip, CompressionSnappy, CompressionLZ4, CompressionZstd}
	for _, codec := range codecs {
		batch := buildRoundTrip(t, codec)
		got := projectRecords(t, batch)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("codec %v: decoded records mismatch (-want +got):\n%s", codec, diff)
		}
	}
}

func TestBatchBuilder_PreservesOffsetGaps(t *testing.T) {
	b := NewBatchBuilder(CompressionNone)
	b.Add(1, 100, []byte("a"), []byte("v1"), nil)
	b.Add(4, 101, []byte("b"), []byte("v2"), nil)

	raw, err := b.Build()
	require.NoError(t, err)

	batch, err := DecodeBatch(raw)
	require.NoError(t, err)
	require.Equal(t, int64(1), batch.Header.BaseOffset)
	require.Equal(t, int32(3), batch.Header.LastOffsetDelta)
	require.Equal(t, int32(2), batch.Header.RecordsCount)

	it, err := batch.Records()
	require.NoError(t, err)
	var rec Record
	var offsets []int64
	for it.Next(&rec) {
		offsets = append(offsets, rec.Offset)
	}
	require.Equal(t, []int64{1, 4}, offsets)
}

func TestBatchBuilder_EmptyBuildFails(t *testing.T) {
	b := NewBatchBuilder(CompressionNone)
	_, err := b.Build()
	require.Error(t, err)
}

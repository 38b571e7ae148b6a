package message

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// PendingRecord is a single record staged for inclusion in a batch being
// built. Offset is the record's absolute offset; records need not be
// densely numbered (a compacted batch may retain records at offsets 1, 2, 4
// after offset 0 and 3 were removed), so the builder always computes each
// record's OffsetDelta from this field rather than from its position in the
// staged slice.
type PendingRecord struct {
	Offset      int64
	TimestampMs int64
	Key         []byte
	Value       []byte // nil distinguishes a tombstone from an empty value
	Headers     []Header
}

// BatchBuilder assembles a Kafka v2 RecordBatch from a set of pending
// records, optionally compressing the inner payload. It is used both by the
// producer's accumulator (sealing a batch for the dispatcher) and by the
// cleaner (recompressing the retained subset of a compacted segment with
// its original codec).
type BatchBuilder struct {
	records  []PendingRecord
	codec    CompressionCodec
	producer struct {
		id    int64
		epoch int16
	}
}

func NewBatchBuilder(codec CompressionCodec) *BatchBuilder {
	b := &BatchBuilder{codec: codec}
	b.producer.id = -1
	b.producer.epoch = -1
	return b
}

// Add stages a record at its absolute offset, using the current
// wall-clock-independent timestamp supplied by the caller (producers stamp
// at append time, the cleaner carries an existing record's timestamp
// forward unchanged). Records must be added in increasing offset order.
func (b *BatchBuilder) Add(offset, ts int64, key, value []byte, headers []Header) {
	b.records = append(b.records, PendingRecord{Offset: offset, TimestampMs: ts, Key: key, Value: value, Headers: headers})
}

// Len reports the number of records staged so far.
func (b *BatchBuilder) Len() int { return len(b.records) }

// Build encodes the staged records into a complete, framed RecordBatch,
// compresses the inner payload with the builder's codec, and returns the
// finished bytes (ready to hand to Segment.Append or to a network response
// writer). The batch's BaseOffset is the first staged record's Offset;
// OffsetDelta/LastOffsetDelta are computed from each record's own Offset so
// gaps left by compaction are preserved rather than renumbered.
func (b *BatchBuilder) Build() ([]byte, error) {
	if len(b.records) == 0 {
		return nil, fmt.Errorf("cannot build an empty record batch")
	}

	baseOffset := b.records[0].Offset
	baseTimestamp := b.records[0].TimestampMs
	maxTimestamp := baseTimestamp
	lastOffsetDelta := int32(0)

	var inner []byte
	var varintBuf [10]byte
	for _, r := range b.records {
		if r.TimestampMs > maxTimestamp {
			maxTimestamp = r.TimestampMs
		}
		delta := int32(r.Offset - baseOffset)
		if delta > lastOffsetDelta {
			lastOffsetDelta = delta
		}
		inner = append(inner, encodeRecord(&varintBuf, delta, baseTimestamp, r)...)
	}

	payload, err := Compress(b.codec, inner)
	if err != nil {
		return nil, err
	}

	header := make([]byte, BATCH_HEADER_SIZE)
	totalSize := BATCH_HEADER_SIZE + len(payload)
	batchLength := int32(totalSize - 12)

	binary.BigEndian.PutUint64(header[0:8], uint64(baseOffset))
	binary.BigEndian.PutUint32(header[8:12], uint32(batchLength))
	binary.BigEndian.PutUint32(header[12:16], 0) // PartitionLeaderEpoch
	header[16] = 2                               // Magic
	binary.BigEndian.PutUint16(header[21:23], uint16(int16(b.codec)&compressionMask))
	binary.BigEndian.PutUint32(header[23:27], uint32(lastOffsetDelta))
	binary.BigEndian.PutUint64(header[27:35], uint64(baseTimestamp))
	binary.BigEndian.PutUint64(header[35:43], uint64(maxTimestamp))
	binary.BigEndian.PutUint64(header[43:51], uint64(b.producer.id))
	binary.BigEndian.PutUint16(header[51:53], uint16(b.producer.epoch))
	binary.BigEndian.PutUint32(header[53:57], ^uint32(0)) // BaseSequence (-1)
	binary.BigEndian.PutUint32(header[57:61], uint32(len(b.records)))

	full := append(header, payload...)
	crc := crc32.Checksum(full[21:], crcTable)
	binary.BigEndian.PutUint32(full[17:21], crc)

	return full, nil
}

func encodeRecord(varintBuf *[10]byte, deltaOffset int32, baseTimestamp int64, r PendingRecord) []byte {
	var body []byte

	body = append(body, 0) // Attributes

	n := binary.PutVarint(varintBuf[:], r.TimestampMs-baseTimestamp)
	body = append(body, varintBuf[:n]...)

	n = binary.PutVarint(varintBuf[:], int64(deltaOffset))
	body = append(body, varintBuf[:n]...)

	body = appendBytesField(body, varintBuf, r.Key)
	body = appendBytesField(body, varintBuf, r.Value)

	n = binary.PutVarint(varintBuf[:], int64(len(r.Headers)))
	body = append(body, varintBuf[:n]...)
	for _, h := range r.Headers {
		body = appendBytesField(body, varintBuf, h.Key)
		body = appendBytesField(body, varintBuf, h.Value)
	}

	recLen := int64(len(body))
	n = binary.PutVarint(varintBuf[:], recLen)

	out := make([]byte, n+len(body))
	copy(out, varintBuf[:n])
	copy(out[n:], body)
	return out
}

func appendBytesField(body []byte, varintBuf *[10]byte, field []byte) []byte {
	if field == nil {
		n := binary.PutVarint(varintBuf[:], -1)
		return append(body, varintBuf[:n]...)
	}
	n := binary.PutVarint(varintBuf[:], int64(len(field)))
	body = append(body, varintBuf[:n]...)
	return append(body, field...)
}

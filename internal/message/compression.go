package message

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionCodec identifies the compression container wrapping a record
// batch's payload, encoded in the low 3 bits of BatchHeader.Attributes per
// the Kafka v2 wire format.
type CompressionCodec int8

const (
	CompressionNone   CompressionCodec = 0
	CompressionGzip   CompressionCodec = 1
	CompressionSnappy CompressionCodec = 2
	CompressionLZ4    CompressionCodec = 3
	CompressionZstd   CompressionCodec = 4

	compressionMask = 0x7
)

var ErrUnknownCodec = errors.New("unknown compression codec")

// Compression extracts the codec from the batch's Attributes field.
func (b *RecordBatch) Compression() CompressionCodec {
	return CompressionCodec(b.Header.Attributes & compressionMask)
}

// DecodedPayload returns the batch's record payload with any compression
// container removed. For CompressionNone this is the zero-copy Payload
// slice; otherwise it is a freshly allocated buffer.
func (b *RecordBatch) DecodedPayload() ([]byte, error) {
	return Decompress(b.Compression(), b.Payload)
}

// Records decodes the batch's (possibly compressed) payload and returns an
// iterator over its records.
func (b *RecordBatch) Records() (*BatchIterator, error) {
	payload, err := b.DecodedPayload()
	if err != nil {
		return nil, err
	}
	return &BatchIterator{
		data:          payload,
		recordsLeft:   b.Header.RecordsCount,
		baseOffset:    b.Header.BaseOffset,
		baseTimestamp: b.Header.BaseTimestamp,
	}, nil
}

// Decompress unwraps payload according to codec.
func Decompress(codec CompressionCodec, payload []byte) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return payload, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return out, nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("snappy: %w", err)
		}
		return out, nil
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(payload))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		return out, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
}

// Compress wraps payload in codec's container. Used when finalizing a
// producer batch and when a cleaner recompresses the retained subset of a
// compacted segment, preserving the original batch's codec.
func Compress(codec CompressionCodec, payload []byte) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return payload, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		return snappy.Encode(nil, payload), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
}

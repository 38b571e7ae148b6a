package producer

import "lightkafka/internal/message"

// Config holds the accumulator's sizing and pacing knobs.
type Config struct {
	BatchSizeBytes   int64
	LingerMs         int64
	RetryBackoffMs   int64
	RequestTimeoutMs int64
	TotalMemoryBytes int64
	Compression      message.CompressionCodec
}

// DefaultConfig mirrors the teacher's other Default*() constructors.
func DefaultConfig() Config {
	return Config{
		BatchSizeBytes:   16 << 10,
		LingerMs:         0,
		RetryBackoffMs:   100,
		RequestTimeoutMs: 30000,
		TotalMemoryBytes: 32 << 20,
		Compression:      message.CompressionNone,
	}
}

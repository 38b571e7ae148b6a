package producer

import "errors"

// ErrAllocTimeout is returned by BufferPool.Allocate when no buffer became
// available before maxBlockMs elapsed.
var ErrAllocTimeout = errors.New("producer: buffer pool allocation timed out")

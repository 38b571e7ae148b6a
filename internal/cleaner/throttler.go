package cleaner

import (
	"sync"
	"time"
)

// throttler is a simple token-bucket limiter over bytes read, shared by
// every cleaner thread, matching the "global I/O rate limiter" the cleaner
// must throttle against. A bare stdlib implementation: the one pack
// dependency that offers a general rate limiter (golang.org/x/time/rate)
// only shows up as a transitive entry in other repos' go.sum, never
// actually imported by any example's source, so there is no concrete idiom
// in the corpus to follow here.
type throttler struct {
	mu           sync.Mutex
	bytesPerSec  int64
	bucket       int64
	last         time.Time
	nowFn        func() time.Time
}

func newThrottler(bytesPerSec int64) *throttler {
	return &throttler{
		bytesPerSec: bytesPerSec,
		last:        time.Now(),
		nowFn:       time.Now,
	}
}

// recordAndWait accounts n bytes just read and blocks, if necessary, so
// that the long-run rate stays at or below bytesPerSec. A non-positive
// bytesPerSec disables throttling entirely.
func (t *throttler) recordAndWait(n int) {
	if t.bytesPerSec <= 0 || n <= 0 {
		return
	}

	t.mu.Lock()
	now := t.nowFn()
	elapsed := now.Sub(t.last)
	t.last = now
	t.bucket += int64(elapsed.Seconds() * float64(t.bytesPerSec))
	if t.bucket > t.bytesPerSec {
		t.bucket = t.bytesPerSec
	}
	t.bucket -= int64(n)
	deficit := -t.bucket
	t.mu.Unlock()

	if deficit > 0 {
		wait := time.Duration(float64(deficit) / float64(t.bytesPerSec) * float64(time.Second))
		time.Sleep(wait)
	}
}

// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package supervisor

import (
	"sync"
	"time"
)

// tokenBucket is the per-instance restart-rate limiter of spec §4.5:
// "a per-instance token bucket at restart_max_rate (default 1/min)
// governs automated restarts."
type tokenBucket struct {
	mu            sync.Mutex
	capacity      float64
	tokens        float64
	refillPerSec  float64
	lastRefill    time.Time
}

// newTokenBucket builds a bucket with the given burst capacity that
// refills continuously at refillPerSec tokens/second, starting full.
func newTokenBucket(capacity, refillPerSec float64) *tokenBucket {
	return &tokenBucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPerSec: refillPerSec,
		lastRefill:   time.Now(),
	}
}

// take reports whether a token was available and, if so, consumes it.
func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"sync"
	"time"
)

// RateLimiter is a sliding one-minute window limiter per provider.
//
// Description:
//
//	Keeps the timestamps of calls admitted in the last minute. When the
//	window is full, Allow reports how long until the oldest entry expires.
//	Providers without a configured limit are never throttled.
//
// Thread Safety: Safe for concurrent use via sync.Mutex.
type RateLimiter struct {
	mu      sync.Mutex
	limits  map[string]int
	windows map[string][]int64 // admitted call times in Unix milliseconds
	now     func() time.Time
}

// NewRateLimiter creates a limiter.
//
// Inputs:
//   - limitsPerMin: Requests per minute by provider name. Zero means unlimited.
func NewRateLimiter(limitsPerMin map[string]int) *RateLimiter {
	limits := make(map[string]int, len(limitsPerMin))
	for k, v := range limitsPerMin {
		limits[k] = v
	}
	return &RateLimiter{
		limits:  limits,
		windows: make(map[string][]int64),
		now:     time.Now,
	}
}

// Allow admits one call to provider if the window has room.
//
// Outputs:
//   - bool: True if admitted; the call is recorded.
//   - time.Duration: Wait until the next slot frees, zero when admitted.
func (r *RateLimiter) Allow(provider string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.limits[provider]
	if limit <= 0 {
		return true, 0
	}

	now := r.now().UnixMilli()
	windowStart := now - 60_000

	timestamps := r.windows[provider]
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts > windowStart {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= limit {
		r.windows[provider] = pruned
		return false, time.Duration(pruned[0]+60_000-now) * time.Millisecond
	}

	r.windows[provider] = append(pruned, now)
	return true, 0
}

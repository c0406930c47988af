// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package ops

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
)

// RequestID propagates X-Request-ID, generating one when absent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// getOrCreateRequestID returns the id set by RequestID.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetString(ctxRequestID); id != "" {
		return id
	}
	id := uuid.NewString()
	c.Set(ctxRequestID, id)
	return id
}

// Metrics records request counts and latency per matched route.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestSeconds.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}

// =============================================================================
// Per-Actor Rate Limiting
// =============================================================================

// maxTrackedActors triggers eviction of idle limiters.
const maxTrackedActors = 4096

// ActorLimiter throttles chat requests per actor with a token bucket each.
//
// Thread Safety: Safe for concurrent use. A nil *ActorLimiter allows everything.
type ActorLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
	limiters map[string]*actorBucket
}

type actorBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewActorLimiter returns a limiter allowing perSecond sustained requests
// with the given burst per actor. It returns nil when perSecond <= 0.
func NewActorLimiter(perSecond float64, burst int) *ActorLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ActorLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
		limiters: make(map[string]*actorBucket),
	}
}

// Allow reports whether key may proceed now.
//
// Outputs:
//   - bool: True if a token was taken.
//   - time.Duration: When denied, how long until a token is available.
func (l *ActorLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	b, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxTrackedActors {
			l.evictLocked(now)
		}
		b = &actorBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (l *ActorLimiter) evictLocked(now time.Time) {
	for k, b := range l.limiters {
		if now.Sub(b.seen) > l.idle {
			delete(l.limiters, k)
		}
	}
}

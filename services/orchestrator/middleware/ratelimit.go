// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Rate limit defaults: 100 requests per 15 minutes with a burst of 20.
const (
	DefaultRateRequests = 100
	DefaultRateWindow   = 15 * time.Minute
	DefaultRateBurst    = 20
	DefaultRateIdleTTL  = 30 * time.Minute
)

// RateLimitConfig tunes RateLimiter. Zero values take defaults.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Burst    int

	// IdleTTL evicts limiters unused for this long.
	IdleTTL time.Duration
}

// RateLimiter keeps one token bucket per caller key.
//
// # Thread Safety
//
// Safe for concurrent use. Idle limiters are swept lazily on Allow.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	limiters  map[string]*keyedLimiter
	lastSweep time.Time
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a RateLimiter from cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = DefaultRateRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateWindow
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultRateBurst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateIdleTTL
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds()),
		burst:    cfg.Burst,
		idleTTL:  cfg.IdleTTL,
		now:      time.Now,
		limiters: make(map[string]*keyedLimiter),
	}
}

// Allow consumes one token for key. When denied it also returns how long
// until the next token.
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := r.now()

	r.mu.Lock()
	r.sweepLocked(now)
	kl, ok := r.limiters[key]
	if !ok {
		kl = &keyedLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = kl
	}
	kl.lastSeen = now
	r.mu.Unlock()

	res := kl.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, 0
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len returns the number of tracked keys.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// Sweep evicts every idle limiter now and returns how many were removed.
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked(r.now())
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.idleTTL/2 {
		return
	}
	r.evictLocked(now)
}

func (r *RateLimiter) evictLocked(now time.Time) int {
	r.lastSweep = now
	removed := 0
	for key, kl := range r.limiters {
		if now.Sub(kl.lastSeen) > r.idleTTL {
			delete(r.limiters, key)
			removed++
		}
	}
	return removed
}

// RateLimit throttles each caller, keyed by user ID when authenticated and
// client IP otherwise. Denied requests get 429 with Retry-After.
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id := UserID(c); id != "" {
			key = "user:" + id
		}

		ok, retryAfter := limiter.Allow(key)
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests, please try again later",
			})
			return
		}
		c.Next()
	}
}

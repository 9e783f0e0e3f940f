// Package ratelimit owns one token-bucket limiter per API key. Limiters
// are created lazily with a full bucket and live for the process
// lifetime; key cardinality is small enough that eviction is not worth
// the bookkeeping.
package ratelimit

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetOrCreate returns the limiter for the key, creating it on first use.
// The per-minute figure is converted to the per-second refill rate the
// bucket runs on. Subsequent calls ignore the limit arguments; a changed
// quota takes effect through Reset.
func (r *Registry) GetOrCreate(key string, perMinute float64, burst int) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lim, ok := r.limiters[key]; ok {
		return lim
	}

	lim := rate.NewLimiter(rate.Limit(perMinute/60.0), burst)
	r.limiters[key] = lim
	r.logger.Debug("Created rate limiter", "key", key, "per_minute", perMinute, "burst", burst)
	return lim
}

// Reset drops the limiter for a key so the next request rebuilds it from
// the record's current quota. Called after an admin updates a record.
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, key)
}

// Remaining reports the whole tokens currently in the bucket, clamped at
// zero. Used for the X-RateLimit-Remaining response header.
func Remaining(lim *rate.Limiter) int {
	tokens := int(lim.Tokens())
	if tokens < 0 {
		return 0
	}
	return tokens
}

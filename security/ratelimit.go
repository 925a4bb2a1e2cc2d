package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRateLimiterEntries bounds the number of tracked identifiers.
	DefaultMaxRateLimiterEntries = 10000

	defaultLimiterCleanupInterval = 5 * time.Minute
	defaultLimiterIdleTimeout     = 30 * time.Minute
)

type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastSeen   time.Time
}

// RateLimiter is a token bucket per identifier with LRU eviction.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	evictions int64
	cleanups  int64
}

// NewRateLimiter creates a rate limiter tracking at most
// DefaultMaxRateLimiterEntries identifiers.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultMaxRateLimiterEntries, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom entry bound.
// maxEntries of 0 means unbounded.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid rate limiter maxEntries, using default", "maxEntries", maxEntries)
		maxEntries = DefaultMaxRateLimiterEntries
	}

	rl := &RateLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop(defaultLimiterCleanupInterval)
	return rl
}

// Allow consumes one token from the identifier's bucket.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastSeen = now
		return entry.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastSeen:   now,
	}
	rl.entries[identifier] = rl.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// evictOldest must be called with mu held.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.entries, entry.identifier)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.entries))
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(defaultLimiterIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops limiters idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if entry.lastSeen.After(cutoff) {
			// The list is ordered by recency; everything in front is newer.
			break
		}
		prev := elem.Prev()
		delete(rl.entries, entry.identifier)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.cleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}

// Stop terminates the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalCleanups  int64
}

// GetStats returns current rate limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return Stats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.evictions,
		TotalCleanups:  rl.cleanups,
	}
}

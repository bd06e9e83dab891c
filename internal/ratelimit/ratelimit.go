// Package ratelimit provides token buckets for inbound socket traffic.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second up to burst.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiterAt(rate, burst, time.Now)
}

func newLimiterAt(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN takes n tokens at once or none.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}

	return false
}

// full reports whether the bucket has refilled to burst by now.
func (l *Limiter) full(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens+now.Sub(l.lastUpdate).Seconds()*l.rate >= float64(l.burst)
}

// KeyedLimiters hands out one Limiter per key, e.g. per remote host for
// connection admission. Buckets that have refilled are forgotten
// periodically; a fresh bucket behaves the same.
type KeyedLimiters struct {
	limiters        map[string]*Limiter
	rate            float64
	burst           int
	now             func() time.Time
	mu              sync.RWMutex
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewKeyedLimiters(rate float64, burst int) *KeyedLimiters {
	kl := newKeyedLimitersAt(rate, burst, time.Now)
	go kl.cleanup()
	return kl
}

func newKeyedLimitersAt(rate float64, burst int, now func() time.Time) *KeyedLimiters {
	return &KeyedLimiters{
		limiters:        make(map[string]*Limiter),
		rate:            rate,
		burst:           burst,
		now:             now,
		cleanupInterval: time.Minute,
		stop:            make(chan struct{}),
	}
}

func (kl *KeyedLimiters) Get(key string) *Limiter {
	kl.mu.RLock()
	limiter, ok := kl.limiters[key]
	kl.mu.RUnlock()

	if ok {
		return limiter
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()

	if limiter, ok := kl.limiters[key]; ok {
		return limiter
	}

	limiter = newLimiterAt(kl.rate, kl.burst, kl.now)
	kl.limiters[key] = limiter
	return limiter
}

// Allow is shorthand for Get(key).Allow().
func (kl *KeyedLimiters) Allow(key string) bool {
	return kl.Get(key).Allow()
}

func (kl *KeyedLimiters) Stop() {
	kl.stopOnce.Do(func() { close(kl.stop) })
}

// prune drops every bucket that is back at burst.
func (kl *KeyedLimiters) prune() int {
	now := kl.now()
	kl.mu.Lock()
	defer kl.mu.Unlock()
	dropped := 0
	for key, l := range kl.limiters {
		if l.full(now) {
			delete(kl.limiters, key)
			dropped++
		}
	}
	return dropped
}

func (kl *KeyedLimiters) cleanup() {
	ticker := time.NewTicker(kl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-kl.stop:
			return
		case <-ticker.C:
			kl.prune()
		}
	}
}

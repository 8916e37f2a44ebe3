// Package ratelimit implements the per-uuid admission control from
// spec §4.2: a 60-second rolling window capped at a configured count.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits or rejects a request for a given uuid.
type Limiter interface {
	// Admit rolls the window for uuid if needed, then reports whether
	// the request is admitted under limit. MemoryLimiter increments the
	// count only when admitted; RedisLimiter increments it on every call.
	Admit(uuid string, limit int) bool
}

const window = 60 * time.Second

type bucket struct {
	windowStart time.Time
	count       int
}

// shardCount controls how many independent mutex-protected maps back
// the limiter; the spec explicitly allows sharding as an optimization.
const shardCount = 16

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// MemoryLimiter is the in-memory, mutex-sharded implementation.
type MemoryLimiter struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewMemoryLimiter constructs a MemoryLimiter with empty shards.
func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

func (l *MemoryLimiter) shardFor(uuid string) *shard {
	var h uint32
	for i := 0; i < len(uuid); i++ {
		h = h*31 + uint32(uuid[i])
	}
	return l.shards[h%shardCount]
}

// Admit implements Limiter.
func (l *MemoryLimiter) Admit(uuid string, limit int) bool {
	sh := l.shardFor(uuid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.now()
	b, ok := sh.buckets[uuid]
	if !ok {
		b = &bucket{windowStart: now}
		sh.buckets[uuid] = b
	}
	if now.Sub(b.windowStart) >= window {
		b.windowStart = now
		b.count = 0
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

// Sweep removes buckets whose window has elapsed and that have not
// been touched since, bounding map growth for subscriptions that stop
// sending traffic (they are also GC'd opportunistically on touch).
func (l *MemoryLimiter) Sweep() {
	now := l.now()
	for _, sh := range l.shards {
		sh.mu.Lock()
		for uuid, b := range sh.buckets {
			if now.Sub(b.windowStart) >= 2*window {
				delete(sh.buckets, uuid)
			}
		}
		sh.mu.Unlock()
	}
}

// Forget removes any bucket for uuid, called when a subscription is
// deleted so its rate-limit state doesn't linger.
func (l *MemoryLimiter) Forget(uuid string) {
	sh := l.shardFor(uuid)
	sh.mu.Lock()
	delete(sh.buckets, uuid)
	sh.mu.Unlock()
}

package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// SlidingLimiter keeps a per-key window of request timestamps. On every
// check the window is pruned to the trailing interval before the count is
// compared to the ceiling. Buckets live in a bounded LRU so distinct keys
// cannot grow the map without limit; Sweep drops keys whose window has
// fully expired.
type SlidingLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	buckets  map[string]*list.Element
	order    *list.List
	now      func() time.Time
}

type bucket struct {
	key        string
	timestamps []time.Time
}

const DefaultCapacity = 10000

func NewSliding(window time.Duration, capacity int) *SlidingLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SlidingLimiter{
		window:   window,
		capacity: capacity,
		buckets:  map[string]*list.Element{},
		order:    list.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *SlidingLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.buckets[key]
	var b *bucket
	if ok {
		l.order.MoveToFront(elem)
		b = elem.Value.(*bucket)
	} else {
		b = &bucket{key: key}
		l.buckets[key] = l.order.PushFront(b)
		if l.order.Len() > l.capacity {
			l.evictOldest()
		}
	}

	b.prune(cutoff)
	if len(b.timestamps) >= limit {
		return Decision{
			Allowed:   false,
			Count:     len(b.timestamps),
			Limit:     limit,
			Remaining: 0,
			ResetAt:   b.timestamps[0].Add(l.window),
		}
	}
	b.timestamps = append(b.timestamps, now)
	return Decision{
		Allowed:   true,
		Count:     len(b.timestamps),
		Limit:     limit,
		Remaining: limit - len(b.timestamps),
		ResetAt:   b.timestamps[0].Add(l.window),
	}
}

// Sweep removes every bucket whose newest timestamp fell out of the window.
// Intended to run periodically from a background loop.
func (l *SlidingLimiter) Sweep() int {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for elem := l.order.Back(); elem != nil; {
		prev := elem.Prev()
		b := elem.Value.(*bucket)
		if len(b.timestamps) == 0 || b.timestamps[len(b.timestamps)-1].Before(cutoff) {
			l.order.Remove(elem)
			delete(l.buckets, b.key)
			removed++
		}
		elem = prev
	}
	return removed
}

// Keys reports the number of tracked buckets.
func (l *SlidingLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *SlidingLimiter) evictOldest() {
	elem := l.order.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*bucket)
	l.order.Remove(elem)
	delete(l.buckets, b.key)
}

func (b *bucket) prune(cutoff time.Time) {
	idx := 0
	for idx < len(b.timestamps) && !b.timestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		b.timestamps = append(b.timestamps[:0], b.timestamps[idx:]...)
	}
}

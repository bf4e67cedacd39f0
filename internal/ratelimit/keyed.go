package ratelimit

import (
	"container/list"
	"sync"
)

// KeyedLimiter keeps one TokenBucket per key (user ID, remote address) and
// bounds memory by evicting the least recently used bucket.
type KeyedLimiter struct {
	clock   Clock
	rate    int64
	maxKeys int

	onEvict func()

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

// NewKeyedLimiter returns nil when rate <= 0. A nil limiter allows everything.
func NewKeyedLimiter(clock Clock, rate, maxKeys int, onEvict func()) *KeyedLimiter {
	if rate <= 0 {
		return nil
	}
	if maxKeys <= 0 {
		maxKeys = 1024
	}
	return &KeyedLimiter{
		clock:   clock,
		rate:    int64(rate),
		maxKeys: maxKeys,
		onEvict: onEvict,
		buckets: make(map[string]*keyedEntry),
		lru:     list.New(),
	}
}

func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.bucket(key).Allow(1)
}

func (l *KeyedLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) bucket(key string) *TokenBucket {
	var evicted bool

	l.mu.Lock()
	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		l.mu.Unlock()
		return entry.bucket
	}

	if len(l.buckets) >= l.maxKeys {
		if elem := l.lru.Back(); elem != nil {
			l.lru.Remove(elem)
			delete(l.buckets, elem.Value.(string))
			evicted = true
		}
	}

	bucket := NewTokenBucket(l.clock, l.rate, l.rate)
	l.buckets[key] = &keyedEntry{
		bucket: bucket,
		elem:   l.lru.PushFront(key),
	}
	l.mu.Unlock()

	if evicted && l.onEvict != nil {
		l.onEvict()
	}
	return bucket
}

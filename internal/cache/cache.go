// Package cache holds query results in memory with a TTL and a bound on the
// number of keys.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultTTL         = 300 * time.Second
	DefaultCheckPeriod = 120 * time.Second
	DefaultMaxKeys     = 1000
)

// Config controls cache behaviour. Zero durations and sizes fall back to the
// package defaults.
type Config struct {
	Enabled     bool
	TTL         time.Duration
	MaxKeys     int
	CheckPeriod time.Duration
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Keys     int     `json:"keys"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
	MissRate float64 `json:"miss_rate"`
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// Cache is safe for concurrent use. Values are stored and returned as-is;
// callers must not mutate a value after handing it to Set or receiving it
// from Get.
type Cache struct {
	enabled     bool
	ttl         time.Duration
	maxKeys     int
	checkPeriod time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is oldest insertion
	hits    int64
	misses  int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New builds a Cache and, when enabled, starts the background sweep.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		enabled:     cfg.Enabled,
		ttl:         cfg.TTL,
		maxKeys:     cfg.MaxKeys,
		checkPeriod: cfg.CheckPeriod,
		now:         time.Now,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.maxKeys <= 0 {
		c.maxKeys = DefaultMaxKeys
	}
	if c.checkPeriod <= 0 {
		c.checkPeriod = DefaultCheckPeriod
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.enabled {
		go c.sweepLoop()
	} else {
		close(c.done)
	}
	return c
}

// Enabled reports whether the cache stores anything.
func (c *Cache) Enabled() bool { return c.enabled }

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the value for key. Hits and misses are only counted while the
// cache is enabled.
func (c *Cache) Get(key string) (any, bool) {
	if !c.enabled {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key for ttl, or the default TTL when ttl <= 0. It
// returns false when the cache is disabled.
func (c *Cache) Set(key string, value any, ttl time.Duration) bool {
	if !c.enabled {
		return false
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
	if len(c.entries) >= c.maxKeys {
		c.evictExpired(now)
	}
	for len(c.entries) >= c.maxKeys {
		c.removeElement(c.order.Front())
	}

	e := &entry{key: key, value: value, expiresAt: now.Add(ttl)}
	c.entries[key] = c.order.PushBack(e)
	return true
}

// Del removes keys and returns how many were present.
func (c *Cache) Del(keys ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, key := range keys {
		if el, ok := c.entries[key]; ok {
			c.removeElement(el)
			n++
		}
	}
	return n
}

// Stats returns key count and hit/miss figures. Rates are 0 before the first
// lookup.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Keys: len(c.entries), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
		s.MissRate = float64(c.misses) / float64(total)
	}
	return s
}

// Flush drops every entry and resets the counters in one step.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.hits = 0
	c.misses = 0
}

// Close stops the background sweep and drops all entries. Safe to call more
// than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		c.Flush()
	})
}

func (c *Cache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.checkPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes expired entries and returns how many were dropped.
func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictExpired(c.now())
}

func (c *Cache) evictExpired(now time.Time) int {
	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry).expiresAt) {
			c.removeElement(el)
			n++
		}
		el = next
	}
	return n
}

func (c *Cache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
}

// GenerateKey fingerprints an operation's inputs. Map keys are encoded in
// sorted order, so logically equal requests produce the same key regardless
// of how their objects were built.
func GenerateKey(operation, database, collection string, query, options any) string {
	payload := map[string]any{
		"operation":  operation,
		"database":   database,
		"collection": collection,
		"query":      query,
		"options":    options,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte(fmt.Sprintf("%#v", payload))
	}
	sum := sha256.Sum256(b)
	return operation + ":" + hex.EncodeToString(sum[:])
}

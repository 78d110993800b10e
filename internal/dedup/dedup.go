// Package dedup implements the short-window duplicate suppression half of
// spec.md §4.3. It is grounded in the teacher's
// pkg/deduplication/deduplication_manager.go: a bounded map protected by a
// single mutex, entries expired lazily on lookup and swept periodically, LRU
// eviction on overflow. The content-hash construction is generalized here
// from the teacher's "message (+ optional source/timestamp)" input to the
// spec's required "message, level, logger, timestamp-truncated-to-the-second"
// input (§4.3: a false positive would silently drop a distinct event and is
// disallowed, so the hash must cover enough fields to make collisions
// between genuinely distinct log lines vanishingly unlikely).
package dedup

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"excluster/internal/metrics"
	"excluster/pkg/types"
)

// Config controls the cache's capacity and expiry window.
type Config struct {
	// Window is W from §4.3: entries are considered duplicates for this
	// long after first being seen. Default 600s (spec.md §6 default).
	Window time.Duration

	// MaxEntries bounds the cache; on overflow the oldest (least recently
	// touched) entries are evicted first.
	MaxEntries int

	// CleanupInterval is how often the background sweep removes expired
	// entries proactively, bounding worst-case memory between sweeps.
	CleanupInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Window <= 0 {
		c.Window = 600 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 500000
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

type entry struct {
	expiresAt time.Time
	prev, next *entry
	key        string
}

// Cache is a bounded, TTL-expiring, LRU-evicting map keyed by
// (service_id, content_hash), matching the (service_id, log_content_hash)
// pair named in §4.3's dedup contract.
type Cache struct {
	cfg    Config
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[string]*entry
	head    *entry // most recently touched
	tail    *entry // least recently touched

	cancel func()
}

// New constructs a Cache and starts its background cleanup loop.
func New(cfg Config, logger *logrus.Logger) *Cache {
	cfg.setDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Cache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
	}
	c.head = &entry{}
	c.tail = &entry{}
	c.head.next = c.tail
	c.tail.prev = c.head

	done := make(chan struct{})
	c.cancel = sync.OnceFunc(func() { close(done) })
	go c.cleanupLoop(done)
	return c
}

// Close stops the background cleanup loop.
func (c *Cache) Close() { c.cancel() }

// ContentHash computes the dedup hash input required by §4.3: message,
// level, logger, and the timestamp truncated to the second — wide enough
// that two genuinely distinct events essentially never collide, while still
// treating near-simultaneous byte-identical retries as the same event.
func ContentHash(log types.NormalizedLog) string {
	input := fmt.Sprintf("%s|%s|%s|%d", log.Message, log.Level, log.Logger, log.Timestamp.Truncate(time.Second).Unix())
	return fmt.Sprintf("%016x", xxhash.Sum64String(input))
}

// IsDuplicate reports whether (serviceID, contentHash) was already seen
// within the last Window and, if not, records it as seen now. The check and
// record are atomic with respect to other callers so that two concurrent
// callers with the same key cannot both observe "not a duplicate".
func (c *Cache) IsDuplicate(serviceID, contentHash string) bool {
	key := serviceID + "\x00" + contentHash
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if now.Before(e.expiresAt) {
			c.moveToFront(e)
			metrics.DedupHitsTotal.Inc()
			return true
		}
		// Expired: treat as a fresh key, fall through to re-add.
		c.remove(e)
		delete(c.entries, key)
	}

	if len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldest()
	}

	e := &entry{key: key, expiresAt: now.Add(c.cfg.Window)}
	c.entries[key] = e
	c.addFront(e)
	return false
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) addFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *Cache) remove(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *Cache) moveToFront(e *entry) {
	c.remove(e)
	c.addFront(e)
}

func (c *Cache) evictOldest() {
	if c.tail.prev == c.head {
		return
	}
	oldest := c.tail.prev
	c.remove(oldest)
	delete(c.entries, oldest.key)
	metrics.DedupEvictionsTotal.Inc()
}

func (c *Cache) cleanupLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expired := make([]string, 0)
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		if e, ok := c.entries[key]; ok {
			c.remove(e)
			delete(c.entries, key)
		}
	}
	if len(expired) > 0 {
		c.logger.WithField("expired", len(expired)).Debug("dedup cache swept expired entries")
	}
	metrics.DedupCacheSize.Set(float64(len(c.entries)))
}

package plex

import (
	"container/list"
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a cached item stays fresh.
const DefaultCacheTTL = 24 * time.Hour

const defaultCacheEntries = 4096

// Cache is a two-level metadata cache: an in-process LRU with TTL in front
// of an optional SQLite table that survives restarts. Both levels are
// transparent; a miss refetches the same item a hit would have returned.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	ll      *list.List
	entries map[string]*list.Element

	db *sql.DB
}

type cacheEntry struct {
	key     string
	item    Item
	expires time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheTTL overrides the default 24h TTL.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithCacheDB adds a persistent second level backed by the plex_cache table.
func WithCacheDB(db *sql.DB) CacheOption {
	return func(c *Cache) { c.db = db }
}

// WithCacheSize bounds the in-memory level's entry count.
func WithCacheSize(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

// NewCache creates a cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:     DefaultCacheTTL,
		max:     defaultCacheEntries,
		ll:      list.New(),
		entries: make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached item for key, consulting memory then the database.
func (c *Cache) Get(ctx context.Context, key string) (*Item, bool) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		if time.Now().Before(entry.expires) {
			c.ll.MoveToFront(el)
			item := entry.item
			c.mu.Unlock()
			return &item, true
		}
		c.removeLocked(el)
	}
	c.mu.Unlock()

	if c.db == nil {
		return nil, false
	}
	var value string
	var expiresAt time.Time
	err := c.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM plex_cache WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if err != nil || time.Now().After(expiresAt) {
		return nil, false
	}
	var item Item
	if err := json.Unmarshal([]byte(value), &item); err != nil {
		return nil, false
	}
	c.putMemory(key, item, expiresAt)
	return &item, true
}

// Put stores an item in both levels.
func (c *Cache) Put(ctx context.Context, key string, item *Item) {
	expires := time.Now().Add(c.ttl)
	c.putMemory(key, *item, expires)

	if c.db == nil {
		return
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		return
	}
	_, _ = c.db.ExecContext(ctx,
		`INSERT INTO plex_cache (key, value, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, string(encoded), expires)
}

// Invalidate drops the entry for key from both levels.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	_, _ = c.db.ExecContext(ctx, "DELETE FROM plex_cache WHERE key = ?", key)
}

// Prune removes expired entries from the persistent level. Returns the
// number removed.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	if c.db == nil {
		return 0, nil
	}
	result, err := c.db.ExecContext(ctx,
		"DELETE FROM plex_cache WHERE expires_at < ?", time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (c *Cache) putMemory(key string, item Item, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.item = item
		entry.expires = expires
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, item: item, expires: expires})
	c.entries[key] = el
	for c.ll.Len() > c.max {
		c.removeLocked(c.ll.Back())
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.ll.Remove(el)
	delete(c.entries, entry.key)
}

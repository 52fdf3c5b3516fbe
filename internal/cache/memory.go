package cache

import (
	"sync"
	"time"
)

// MemoryCache 进程内 TTL 缓存，满了按最近最少访问淘汰
type MemoryCache struct {
	items   map[string]*memoryItem
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

type memoryItem struct {
	value      interface{}
	expiration time.Time
	accessed   time.Time
}

// MemoryCacheStats represents memory cache statistics
type MemoryCacheStats struct {
	ItemCount     int   `json:"item_count"`
	MaxSize       int   `json:"max_size"`
	HitCount      int64 `json:"hit_count"`
	MissCount     int64 `json:"miss_count"`
	EvictionCount int64 `json:"eviction_count"`
}

// NewMemoryCache creates a cache holding at most maxSize items for ttl each
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryCache{
		items:   make(map[string]*memoryItem),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the value and whether it was present and unexpired
func (mc *MemoryCache) Get(key string) (interface{}, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	item, ok := mc.items[key]
	now := mc.now()
	if !ok || now.After(item.expiration) {
		if ok {
			delete(mc.items, key)
		}
		mc.misses++
		return nil, false
	}
	item.accessed = now
	mc.hits++
	return item.value, true
}

// Set stores a value with the cache TTL
func (mc *MemoryCache) Set(key string, value interface{}) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	if _, exists := mc.items[key]; !exists && len(mc.items) >= mc.maxSize {
		mc.evictLocked(now)
	}
	mc.items[key] = &memoryItem{value: value, expiration: now.Add(mc.ttl), accessed: now}
}

// Delete removes a key
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	delete(mc.items, key)
	mc.mu.Unlock()
}

// Clear removes all items from the cache
func (mc *MemoryCache) Clear() {
	mc.mu.Lock()
	mc.items = make(map[string]*memoryItem)
	mc.mu.Unlock()
}

// Size returns the current number of items in the cache
func (mc *MemoryCache) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.items)
}

// GetStats returns memory cache statistics
func (mc *MemoryCache) GetStats() MemoryCacheStats {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return MemoryCacheStats{
		ItemCount:     len(mc.items),
		MaxSize:       mc.maxSize,
		HitCount:      mc.hits,
		MissCount:     mc.misses,
		EvictionCount: mc.evictions,
	}
}

// evictLocked 先清过期项，没有过期项时淘汰最久未访问的一个
func (mc *MemoryCache) evictLocked(now time.Time) {
	removed := 0
	for key, item := range mc.items {
		if now.After(item.expiration) {
			delete(mc.items, key)
			removed++
		}
	}
	if removed > 0 {
		mc.evictions += int64(removed)
		return
	}

	var oldestKey string
	var oldest time.Time
	for key, item := range mc.items {
		if oldestKey == "" || item.accessed.Before(oldest) {
			oldestKey, oldest = key, item.accessed
		}
	}
	if oldestKey != "" {
		delete(mc.items, oldestKey)
		mc.evictions++
	}
}

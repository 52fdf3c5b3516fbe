package storage

import (
	"context"
	"fmt"
	"time"

	"qtune/internal/cache"
	"qtune/internal/market"
)

// CachedStorage 在 Storage 之上缓存区间查询结果；写入任意K线后整体失效
type CachedStorage struct {
	*Storage
	cache *cache.MemoryCache
}

// NewCachedStorage wraps s with an in-process cache
func NewCachedStorage(s *Storage, c *cache.MemoryCache) *CachedStorage {
	return &CachedStorage{Storage: s, cache: c}
}

// SaveBars writes through and invalidates cached windows.
func (s *CachedStorage) SaveBars(ctx context.Context, bars []market.Bar) error {
	if err := s.Storage.SaveBars(ctx, bars); err != nil {
		return err
	}
	s.cache.Clear()
	return nil
}

// GetDailyBars implements market.BarProvider.
func (s *CachedStorage) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]market.Bar, error) {
	key := fmt.Sprintf("bars:%s:%s:%s", symbol, market.DateOnly(start).Format("20060102"), market.DateOnly(end).Format("20060102"))
	if v, ok := s.cache.Get(key); ok {
		return append([]market.Bar(nil), v.([]market.Bar)...), nil
	}
	bars, err := s.Storage.GetDailyBars(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, bars)
	return append([]market.Bar(nil), bars...), nil
}

// Stats exposes cache counters
func (s *CachedStorage) Stats() cache.MemoryCacheStats {
	return s.cache.GetStats()
}

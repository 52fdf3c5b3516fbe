package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qtune/internal/cache"
	"qtune/internal/testutils"
)

func TestSaveAndLoadBars(t *testing.T) {
	ctx := context.Background()
	s := NewStorage(testutils.NewSQLiteDB(t))

	bars := testutils.GenerateBars("600000.SH", 30, testutils.DefaultBarOptions())
	require.NoError(t, s.SaveBars(ctx, bars))

	got, err := s.GetDailyBars(ctx, "600000.SH", bars[0].TradeDate, bars[len(bars)-1].TradeDate)
	require.NoError(t, err)
	require.Len(t, got, len(bars))
	for i := range bars {
		assert.True(t, bars[i].TradeDate.Equal(got[i].TradeDate))
		assert.InDelta(t, bars[i].Close, got[i].Close, 1e-9)
	}

	got, err = s.GetDailyBars(ctx, "600000.SH", bars[5].TradeDate, bars[9].TradeDate)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = s.GetDailyBars(ctx, "000001.SZ", bars[0].TradeDate, bars[len(bars)-1].TradeDate)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSaveBarsUpserts(t *testing.T) {
	ctx := context.Background()
	s := NewStorage(testutils.NewSQLiteDB(t))

	bars := testutils.GenerateBars("600000.SH", 3, testutils.DefaultBarOptions())
	require.NoError(t, s.SaveBars(ctx, bars))

	bars[1].Close = 99
	bars[1].Suspended = true
	// 时分秒会被截掉，仍然命中同一交易日
	bars[1].TradeDate = bars[1].TradeDate.Add(15 * time.Hour)
	require.NoError(t, s.SaveBars(ctx, bars[1:2]))

	got, err := s.GetDailyBars(ctx, "600000.SH", bars[0].TradeDate, bars[2].TradeDate)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 99.0, got[1].Close)
	assert.True(t, got[1].Suspended)
}

func TestCachedStorageInvalidatesOnWrite(t *testing.T) {
	ctx := context.Background()
	s := NewCachedStorage(NewStorage(testutils.NewSQLiteDB(t)), cache.NewMemoryCache(16, time.Minute))

	bars := testutils.GenerateBars("600000.SH", 10, testutils.DefaultBarOptions())
	require.NoError(t, s.SaveBars(ctx, bars))

	start, end := bars[0].TradeDate, bars[len(bars)-1].TradeDate
	first, err := s.GetDailyBars(ctx, "600000.SH", start, end)
	require.NoError(t, err)
	require.Len(t, first, 10)

	first[0].Close = -1
	again, err := s.GetDailyBars(ctx, "600000.SH", start, end)
	require.NoError(t, err)
	assert.NotEqual(t, -1.0, again[0].Close, "callers get their own copy")
	assert.Equal(t, int64(1), s.Stats().HitCount)

	bars[0].Close = 77
	require.NoError(t, s.SaveBars(ctx, bars[:1]))
	fresh, err := s.GetDailyBars(ctx, "600000.SH", start, end)
	require.NoError(t, err)
	assert.Equal(t, 77.0, fresh[0].Close)
}

package market

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "qtune/internal/errors"
)

// Bar is one daily OHLCV bar.
type Bar struct {
	Symbol    string    `json:"symbol"`
	TradeDate time.Time `json:"trade_date"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Turnover  float64   `json:"turnover"`
	Suspended bool      `json:"suspended"`
}

// BarProvider supplies historical bars. Implementations return bars sorted by
// trade date, inclusive of both ends of the range.
type BarProvider interface {
	GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
}

// SortBars orders bars chronologically in place.
func SortBars(bars []Bar) {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].TradeDate.Before(bars[j].TradeDate)
	})
}

// DateOnly truncates t to midnight UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MemoryProvider keeps bars in memory, keyed by symbol.
type MemoryProvider struct {
	mu   sync.RWMutex
	bars map[string][]Bar
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{bars: make(map[string][]Bar)}
}

// Put replaces the series stored for symbol.
func (p *MemoryProvider) Put(symbol string, bars []Bar) {
	cp := make([]Bar, len(bars))
	copy(cp, bars)
	for i := range cp {
		cp[i].Symbol = symbol
		cp[i].TradeDate = DateOnly(cp[i].TradeDate)
	}
	SortBars(cp)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[symbol] = cp
}

// GetDailyBars implements BarProvider.
func (p *MemoryProvider) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	series, ok := p.bars[symbol]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeMarketDataUnavailable, "no bars for symbol %s", symbol)
	}
	start, end = DateOnly(start), DateOnly(end)
	out := make([]Bar, 0, len(series))
	for _, b := range series {
		if b.TradeDate.Before(start) || b.TradeDate.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

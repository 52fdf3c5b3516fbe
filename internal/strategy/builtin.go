package strategy

import (
	"fmt"
	"math"

	"qtune/internal/market"
	"qtune/internal/strategy/params"
)

// TrendFollowing enters on a fast/slow moving average golden cross and exits
// on a death cross or an ATR trailing stop.
type TrendFollowing struct{}

func NewTrendFollowing() *TrendFollowing { return &TrendFollowing{} }

func (s *TrendFollowing) Name() string { return "trend_following" }

func (s *TrendFollowing) Description() string {
	return "moving average crossover with ATR trailing stop"
}

func (s *TrendFollowing) Schema() params.Schema {
	return params.Schema{
		{Name: "entry_ma_fast", Kind: params.KindInt, Min: params.F(2), Max: params.F(250)},
		{Name: "entry_ma_slow", Kind: params.KindInt, Min: params.F(3), Max: params.F(500)},
		{Name: "atr_period", Kind: params.KindInt, Min: params.F(2), Max: params.F(100)},
		{Name: "atr_multiplier", Kind: params.KindFloat, Min: params.F(0), Max: params.F(10)},
		{Name: "position_size", Kind: params.KindFloat, Min: params.F(0), Max: params.F(1)},
	}
}

func (s *TrendFollowing) Defaults() params.Set {
	return params.Set{
		"entry_ma_fast":  params.Int(10),
		"entry_ma_slow":  params.Int(30),
		"atr_period":     params.Int(14),
		"atr_multiplier": params.Float(1.8),
	}
}

func (s *TrendFollowing) Generate(bars []market.Bar, p params.Set) ([]Signal, error) {
	p = s.Defaults().Merge(p)
	fast := p.Int("entry_ma_fast", 10)
	slow := p.Int("entry_ma_slow", 30)
	if fast <= 0 || slow <= 0 {
		return nil, fmt.Errorf("moving average periods must be positive: fast=%d slow=%d", fast, slow)
	}
	mult := p.Float("atr_multiplier", 1.8)
	size := p.Float("position_size", 0)

	fastMA := sma(bars, fast)
	slowMA := sma(bars, slow)
	atrs := atr(bars, p.Int("atr_period", 14))

	out := make([]Signal, len(bars))
	holding := false
	peak := 0.0
	for i, b := range bars {
		sig := Signal{TradeDate: b.TradeDate, Action: ActionHold}
		if i > 0 && !math.IsNaN(fastMA[i-1]) && !math.IsNaN(slowMA[i-1]) {
			crossUp := fastMA[i-1] <= slowMA[i-1] && fastMA[i] > slowMA[i]
			crossDown := fastMA[i-1] >= slowMA[i-1] && fastMA[i] < slowMA[i]
			switch {
			case !holding && crossUp:
				sig = Signal{TradeDate: b.TradeDate, Action: ActionBuy, Size: size, Reason: "golden cross"}
				holding = true
				peak = b.Close
			case holding && crossDown:
				sig = Signal{TradeDate: b.TradeDate, Action: ActionSell, Reason: "death cross"}
				holding = false
			case holding && mult > 0 && !math.IsNaN(atrs[i]) && b.Close < peak-mult*atrs[i]:
				sig = Signal{TradeDate: b.TradeDate, Action: ActionSell, Reason: "atr trailing stop"}
				holding = false
			}
		}
		if holding && b.Close > peak {
			peak = b.Close
		}
		out[i] = sig
	}
	return out, nil
}

// MeanReversion buys when the close is stretched below its trailing mean and
// exits once it reverts.
type MeanReversion struct{}

func NewMeanReversion() *MeanReversion { return &MeanReversion{} }

func (s *MeanReversion) Name() string { return "mean_reversion" }

func (s *MeanReversion) Description() string {
	return "z-score mean reversion gated by average turnover"
}

func (s *MeanReversion) Schema() params.Schema {
	return params.Schema{
		{Name: "lookback", Kind: params.KindInt, Min: params.F(2), Max: params.F(250)},
		{Name: "z_enter", Kind: params.KindFloat, Min: params.F(0)},
		{Name: "z_exit", Kind: params.KindFloat},
		{Name: "min_turnover", Kind: params.KindFloat, Min: params.F(0)},
		{Name: "position_size", Kind: params.KindFloat, Min: params.F(0), Max: params.F(1)},
	}
}

func (s *MeanReversion) Defaults() params.Set {
	return params.Set{
		"lookback":     params.Int(20),
		"z_enter":      params.Float(1.6),
		"z_exit":       params.Float(0),
		"min_turnover": params.Float(0),
	}
}

func (s *MeanReversion) Generate(bars []market.Bar, p params.Set) ([]Signal, error) {
	p = s.Defaults().Merge(p)
	lookback := p.Int("lookback", 20)
	if lookback < 2 {
		return nil, fmt.Errorf("lookback must be at least 2, got %d", lookback)
	}
	enter := p.Float("z_enter", 1.6)
	exit := p.Float("z_exit", 0)
	minTurnover := p.Float("min_turnover", 0)
	size := p.Float("position_size", 0)

	z := zscore(bars, lookback)
	turnover := avgTurnover(bars, 20)

	out := make([]Signal, len(bars))
	holding := false
	for i, b := range bars {
		sig := Signal{TradeDate: b.TradeDate, Action: ActionHold}
		if !math.IsNaN(z[i]) {
			switch {
			case !holding && z[i] <= -enter && turnover[i] >= minTurnover:
				sig = Signal{TradeDate: b.TradeDate, Action: ActionBuy, Size: size, Reason: fmt.Sprintf("z=%.3f", z[i])}
				holding = true
			case holding && z[i] >= exit:
				sig = Signal{TradeDate: b.TradeDate, Action: ActionSell, Reason: fmt.Sprintf("z=%.3f", z[i])}
				holding = false
			}
		}
		out[i] = sig
	}
	return out, nil
}

func trendFollowingSpace() map[string][]params.Value {
	return map[string][]params.Value{
		"entry_ma_fast":  ints(6, 10, 14, 18, 24),
		"entry_ma_slow":  ints(20, 30, 40, 55, 60),
		"atr_multiplier": floats(1.1, 1.4, 1.8, 2.2),
	}
}

func meanReversionSpace() map[string][]params.Value {
	return map[string][]params.Value{
		"z_enter":      floats(1.0, 1.3, 1.6, 2.0),
		"z_exit":       floats(-0.4, -0.2, 0.0, 0.2),
		"min_turnover": floats(1_500_000, 2_500_000, 4_000_000, 5_000_000, 7_000_000),
	}
}

func ints(vs ...int64) []params.Value {
	out := make([]params.Value, len(vs))
	for i, v := range vs {
		out[i] = params.Int(v)
	}
	return out
}

func floats(vs ...float64) []params.Value {
	out := make([]params.Value, len(vs))
	for i, v := range vs {
		out[i] = params.Float(v)
	}
	return out
}

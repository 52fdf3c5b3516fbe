package backtest_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
	"qtune/internal/market"
	"qtune/internal/strategy"
	"qtune/internal/strategy/backtest"
	"qtune/internal/strategy/params"
	"qtune/internal/testutils"
)

const symbol = "600000.SH"

func newScorer(t *testing.T, n int) (*backtest.Scorer, []market.Bar) {
	t.Helper()
	provider, bars := testutils.NewBarProvider(symbol, n)
	return backtest.NewScorer(strategy.NewDefaultRegistry(), provider, backtest.DefaultCostModel(), 30, logger.NewNop()), bars
}

func fullRange(bars []market.Bar) (market.Date, market.Date) {
	return market.NewDate(bars[0].TradeDate), market.NewDate(bars[len(bars)-1].TradeDate)
}

// scripted 按预设动作序列输出信号
type scripted struct {
	actions map[int]strategy.Action
	panicAt int
}

func (s *scripted) Name() string { return "scripted" }
func (s *scripted) Description() string { return "fixed signal script" }
func (s *scripted) Schema() params.Schema { return nil }
func (s *scripted) Defaults() params.Set { return params.Set{} }
func (s *scripted) Generate(bars []market.Bar, _ params.Set) ([]strategy.Signal, error) {
	out := make([]strategy.Signal, len(bars))
	for i, b := range bars {
		if s.panicAt > 0 && i == s.panicAt {
			var m map[string]int
			m["boom"]++
		}
		action := strategy.ActionHold
		if a, ok := s.actions[i]; ok {
			action = a
		}
		out[i] = strategy.Signal{TradeDate: b.TradeDate, Action: action}
	}
	return out, nil
}

func TestScoreIsDeterministic(t *testing.T) {
	scorer, bars := newScorer(t, 260)
	start, end := fullRange(bars)

	for _, name := range []string{"trend_following", "mean_reversion"} {
		t.Run(name, func(t *testing.T) {
			req := backtest.Request{StrategyName: name, Symbol: symbol, StartDate: start, EndDate: end}
			first, err := scorer.Score(context.Background(), req)
			require.NoError(t, err)
			second, err := scorer.Score(context.Background(), req)
			require.NoError(t, err)

			assert.Equal(t, first, second)
			assert.InDelta(t, first.Sharpe, second.Sharpe, 1e-9)
		})
	}
}

func TestScoreRejectsShortHistory(t *testing.T) {
	scorer, bars := newScorer(t, 20)
	start, end := fullRange(bars)

	_, err := scorer.Score(context.Background(), backtest.Request{StrategyName: "trend_following", Symbol: symbol, StartDate: start, EndDate: end})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDataInsufficient))
}

func TestScoreBarsRecoversPanics(t *testing.T) {
	scorer, bars := newScorer(t, 60)

	_, err := scorer.ScoreBars(context.Background(), &scripted{panicAt: 5}, bars, nil, backtest.DefaultCostModel())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrBacktestExecution))
}

func TestScoreUnknownStrategy(t *testing.T) {
	scorer, bars := newScorer(t, 60)
	start, end := fullRange(bars)

	_, err := scorer.Score(context.Background(), backtest.Request{StrategyName: "nope", Symbol: symbol, StartDate: start, EndDate: end})
	assert.True(t, errors.Is(err, apperrors.ErrStrategyNotFound))
}

func TestRoundTripAccounting(t *testing.T) {
	scorer, bars := newScorer(t, 60)
	costs := backtest.DefaultCostModel()
	costs.EnableRealistic = false

	result, err := scorer.ScoreBars(context.Background(), &scripted{actions: map[int]strategy.Action{
		10: strategy.ActionBuy,
		20: strategy.ActionSell,
	}}, bars, nil, costs)
	require.NoError(t, err)

	require.Len(t, result.Trades, 2)
	buy, sell := result.Trades[0], result.Trades[1]
	assert.Equal(t, strategy.ActionBuy, buy.Action)
	assert.Equal(t, int64(0), buy.Quantity%costs.LotSize)
	assert.Equal(t, buy.Quantity, sell.Quantity)
	assert.InDelta(t, bars[10].Close*(1+costs.SlippageRate), buy.Price, 1e-4)
	assert.InDelta(t, bars[20].Close*(1-costs.SlippageRate), sell.Price, 1e-4)

	m := result.Metrics
	assert.Equal(t, 2, m.TradeCount)
	assert.Equal(t, 0, m.BlockedSignalCount)
	require.Len(t, result.EquityCurve, len(bars))

	// 平仓后净值等于现金
	last := result.EquityCurve[len(result.EquityCurve)-1]
	assert.Zero(t, last.PositionValue)
	assert.InDelta(t, last.Equity/costs.InitialCash-1, m.TotalReturn, 1e-6)
}

func TestSuspendedBarsBlockSignals(t *testing.T) {
	scorer, bars := newScorer(t, 60)
	bars[10].Suspended = true

	result, err := scorer.ScoreBars(context.Background(), &scripted{actions: map[int]strategy.Action{
		10: strategy.ActionBuy,
	}}, bars, nil, backtest.DefaultCostModel())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Metrics.BlockedSignalCount)
	assert.Equal(t, 0, result.Metrics.TradeCount)
	require.Len(t, result.Trades, 1)
	assert.True(t, result.Trades[0].Blocked)
}

func TestFillProbabilityFloorBlocksIlliquidOrders(t *testing.T) {
	scorer, bars := newScorer(t, 60)
	for i := range bars {
		bars[i].Turnover = 10_000
	}
	costs := backtest.DefaultCostModel()
	costs.FillProbabilityFloor = 0.5

	result, err := scorer.ScoreBars(context.Background(), &scripted{actions: map[int]strategy.Action{
		30: strategy.ActionBuy,
	}}, bars, nil, costs)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Metrics.BlockedSignalCount)
	assert.Equal(t, 0, result.Metrics.TradeCount)
}

func TestSideFee(t *testing.T) {
	c := backtest.DefaultCostModel()

	tests := []struct {
		name     string
		notional float64
		sell     bool
		want     float64
	}{
		{"minimum commission applies", 1000, false, 5.01},
		{"rate commission", 100000, false, 31},
		{"stamp duty on sell", 100000, true, 81},
		{"zero notional", 0, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.SideFee(tt.notional, tt.sell), 1e-9)
		})
	}
}

func TestImpactAndFillProbability(t *testing.T) {
	c := backtest.DefaultCostModel()

	assert.Zero(t, c.ImpactRate(0, 1e6))
	assert.InDelta(t, 0.1*math.Sqrt(0.01), c.ImpactRate(10_000, 1_000_000), 1e-12)
	assert.Equal(t, 0.05, c.ImpactRate(1e9, 1))

	assert.Equal(t, 0.0, c.FillProbability(100, 1e6, true))
	assert.InDelta(t, 0.99, c.FillProbability(10_000, 1_000_000, false), 1e-12)

	c.EnableRealistic = false
	assert.Equal(t, 1.0, c.FillProbability(1e9, 1, false))
	assert.Zero(t, c.ImpactRate(10_000, 1_000_000))

	assert.Equal(t, int64(4800), backtest.FilledQuantity(4900, 100, 0.99))
	assert.Equal(t, int64(4900), backtest.FilledQuantity(4900, 100, 1))
	assert.Equal(t, int64(0), backtest.FilledQuantity(4900, 100, 0))
}

func TestCostModelValidate(t *testing.T) {
	assert.NoError(t, backtest.DefaultCostModel().Validate())

	bad := backtest.DefaultCostModel()
	bad.LotSize = 0
	assert.Error(t, bad.Validate())

	bad = backtest.DefaultCostModel()
	bad.MaxSinglePosition = 1.5
	assert.Error(t, bad.Validate())
}

func TestMeanStd(t *testing.T) {
	mean, std := backtest.MeanStd([]float64{1, 2, 3, 4})
	assert.InDelta(t, 2.5, mean, 1e-12)
	assert.InDelta(t, math.Sqrt(1.25), std, 1e-12)

	mean, std = backtest.MeanStd(nil)
	assert.Zero(t, mean)
	assert.Zero(t, std)
}

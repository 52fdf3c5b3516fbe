package optimizer_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
	"qtune/internal/market"
	"qtune/internal/profile"
	"qtune/internal/strategy"
	"qtune/internal/strategy/backtest"
	"qtune/internal/strategy/optimizer"
	"qtune/internal/strategy/params"
	"qtune/internal/testutils"
)

const symbol = "600000.SH"

type fixture struct {
	engine   *optimizer.Engine
	registry *strategy.Registry
	profiles *profile.Service
	bars     []market.Bar
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	provider, bars := testutils.NewBarProvider(symbol, n)
	registry := strategy.NewDefaultRegistry()
	registry.Register(&scripted{failMode: 2}, nil)
	registry.Register(&scripted{name: "slow", delay: 40 * time.Millisecond}, nil)

	scorer := backtest.NewScorer(registry, provider, backtest.DefaultCostModel(), 30, logger.NewNop())
	profiles := profile.NewService(profile.NewMemoryStore(), logger.NewNop())
	return &fixture{
		engine:   optimizer.NewEngine(scorer, profiles, logger.NewNop()),
		registry: registry,
		profiles: profiles,
		bars:     bars,
	}
}

func (f *fixture) request(strategyName string) optimizer.RunRequest {
	req := f.engine.DefaultRequest()
	req.StrategyName = strategyName
	req.Symbol = symbol
	req.StartDate = market.NewDate(f.bars[0].TradeDate)
	req.EndDate = market.NewDate(f.bars[len(f.bars)-1].TradeDate)
	req.RunBy = "tester"
	return req
}

func maSpace() map[string][]params.Value {
	return map[string][]params.Value{
		"entry_ma_fast": {params.Int(10), params.Int(20)},
		"entry_ma_slow": {params.Int(50), params.Int(60)},
	}
}

func modeSpace(n int) map[string][]params.Value {
	values := make([]params.Value, n)
	for i := range values {
		values[i] = params.Int(int64(i + 1))
	}
	return map[string][]params.Value{"mode": values}
}

// scripted 固定节奏买卖；mode == failMode 时报错，delay 模拟慢策略
type scripted struct {
	name     string
	failMode int
	delay    time.Duration
}

func (s *scripted) Name() string {
	if s.name != "" {
		return s.name
	}
	return "scripted"
}
func (s *scripted) Description() string { return "fixed rhythm test strategy" }
func (s *scripted) Schema() params.Schema {
	return params.Schema{{Name: "mode", Kind: params.KindInt, Min: params.F(1), Max: params.F(100)}}
}
func (s *scripted) Defaults() params.Set { return params.Set{"mode": params.Int(1)} }
func (s *scripted) Generate(bars []market.Bar, p params.Set) ([]strategy.Signal, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	mode := p.Int("mode", 1)
	if s.failMode > 0 && mode == s.failMode {
		return nil, errors.New("mode not supported")
	}
	period := 10 + mode
	out := make([]strategy.Signal, len(bars))
	for i, b := range bars {
		action := strategy.ActionHold
		switch i % period {
		case 2:
			action = strategy.ActionBuy
		case period - 2:
			action = strategy.ActionSell
		}
		out[i] = strategy.Signal{TradeDate: b.TradeDate, Action: action}
	}
	return out, nil
}

func TestRunSmallGrid(t *testing.T) {
	f := newFixture(t, 420)
	req := f.request("trend_following")
	req.SearchSpace = maSpace()
	req.MaxCombinations = 10

	run, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, 4, run.TotalCombinations)
	assert.Equal(t, 4, run.EvaluatedCount)
	assert.False(t, run.Partial)
	require.Len(t, run.Candidates, 4)
	require.NotNil(t, run.Baseline)
	require.NotNil(t, run.Best)
	assert.Same(t, run.Candidates[0], run.Best)

	for i, c := range run.Candidates {
		assert.Equal(t, i+1, c.Rank)
		assert.Empty(t, c.Error)
		assert.Equal(t, 3, c.WalkForwardSamples)
		require.NotNil(t, c.ValidationScore)
		if i > 0 {
			assert.GreaterOrEqual(t, run.Candidates[i-1].ObjectiveScore, c.ObjectiveScore)
		}
		// base params ride along with the searched keys
		assert.Equal(t, 14, c.Params.Int("atr_period", 0))
	}

	require.NotNil(t, run.ImprovementVsBaseline)
	assert.InDelta(t, run.Best.ObjectiveScore-run.Baseline.ObjectiveScore, *run.ImprovementVsBaseline, 1e-12)
	assert.Equal(t, optimizer.DecisionManualOnly, run.ApplyDecision)
	assert.False(t, run.Applied)
	assert.True(t, strings.HasPrefix(run.Message, "best objective="))
	assert.True(t, strings.HasSuffix(run.Message, "apply_decision=MANUAL_ONLY; not_applied"))

	stored, err := f.engine.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Same(t, run, stored)
}

func TestRunIsDeterministic(t *testing.T) {
	f := newFixture(t, 420)
	req := f.request("trend_following")
	req.SearchSpace = maSpace()
	req.Workers = 3

	first, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)
	req.Workers = 1
	second, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, second.Candidates, len(first.Candidates))
	for i := range first.Candidates {
		assert.Equal(t, first.Candidates[i].Index, second.Candidates[i].Index)
		assert.Equal(t, first.Candidates[i].ObjectiveScore, second.Candidates[i].ObjectiveScore)
	}
}

func TestRunValidationRequiredButMissing(t *testing.T) {
	f := newFixture(t, 420)
	req := f.request("trend_following")
	req.SearchSpace = maSpace()
	req.ValidationRatio = 0
	req.AutoApply = true
	req.MinImprovementToApply = -1e6
	req.ApplyRequireValidation = true

	run, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	for _, c := range run.Candidates {
		assert.Nil(t, c.ValidationScore)
		assert.False(t, c.ApplyEligible)
		assert.Equal(t, "guard_blocked: validation_required_but_missing", c.ApplyGuardReason)
	}
	assert.Equal(t, optimizer.DecisionSkippedGuard, run.ApplyDecision)
	assert.False(t, run.Applied)
	assert.Nil(t, run.AppliedProfile)

	active, err := f.profiles.GetActive(context.Background(), "trend_following", symbol)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRunNotBetterThanBaseline(t *testing.T) {
	f := newFixture(t, 420)
	req := f.request("trend_following")
	req.SearchSpace = maSpace()
	req.AutoApply = true
	req.MinImprovementToApply = 1e6

	run, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, optimizer.DecisionSkippedNotBetter, run.ApplyDecision)
	assert.True(t, strings.HasPrefix(run.Best.ApplyGuardReason, "guard_blocked: improvement "))
	assert.False(t, run.Applied)
}

func TestRunAutoApply(t *testing.T) {
	f := newFixture(t, 420)
	req := f.request("trend_following")
	req.SearchSpace = maSpace()
	req.AutoApply = true
	req.ApplyScope = "symbol"
	req.MinImprovementToApply = -1e6
	req.ApplyMinValidationTotalReturn = -1e6
	req.ApplyMaxTrainValidationGap = 1e6
	req.ApplyMinWalkForwardSamples = 0

	run, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, optimizer.DecisionApplied, run.ApplyDecision)
	assert.True(t, run.Applied)
	assert.True(t, run.Best.ApplyEligible)
	assert.True(t, strings.HasSuffix(run.Message, "apply_decision=APPLIED; applied"))

	applied := run.AppliedProfile
	require.NotNil(t, applied)
	assert.True(t, applied.Active)
	assert.Equal(t, profile.StatusActive, applied.Status)
	assert.Equal(t, profile.ScopeSymbol, applied.Scope)
	assert.Equal(t, symbol, applied.Symbol)
	assert.Equal(t, run.RunID, applied.SourceRunID)
	assert.Equal(t, "autotune run by tester", applied.Note)
	require.NotNil(t, applied.ValidationTotalReturn)
	assert.Equal(t, run.Best.ValidationMetrics.TotalReturn, *applied.ValidationTotalReturn)

	active, err := f.profiles.GetActive(context.Background(), "trend_following", symbol)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.True(t, active.Params.Equal(run.Best.Params))
}

func TestRunFailedCandidate(t *testing.T) {
	f := newFixture(t, 300)
	req := f.request("scripted")
	req.SearchSpace = modeSpace(3)
	req.WalkForwardSlices = 0

	run, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, run.EvaluatedCount)
	assert.Equal(t, 1, run.FailedCount)
	last := run.Candidates[len(run.Candidates)-1]
	assert.Equal(t, 2, last.Params.Int("mode", 0))
	assert.True(t, last.Failed())
	assert.Equal(t, optimizer.FailedObjective, last.ObjectiveScore)
	assert.False(t, last.ApplyEligible)
	assert.True(t, strings.HasPrefix(last.ApplyGuardReason, "scoring_failed: "))
	assert.False(t, run.Best.Failed())
}

func TestRunStabilityTopN(t *testing.T) {
	f := newFixture(t, 420)
	req := f.request("trend_following")
	req.SearchSpace = maSpace()
	req.StabilityEvalTopN = 2

	run, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 4, run.EvaluatedCount)

	withSlices := 0
	for _, c := range run.Candidates {
		if c.WalkForwardSamples > 0 {
			withSlices++
			assert.NotNil(t, c.StabilityScoreStd)
		} else {
			assert.Zero(t, c.StabilityPenalty)
		}
	}
	assert.Equal(t, 2, withSlices)
}

func TestRunDefaultSearchSpace(t *testing.T) {
	f := newFixture(t, 300)
	req := f.request("trend_following")
	req.MaxCombinations = 10
	req.WalkForwardSlices = 0

	run, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 100, run.TotalCombinations)
	assert.Equal(t, 10, run.EvaluatedCount)
}

func TestRunCancelledReturnsPartial(t *testing.T) {
	f := newFixture(t, 200)
	req := f.request("slow")
	req.SearchSpace = modeSpace(40)
	req.WalkForwardSlices = 0
	req.ValidationRatio = 0
	req.Workers = 2

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	run, err := f.engine.Run(ctx, req)
	require.NoError(t, err)
	assert.True(t, run.Partial)
	assert.Less(t, run.EvaluatedCount, 40)
	assert.Len(t, run.Candidates, run.EvaluatedCount)
	for i, c := range run.Candidates {
		assert.Equal(t, i+1, c.Rank)
	}
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, 200)
	ctx := context.Background()

	req := f.request("no_such_strategy")
	_, err := f.engine.Run(ctx, req)
	assert.True(t, errors.Is(err, apperrors.ErrStrategyNotFound))

	req = f.request("trend_following")
	req.ValidationRatio = 0.95
	_, err = f.engine.Run(ctx, req)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetErrorCode(err))

	req = f.request("trend_following")
	req.MaxCombinations = 0
	_, err = f.engine.Run(ctx, req)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetErrorCode(err))

	req = f.request("trend_following")
	req.ApplyScope = "REGION"
	_, err = f.engine.Run(ctx, req)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetErrorCode(err))

	req = f.request("trend_following")
	req.SearchSpace = map[string][]params.Value{"entry_ma_fast": {params.Int(1000)}}
	_, err = f.engine.Run(ctx, req)
	assert.Equal(t, apperrors.ErrCodeParameterInvalid, apperrors.GetErrorCode(err))

	req = f.request("trend_following")
	req.StartDate = market.NewDate(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC))
	req.EndDate = market.NewDate(time.Date(2001, 6, 1, 0, 0, 0, 0, time.UTC))
	_, err = f.engine.Run(ctx, req)
	assert.True(t, errors.Is(err, apperrors.ErrDataInsufficient))

	_, err = f.engine.GetRun("missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

type recordingObserver struct {
	mu   sync.Mutex
	runs []*optimizer.Run
}

func (o *recordingObserver) ObserveAutotuneRun(run *optimizer.Run, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, run)
}

func TestRunNotifiesObserver(t *testing.T) {
	f := newFixture(t, 300)
	obs := &recordingObserver{}
	f.engine.SetObserver(obs)

	req := f.request("scripted")
	req.SearchSpace = modeSpace(2)
	req.WalkForwardSlices = 0
	run, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, obs.runs, 1)
	assert.Equal(t, run.RunID, obs.runs[0].RunID)
	assert.Len(t, f.engine.ListRuns(10), 1)
}

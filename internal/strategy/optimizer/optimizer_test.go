package optimizer

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qtune/internal/market"
	"qtune/internal/strategy/backtest"
	"qtune/internal/strategy/params"
)

func TestObjectiveScore(t *testing.T) {
	obj := Objective{Weights: DefaultObjectiveWeights(), MinTradeCount: 2, LowTradePenalty: 0.05}

	m := backtest.Metrics{TotalReturn: 0.2, Sharpe: 1.5, MaxDrawdown: 0.1, TradeCount: 8, BlockedSignalCount: 2}
	// 0.2 + 0.05*1.5 - 0.5*0.1 - 0.1*(2/10)
	assert.InDelta(t, 0.205, obj.Score(m), 1e-9)

	t.Run("low trade count penalized", func(t *testing.T) {
		few := backtest.Metrics{TotalReturn: 0.1, TradeCount: 1}
		assert.InDelta(t, 0.1-0.05, obj.Score(few), 1e-9)
	})

	t.Run("trade count saturates", func(t *testing.T) {
		w := ObjectiveWeights{TradeCount: 1}
		o := Objective{Weights: w}
		assert.InDelta(t, 0.5, o.Score(backtest.Metrics{TradeCount: 15}), 1e-9)
		assert.InDelta(t, 1.0, o.Score(backtest.Metrics{TradeCount: 300}), 1e-9)
	})

	t.Run("no trades no blocked ratio", func(t *testing.T) {
		o := Objective{Weights: ObjectiveWeights{BlockedRatio: 1}}
		assert.Equal(t, 0.0, o.Score(backtest.Metrics{}))
	})
}

func TestObjectiveWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultObjectiveWeights().Validate())

	w := DefaultObjectiveWeights()
	w.Sharpe = -1
	assert.Error(t, w.Validate())

	w = DefaultObjectiveWeights()
	w.Stability = math.NaN()
	assert.Error(t, w.Validate())
}

func ints(vs ...int64) []params.Value {
	out := make([]params.Value, len(vs))
	for i, v := range vs {
		out[i] = params.Int(v)
	}
	return out
}

var gridSchema = params.Schema{
	{Name: "a", Kind: params.KindInt},
	{Name: "b", Kind: params.KindInt},
	{Name: "c", Kind: params.KindFloat},
}

func TestEnumerateGridOrder(t *testing.T) {
	base := params.Set{"c": params.Float(0.5)}
	grid, err := EnumerateGrid(base, map[string][]params.Value{
		"b": ints(1, 2),
		"a": ints(10, 20),
	}, gridSchema, 100)
	require.NoError(t, err)

	assert.Equal(t, 4, grid.Total)
	require.Len(t, grid.Candidates, 4)
	// keys sorted, last key varies fastest
	want := [][2]int{{10, 1}, {10, 2}, {20, 1}, {20, 2}}
	for i, c := range grid.Candidates {
		assert.Equal(t, want[i][0], c.Int("a", 0), "candidate %d", i)
		assert.Equal(t, want[i][1], c.Int("b", 0), "candidate %d", i)
		assert.Equal(t, 0.5, c.Float("c", 0))
	}
}

func TestEnumerateGridTruncatesEvenly(t *testing.T) {
	values := make([]int64, 10)
	for i := range values {
		values[i] = int64(i)
	}
	grid, err := EnumerateGrid(params.Set{}, map[string][]params.Value{
		"a": ints(values...),
		"b": ints(values...),
	}, gridSchema, 5)
	require.NoError(t, err)

	assert.Equal(t, 100, grid.Total)
	require.Len(t, grid.Candidates, 5)
	// indices 0, 25, 50, 74, 99 -> (a, b)
	assert.Equal(t, []int{0, 25, 50, 74, 99}, evenlySpacedIndices(100, 5))
	first, last := grid.Candidates[0], grid.Candidates[4]
	assert.Equal(t, 0, first.Int("a", -1))
	assert.Equal(t, 0, first.Int("b", -1))
	assert.Equal(t, 9, last.Int("a", -1))
	assert.Equal(t, 9, last.Int("b", -1))

	again, err := EnumerateGrid(params.Set{}, map[string][]params.Value{
		"a": ints(values...),
		"b": ints(values...),
	}, gridSchema, 5)
	require.NoError(t, err)
	for i := range grid.Candidates {
		assert.True(t, grid.Candidates[i].Equal(again.Candidates[i]))
	}
}

func TestEnumerateGridHardCap(t *testing.T) {
	values := make([]int64, 100)
	for i := range values {
		values[i] = int64(i)
	}
	grid, err := EnumerateGrid(params.Set{}, map[string][]params.Value{
		"a": ints(values...),
		"b": ints(values...),
	}, gridSchema, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, 10_000, grid.Total)
	assert.Len(t, grid.Candidates, MaxCombinationsLimit)
}

func TestEnumerateGridDedupes(t *testing.T) {
	grid, err := EnumerateGrid(params.Set{}, map[string][]params.Value{
		"a": {params.Int(5), params.Float(5), params.String("5")},
	}, gridSchema, 10)
	require.NoError(t, err)
	assert.Len(t, grid.Candidates, 1)
	assert.Equal(t, 1, grid.Total)
}

func TestEnumerateGridErrors(t *testing.T) {
	_, err := EnumerateGrid(params.Set{}, map[string][]params.Value{"a": ints(1)}, gridSchema, 0)
	assert.Error(t, err)

	_, err = EnumerateGrid(params.Set{}, map[string][]params.Value{}, gridSchema, 10)
	assert.Error(t, err)

	_, err = EnumerateGrid(params.Set{}, map[string][]params.Value{"a": {}}, gridSchema, 10)
	assert.Error(t, err)

	_, err = EnumerateGrid(params.Set{}, map[string][]params.Value{"unknown": ints(1)}, gridSchema, 10)
	assert.Error(t, err)
}

func bars(n int) []market.Bar {
	return make([]market.Bar, n)
}

func TestSplitBars(t *testing.T) {
	train, val := SplitBars(bars(100), 0.3, 20, 10)
	assert.Len(t, train, 70)
	assert.Len(t, val, 30)

	train, val = SplitBars(bars(100), 0, 20, 10)
	assert.Len(t, train, 100)
	assert.Nil(t, val)

	// too short for both minimums
	train, val = SplitBars(bars(25), 0.3, 20, 10)
	assert.Len(t, train, 25)
	assert.Nil(t, val)

	// minimum validation wins over the ratio
	train, val = SplitBars(bars(100), 0.05, 20, 10)
	assert.Len(t, train, 90)
	assert.Len(t, val, 10)
}

func TestSliceWindows(t *testing.T) {
	windows := SliceWindows(420, 3, 0.3, 60, 20)
	require.Len(t, windows, 3)
	assert.Equal(t, Window{Start: 0, TrainEnd: 98, End: 140}, windows[0])
	assert.Equal(t, Window{Start: 280, TrainEnd: 378, End: 420}, windows[2])
	for i := 1; i < len(windows); i++ {
		assert.Equal(t, windows[i-1].End, windows[i].Start, "slices must be contiguous")
	}

	assert.Empty(t, SliceWindows(420, 1, 0.3, 60, 20))
	assert.Empty(t, SliceWindows(420, 0, 0.3, 60, 20))
	// each slice too short for the training minimum
	assert.Empty(t, SliceWindows(100, 5, 0.3, 60, 20))
}

func TestRankCandidates(t *testing.T) {
	cs := []*Candidate{
		{Index: 0, ObjectiveScore: 0.1, ParamDriftScore: 0.2},
		{Index: 1, ObjectiveScore: 0.3, ParamDriftScore: 0.5},
		{Index: 2, ObjectiveScore: 0.3, ParamDriftScore: 0.1},
		{Index: 3, ObjectiveScore: FailedObjective, Error: "boom"},
		{Index: 4, ObjectiveScore: 0.1, ParamDriftScore: 0.2},
	}
	rankCandidates(cs)

	order := make([]int, len(cs))
	for i, c := range cs {
		order[i] = c.Index
		assert.Equal(t, i+1, c.Rank)
	}
	assert.Equal(t, []int{2, 1, 0, 4, 3}, order)
}

func gateRequest() RunRequest {
	req := DefaultRunRequest()
	req.MinImprovementToApply = 0
	req.ApplyRequireValidation = true
	req.ApplyMinValidationTotalReturn = 0
	req.ApplyMaxTrainValidationGap = 0.25
	req.ApplyMinWalkForwardSamples = 2
	return req
}

func TestEvaluateGate(t *testing.T) {
	baseline := &Candidate{ObjectiveScore: 0.1}
	valScore := 0.3
	good := func() *Candidate {
		v := valScore
		return &Candidate{
			ObjectiveScore:     0.2,
			TrainScore:         0.35,
			ValidationScore:    &v,
			ValidationMetrics:  &backtest.Metrics{TotalReturn: 0.05},
			WalkForwardSamples: 3,
		}
	}

	g := evaluateGate(good(), baseline, gateRequest())
	assert.True(t, g.eligible)
	assert.Empty(t, g.reason)

	cases := []struct {
		name   string
		mutate func(c *Candidate, req *RunRequest) *Candidate
		reason string
	}{
		{"baseline unavailable", func(c *Candidate, _ *RunRequest) *Candidate { return nil }, "guard_blocked: baseline_unavailable"},
		{"not better", func(c *Candidate, req *RunRequest) *Candidate {
			req.MinImprovementToApply = 0.5
			return baseline
		}, "guard_blocked: improvement 0.100000 < min_improvement_to_apply 0.500000"},
		{"validation missing", func(c *Candidate, _ *RunRequest) *Candidate {
			c.ValidationScore, c.ValidationMetrics = nil, nil
			return baseline
		}, "guard_blocked: validation_required_but_missing"},
		{"validation return", func(c *Candidate, _ *RunRequest) *Candidate {
			c.ValidationMetrics.TotalReturn = -0.02
			return baseline
		}, "guard_blocked: validation_total_return -0.0200 < apply_min_validation_total_return 0.0000"},
		{"train validation gap", func(c *Candidate, _ *RunRequest) *Candidate {
			c.TrainScore = 0.9
			return baseline
		}, "guard_blocked: train_validation_gap 0.600000 > apply_max_train_validation_gap 0.250000"},
		{"walk forward samples", func(c *Candidate, _ *RunRequest) *Candidate {
			c.WalkForwardSamples = 1
			return baseline
		}, "guard_blocked: walk_forward_samples 1 < apply_min_walk_forward_samples 2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := good()
			req := gateRequest()
			base := tc.mutate(c, &req)
			g := evaluateGate(c, base, req)
			assert.False(t, g.eligible)
			assert.Equal(t, tc.reason, g.reason)
		})
	}

	t.Run("first failure wins", func(t *testing.T) {
		c := good()
		c.ValidationScore, c.ValidationMetrics = nil, nil
		c.WalkForwardSamples = 0
		req := gateRequest()
		req.MinImprovementToApply = 1
		g := evaluateGate(c, baseline, req)
		assert.True(t, g.notBetter)
		assert.Contains(t, g.reason, "improvement")
	})
}

func TestDecide(t *testing.T) {
	req := DefaultRunRequest()
	assert.Equal(t, DecisionManualOnly, decide(req, &Candidate{ApplyEligible: true}))

	req.AutoApply = true
	assert.Equal(t, DecisionApplied, decide(req, &Candidate{ApplyEligible: true}))
	assert.Equal(t, DecisionSkippedGuard, decide(req, nil))
	assert.Equal(t, DecisionSkippedGuard, decide(req, &Candidate{Error: "x", ApplyGuardReason: "scoring_failed: x"}))
	assert.Equal(t, DecisionSkippedNotBetter, decide(req, &Candidate{
		ApplyGuardReason: "guard_blocked: improvement -0.1 < min_improvement_to_apply 0",
		notBetter:        true,
	}))
	assert.Equal(t, DecisionSkippedGuard, decide(req, &Candidate{
		ApplyGuardReason: "guard_blocked: validation_required_but_missing",
	}))
	// 判定只看门槛结果，不解析原因文本
	assert.Equal(t, DecisionSkippedGuard, decide(req, &Candidate{
		ApplyGuardReason: "guard_blocked: improvement reason text only",
	}))
}

func TestBuildMessage(t *testing.T) {
	assert.Equal(t, "No candidate evaluated.", buildMessage(&Run{}))

	std, rstd := 0.01, 0.02
	improvement := 0.05
	run := &Run{
		Best: &Candidate{
			ObjectiveScore:       0.123,
			TrainMetrics:         &backtest.Metrics{TotalReturn: 0.2},
			ValidationMetrics:    &backtest.Metrics{TotalReturn: 0.1},
			WalkForwardSamples:   3,
			StabilityScoreStd:    &std,
			WalkForwardReturnStd: &rstd,
			ParamDriftScore:      0.25,
		},
		ImprovementVsBaseline: &improvement,
		ApplyDecision:         DecisionApplied,
		Applied:               true,
	}
	assert.Equal(t,
		"best objective=0.123000; train_return=0.2000; validation_return=0.1000; "+
			"wf_samples=3 wf_std=0.010000; wf_return_std=0.020000; param_drift=0.250000; "+
			"improvement=0.050000; apply_decision=APPLIED; applied",
		buildMessage(run))
}

func TestRunLogEvictsOldest(t *testing.T) {
	log := NewRunLog(3)
	for i := 0; i < 5; i++ {
		log.Add(&Run{RunID: fmt.Sprintf("run-%d", i)})
	}
	assert.Equal(t, 3, log.Len())

	_, ok := log.Get("run-0")
	assert.False(t, ok)
	run, ok := log.Get("run-4")
	require.True(t, ok)
	assert.Equal(t, "run-4", run.RunID)

	recent := log.List(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "run-4", recent[0].RunID)
	assert.Equal(t, "run-3", recent[1].RunID)
}

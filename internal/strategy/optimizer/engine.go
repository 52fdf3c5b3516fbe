package optimizer

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
	"qtune/internal/market"
	"qtune/internal/profile"
	"qtune/internal/strategy"
	"qtune/internal/strategy/backtest"
	"qtune/internal/strategy/params"
)

// ProfileApplier 写入并激活参数档案
type ProfileApplier interface {
	CreateActive(ctx context.Context, p *profile.Profile) (*profile.Profile, error)
}

// Observer 运行结束回调，用于指标上报
type Observer interface {
	ObserveAutotuneRun(run *Run, elapsed time.Duration)
}

// Engine 自动调参搜索引擎
type Engine struct {
	scorer    *backtest.Scorer
	evaluator *Evaluator
	applier   ProfileApplier
	runs      *RunLog
	observer  Observer
	defaults  RunRequest
	workers   int
	log       logger.Logger
}

// NewEngine creates a search engine. applier may be nil when runs never auto apply.
func NewEngine(scorer *backtest.Scorer, applier ProfileApplier, log logger.Logger) *Engine {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Engine{
		scorer:    scorer,
		evaluator: NewEvaluator(scorer, log),
		applier:   applier,
		runs:      NewRunLog(DefaultRunLogSize),
		defaults:  DefaultRunRequest(),
		workers:   runtime.NumCPU(),
		log:       log,
	}
}

// SetDefaults replaces the request defaults used by DefaultRequest.
func (e *Engine) SetDefaults(d RunRequest) { e.defaults = d }

// SetObserver registers a run observer.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// SetWorkers sets the default worker pool size.
func (e *Engine) SetWorkers(n int) {
	if n > 0 {
		e.workers = n
	}
}

// SetRunLog replaces the run history.
func (e *Engine) SetRunLog(l *RunLog) { e.runs = l }

// DefaultRequest 返回一份默认请求，调用方在其上覆盖字段
func (e *Engine) DefaultRequest() RunRequest {
	d := e.defaults
	d.BaseParams = nil
	d.SearchSpace = nil
	d.Costs = nil
	return d
}

// GetRun returns a completed run by id.
func (e *Engine) GetRun(id string) (*Run, error) {
	if run, ok := e.runs.Get(id); ok {
		return run, nil
	}
	return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "autotune run %q not found", id)
}

// ListRuns returns the most recent runs, newest first.
func (e *Engine) ListRuns(limit int) []*Run { return e.runs.List(limit) }

// plan 校验通过后的运行计划
type plan struct {
	strategy  strategy.Strategy
	base      params.Set
	grid      Grid
	costs     backtest.CostModel
	scope     profile.Scope
	objective Objective
}

func invalid(format string, args ...interface{}) error {
	return apperrors.Newf(apperrors.ErrCodeInvalidInput, format, args...)
}

// prepare 在任何打分之前校验请求，错误直接返回给调用方
func (e *Engine) prepare(req RunRequest) (*plan, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return nil, invalid("symbol is required")
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() || req.EndDate.Before(req.StartDate.Time) {
		return nil, invalid("start_date and end_date are required and start_date must be <= end_date")
	}
	if req.MaxCombinations <= 0 {
		return nil, invalid("max_combinations must be > 0, got %d", req.MaxCombinations)
	}
	if req.ValidationRatio < 0 || req.ValidationRatio > 0.9 {
		return nil, invalid("validation_ratio must be within [0, 0.9], got %v", req.ValidationRatio)
	}
	if req.ValidationWeight < 0 || req.ValidationWeight > 1 {
		return nil, invalid("validation_weight must be within [0, 1], got %v", req.ValidationWeight)
	}
	if req.WalkForwardSlices < 0 || req.MinTrainBars < 0 || req.MinValidationBars < 0 ||
		req.StabilityEvalTopN < 0 || req.ApplyMinWalkForwardSamples < 0 || req.MinTradeCount < 0 {
		return nil, invalid("slice counts, bar minimums and sample thresholds must be >= 0")
	}
	if req.LowTradePenalty < 0 || req.LowSamplePenalty < 0 || req.TimeoutSeconds < 0 {
		return nil, invalid("penalties and timeout_seconds must be >= 0")
	}
	if err := req.ObjectiveWeights.Validate(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, err.Error(), err)
	}
	scope := profile.ScopeGlobal
	if req.ApplyScope != "" {
		parsed, err := profile.ParseScope(req.ApplyScope)
		if err != nil {
			return nil, err
		}
		scope = parsed
	}

	strat, err := e.scorer.Registry().Get(req.StrategyName)
	if err != nil {
		return nil, err
	}
	schema := strat.Schema()
	base, err := schema.Normalize(req.BaseParams)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeParameterInvalid, err.Error(), err)
	}
	base = strat.Defaults().Merge(base)

	space := req.SearchSpace
	if len(space) == 0 {
		space = e.scorer.Registry().DefaultSearchSpace(req.StrategyName)
	}
	if len(space) == 0 {
		return nil, invalid("search_space is empty and strategy %q has no default search space", req.StrategyName)
	}
	grid, err := EnumerateGrid(base, space, schema, req.MaxCombinations)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeParameterInvalid, err.Error(), err)
	}

	costs := e.scorer.DefaultCosts()
	if req.Costs != nil {
		costs = *req.Costs
	}
	if err := costs.Validate(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, err.Error(), err)
	}

	return &plan{
		strategy:  strat,
		base:      base,
		grid:      grid,
		costs:     costs,
		scope:     scope,
		objective: req.objective(),
	}, nil
}

// Run 执行一次完整的自动调参：枚举、并行打分、排序、门禁与落地
func (e *Engine) Run(ctx context.Context, req RunRequest) (*Run, error) {
	started := time.Now()
	pl, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	bars, err := e.scorer.LoadBars(ctx, req.Symbol, req.StartDate.Time, req.EndDate.Time)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDataInsufficient,
			"no market data available for requested range", req.Symbol, nil)
	}

	runCtx := ctx
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	runID := uuid.New().String()
	log := e.log.WithFields(map[string]interface{}{
		"run_id":   runID,
		"strategy": req.StrategyName,
		"symbol":   req.Symbol,
	})
	log.Info("Autotune run started", "candidates", len(pl.grid.Candidates), "total_combinations", pl.grid.Total)

	wf := WalkForwardRequest{
		Strategy:          pl.strategy,
		Symbol:            req.Symbol,
		Bars:              bars,
		Costs:             pl.costs,
		SliceCount:        req.WalkForwardSlices,
		ValidationRatio:   req.ValidationRatio,
		MinTrainBars:      req.MinTrainBars,
		MinValidationBars: req.MinValidationBars,
		Objective:         pl.objective,
	}
	walkForward := req.WalkForwardSlices >= 2

	baseline, _ := e.evaluate(runCtx, wf, req, pl, pl.base, -1, walkForward)

	results := make([]*Candidate, len(pl.grid.Candidates))
	allSlices := walkForward && req.StabilityEvalTopN <= 0
	e.runPool(runCtx, len(results), e.workerCount(req, len(results)), func(ctx context.Context, i int) {
		if c, ok := e.evaluate(ctx, wf, req, pl, pl.grid.Candidates[i], i, allSlices); ok {
			results[i] = c
		}
	})

	if walkForward && req.StabilityEvalTopN > 0 {
		e.applyTopNWalkForward(runCtx, wf, req, results)
	}

	candidates := make([]*Candidate, 0, len(results))
	failed := 0
	for _, c := range results {
		if c == nil {
			continue
		}
		if c.Failed() {
			failed++
		}
		candidates = append(candidates, c)
	}
	rankCandidates(candidates)

	run := &Run{
		RunID:             runID,
		StrategyName:      req.StrategyName,
		Symbol:            req.Symbol,
		StartDate:         req.StartDate,
		EndDate:           req.EndDate,
		TotalCombinations: pl.grid.Total,
		EvaluatedCount:    len(candidates),
		FailedCount:       failed,
		Candidates:        candidates,
		Baseline:          baseline,
		Partial:           len(candidates) < len(results) || runCtx.Err() != nil,
		RunBy:             req.RunBy,
		CreatedAt:         started.UTC(),
	}

	var best *Candidate
	if len(candidates) > 0 {
		best = candidates[0]
		run.Best = best
	}
	for _, c := range candidates {
		if c.Failed() {
			continue
		}
		g := evaluateGate(c, baseline, req)
		c.ApplyEligible = g.eligible
		c.ApplyGuardReason = g.reason
		c.notBetter = g.notBetter
	}
	if best != nil && baseline != nil && !baseline.Failed() {
		improvement := best.ObjectiveScore - baseline.ObjectiveScore
		run.ImprovementVsBaseline = &improvement
	}
	run.ApplyDecision = decide(req, best)

	if run.ApplyDecision == DecisionApplied {
		applied, err := e.apply(ctx, req, pl, best, runID)
		if err != nil {
			log.Error("Failed to apply autotune profile", "error", err)
			return nil, err
		}
		run.Applied = true
		run.AppliedProfile = applied
	}
	run.Message = buildMessage(run)
	elapsed := time.Since(started)
	run.DurationMs = elapsed.Milliseconds()

	e.runs.Add(run)
	if e.observer != nil {
		e.observer.ObserveAutotuneRun(run, elapsed)
	}
	log.Info("Autotune run finished",
		"evaluated", run.EvaluatedCount, "failed", failed, "partial", run.Partial,
		"decision", run.ApplyDecision, "duration", elapsed)
	return run, nil
}

func (e *Engine) workerCount(req RunRequest, jobs int) int {
	n := e.workers
	if req.Workers > 0 {
		n = req.Workers
	}
	if n > jobs {
		n = jobs
	}
	if n < 1 {
		n = 1
	}
	return n
}

// runPool 固定数量的 worker 消费下标；ctx 结束后停止派发，已开始的任务自行感知取消
func (e *Engine) runPool(ctx context.Context, n, workers int, fn func(ctx context.Context, i int)) {
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				fn(ctx, i)
			}
		}()
	}

dispatch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
}

// evaluate 对一组参数跑完整评估管线。ok=false 表示因取消未完成
func (e *Engine) evaluate(ctx context.Context, wf WalkForwardRequest, req RunRequest, pl *plan, p params.Set, index int, withSlices bool) (*Candidate, bool) {
	c := &Candidate{Index: index, Params: p}
	wf.Params = p

	split, err := e.evaluator.EvaluateSplit(ctx, wf, wf.Bars)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		markFailed(c, err)
		return c, true
	}
	applySplit(c, split, req)

	c.ParamDriftScore = params.Distance(p, pl.base)
	c.ParamDriftPenalty = req.ObjectiveWeights.ParamDrift * c.ParamDriftScore
	c.ObjectiveScore -= c.ParamDriftPenalty

	if withSlices {
		stats, err := e.evaluator.EvaluateSlices(ctx, wf, wf.Bars)
		if err != nil {
			return nil, false
		}
		applySlices(c, stats, req)
	}
	return c, true
}

// applyTopNWalkForward 只对施加惩罚前目标值最高的 N 个候选做切片评估；
// 被取消而未完成切片评估的候选视为未完成
func (e *Engine) applyTopNWalkForward(ctx context.Context, wf WalkForwardRequest, req RunRequest, results []*Candidate) {
	top := make([]*Candidate, 0, len(results))
	for _, c := range results {
		if c != nil && !c.Failed() {
			top = append(top, c)
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		if top[i].preliminary != top[j].preliminary {
			return top[i].preliminary > top[j].preliminary
		}
		return top[i].Index < top[j].Index
	})
	if len(top) > req.StabilityEvalTopN {
		top = top[:req.StabilityEvalTopN]
	}

	done := make([]bool, len(top))
	e.runPool(ctx, len(top), e.workerCount(req, len(top)), func(ctx context.Context, i int) {
		c := top[i]
		cwf := wf
		cwf.Params = c.Params
		stats, err := e.evaluator.EvaluateSlices(ctx, cwf, cwf.Bars)
		if err != nil {
			return
		}
		applySlices(c, stats, req)
		done[i] = true
	})
	for i, c := range top {
		if !done[i] {
			results[c.Index] = nil
		}
	}
}

func markFailed(c *Candidate, err error) {
	c.Error = err.Error()
	c.ObjectiveScore = FailedObjective
	c.TrainScore = FailedObjective
	c.preliminary = FailedObjective
	c.ApplyEligible = false
	c.ApplyGuardReason = "scoring_failed: " + err.Error()
}

// applySplit 训练/验证混合得分减去过拟合惩罚
func applySplit(c *Candidate, split *WalkForwardResult, req RunRequest) {
	trainMetrics := split.TrainMetrics
	c.TrainMetrics = &trainMetrics
	c.TrainScore = split.TrainScore
	c.ValidationScore = split.ValidationScore
	c.ValidationMetrics = split.ValidationMetrics

	objective := split.TrainScore
	if split.ValidationScore != nil {
		val := *split.ValidationScore
		objective = (1-req.ValidationWeight)*split.TrainScore + req.ValidationWeight*val
		c.OverfitGap = math.Max(0, split.TrainScore-val)
	}
	c.OverfitPenalty = req.ObjectiveWeights.OverfitGap * c.OverfitGap
	c.preliminary = objective - c.OverfitPenalty
	c.ObjectiveScore = c.preliminary
}

// applySlices 稳定性、收益方差与样本不足惩罚
func applySlices(c *Candidate, stats SliceStats, req RunRequest) {
	c.WalkForwardSamples = stats.Samples
	if stats.Samples > 0 {
		scoreStd, returnStd := stats.ScoreStd, stats.ReturnStd
		c.StabilityScoreStd = &scoreStd
		c.WalkForwardReturnStd = &returnStd
	}
	c.StabilityPenalty = req.ObjectiveWeights.Stability * stats.ScoreStd
	c.ReturnVariancePenalty = req.ObjectiveWeights.ReturnVariance * stats.ReturnStd * stats.ReturnStd
	if stats.Samples > 0 && stats.Samples < req.ApplyMinWalkForwardSamples {
		c.LowSamplePenalty = req.LowSamplePenalty
	}
	c.ObjectiveScore -= c.StabilityPenalty + c.ReturnVariancePenalty + c.LowSamplePenalty
}

// rankCandidates 目标值降序；相同时漂移小者优先，再按枚举顺序
func rankCandidates(candidates []*Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ObjectiveScore != b.ObjectiveScore {
			return a.ObjectiveScore > b.ObjectiveScore
		}
		if a.ParamDriftScore != b.ParamDriftScore {
			return a.ParamDriftScore < b.ParamDriftScore
		}
		return a.Index < b.Index
	})
	for i, c := range candidates {
		c.Rank = i + 1
	}
}

type gateResult struct {
	eligible  bool
	notBetter bool
	reason    string
}

// evaluateGate 按固定顺序检查落地条件，返回第一个失败项
func evaluateGate(c, baseline *Candidate, req RunRequest) gateResult {
	blocked := func(reason string) gateResult {
		return gateResult{reason: "guard_blocked: " + reason}
	}

	if baseline == nil || baseline.Failed() {
		return blocked("baseline_unavailable")
	}
	improvement := c.ObjectiveScore - baseline.ObjectiveScore
	if improvement < req.MinImprovementToApply {
		g := blocked(fmt.Sprintf("improvement %.6f < min_improvement_to_apply %.6f", improvement, req.MinImprovementToApply))
		g.notBetter = true
		return g
	}
	if req.ApplyRequireValidation && (c.ValidationScore == nil || c.ValidationMetrics == nil) {
		return blocked("validation_required_but_missing")
	}
	if c.ValidationMetrics != nil && c.ValidationMetrics.TotalReturn < req.ApplyMinValidationTotalReturn {
		return blocked(fmt.Sprintf("validation_total_return %.4f < apply_min_validation_total_return %.4f",
			c.ValidationMetrics.TotalReturn, req.ApplyMinValidationTotalReturn))
	}
	if c.ValidationScore != nil {
		if gap := c.TrainScore - *c.ValidationScore; gap > req.ApplyMaxTrainValidationGap {
			return blocked(fmt.Sprintf("train_validation_gap %.6f > apply_max_train_validation_gap %.6f",
				gap, req.ApplyMaxTrainValidationGap))
		}
	}
	if req.ApplyMinWalkForwardSamples > 0 && c.WalkForwardSamples < req.ApplyMinWalkForwardSamples {
		return blocked(fmt.Sprintf("walk_forward_samples %d < apply_min_walk_forward_samples %d",
			c.WalkForwardSamples, req.ApplyMinWalkForwardSamples))
	}
	return gateResult{eligible: true}
}

func decide(req RunRequest, best *Candidate) ApplyDecision {
	switch {
	case !req.AutoApply:
		return DecisionManualOnly
	case best == nil || best.Failed():
		return DecisionSkippedGuard
	case best.ApplyEligible:
		return DecisionApplied
	case best.notBetter:
		return DecisionSkippedNotBetter
	}
	return DecisionSkippedGuard
}

func (e *Engine) apply(ctx context.Context, req RunRequest, pl *plan, best *Candidate, runID string) (*profile.Profile, error) {
	if e.applier == nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeOptimizationFailed, "auto apply requested but no profile store is configured", nil)
	}
	p := &profile.Profile{
		StrategyName:   req.StrategyName,
		Scope:          pl.scope,
		Params:         best.Params.Clone(),
		ObjectiveScore: best.ObjectiveScore,
		SourceRunID:    runID,
		Note:           "autotune run by " + req.RunBy,
	}
	if pl.scope == profile.ScopeSymbol {
		p.Symbol = req.Symbol
	}
	if best.ValidationMetrics != nil {
		v := best.ValidationMetrics.TotalReturn
		p.ValidationTotalReturn = &v
	}
	return e.applier.CreateActive(ctx, p)
}

func buildMessage(run *Run) string {
	best := run.Best
	if best == nil {
		return "No candidate evaluated."
	}
	parts := []string{fmt.Sprintf("best objective=%.6f", best.ObjectiveScore)}
	if best.TrainMetrics != nil {
		parts = append(parts, fmt.Sprintf("train_return=%.4f", best.TrainMetrics.TotalReturn))
	}
	if best.ValidationMetrics != nil {
		parts = append(parts, fmt.Sprintf("validation_return=%.4f", best.ValidationMetrics.TotalReturn))
	}
	if best.WalkForwardSamples > 0 {
		parts = append(parts, fmt.Sprintf("wf_samples=%d wf_std=%.6f", best.WalkForwardSamples, deref(best.StabilityScoreStd)))
		parts = append(parts, fmt.Sprintf("wf_return_std=%.6f", deref(best.WalkForwardReturnStd)))
	}
	if !best.Failed() {
		parts = append(parts, fmt.Sprintf("param_drift=%.6f", best.ParamDriftScore))
	}
	if run.ImprovementVsBaseline != nil {
		parts = append(parts, fmt.Sprintf("improvement=%.6f", *run.ImprovementVsBaseline))
	}
	parts = append(parts, "apply_decision="+string(run.ApplyDecision))
	if run.Applied {
		parts = append(parts, "applied")
	} else {
		parts = append(parts, "not_applied")
	}
	return strings.Join(parts, "; ")
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// Bars 按请求加载K线，供 API 预览区间
func (e *Engine) Bars(ctx context.Context, symbol string, start, end market.Date) ([]market.Bar, error) {
	return e.scorer.LoadBars(ctx, symbol, start.Time, end.Time)
}

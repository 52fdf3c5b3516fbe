package optimizer

import (
	"time"

	"qtune/internal/market"
	"qtune/internal/profile"
	"qtune/internal/strategy/backtest"
	"qtune/internal/strategy/params"
)

// ApplyDecision 运行结束时对最优候选的落地决定
type ApplyDecision string

const (
	DecisionApplied          ApplyDecision = "APPLIED"
	DecisionSkippedGuard     ApplyDecision = "SKIPPED_GUARD"
	DecisionSkippedNotBetter ApplyDecision = "SKIPPED_NOT_BETTER"
	DecisionManualOnly       ApplyDecision = "MANUAL_ONLY"
)

// RunRequest 自动调参请求。未出现在 JSON 中的字段保留 DefaultRunRequest 的值
type RunRequest struct {
	StrategyName string                    `json:"strategy_name" yaml:"-"`
	Symbol       string                    `json:"symbol" yaml:"-"`
	StartDate    market.Date               `json:"start_date" yaml:"-"`
	EndDate      market.Date               `json:"end_date" yaml:"-"`
	BaseParams   params.Set                `json:"base_strategy_params" yaml:"-"`
	SearchSpace  map[string][]params.Value `json:"search_space" yaml:"-"`

	MaxCombinations   int     `json:"max_combinations" yaml:"max_combinations"`
	ValidationRatio   float64 `json:"validation_ratio" yaml:"validation_ratio"`
	WalkForwardSlices int     `json:"walk_forward_slices" yaml:"walk_forward_slices"`
	MinTrainBars      int     `json:"min_train_bars" yaml:"min_train_bars"`
	MinValidationBars int     `json:"min_validation_bars" yaml:"min_validation_bars"`
	ValidationWeight  float64 `json:"validation_weight" yaml:"validation_weight"`

	ObjectiveWeights `yaml:"objective_weights"`

	MinTradeCount     int     `json:"min_trade_count" yaml:"min_trade_count"`
	LowTradePenalty   float64 `json:"low_trade_penalty" yaml:"low_trade_penalty"`
	LowSamplePenalty  float64 `json:"low_sample_penalty" yaml:"low_sample_penalty"`
	StabilityEvalTopN int     `json:"stability_eval_top_n" yaml:"stability_eval_top_n"`

	AutoApply                     bool    `json:"auto_apply" yaml:"auto_apply"`
	ApplyScope                    string  `json:"apply_scope" yaml:"apply_scope"`
	MinImprovementToApply         float64 `json:"min_improvement_to_apply" yaml:"min_improvement_to_apply"`
	ApplyRequireValidation        bool    `json:"apply_require_validation" yaml:"apply_require_validation"`
	ApplyMinValidationTotalReturn float64 `json:"apply_min_validation_total_return" yaml:"apply_min_validation_total_return"`
	ApplyMaxTrainValidationGap    float64 `json:"apply_max_train_validation_gap" yaml:"apply_max_train_validation_gap"`
	ApplyMinWalkForwardSamples    int     `json:"apply_min_walk_forward_samples" yaml:"apply_min_walk_forward_samples"`

	Costs          *backtest.CostModel `json:"costs,omitempty" yaml:"-"`
	Workers        int                 `json:"workers" yaml:"workers"`
	TimeoutSeconds int                 `json:"timeout_seconds" yaml:"timeout_seconds"`
	RunBy          string              `json:"run_by" yaml:"-"`
	Note           string              `json:"note" yaml:"-"`
}

// DefaultRunRequest 请求参数的默认值
func DefaultRunRequest() RunRequest {
	return RunRequest{
		MaxCombinations:            120,
		ValidationRatio:            0.3,
		WalkForwardSlices:          3,
		MinTrainBars:               60,
		MinValidationBars:          20,
		ValidationWeight:           0.5,
		ObjectiveWeights:           DefaultObjectiveWeights(),
		MinTradeCount:              2,
		LowTradePenalty:            0.05,
		LowSamplePenalty:           0.1,
		ApplyScope:                 string(profile.ScopeGlobal),
		ApplyRequireValidation:     true,
		ApplyMaxTrainValidationGap: 0.25,
		ApplyMinWalkForwardSamples: 1,
		RunBy:                      "api",
	}
}

func (r RunRequest) objective() Objective {
	return Objective{Weights: r.ObjectiveWeights, MinTradeCount: r.MinTradeCount, LowTradePenalty: r.LowTradePenalty}
}

// Candidate 一组参数的评估结果
type Candidate struct {
	Rank                  int               `json:"rank"`
	Index                 int               `json:"enumeration_index"`
	Params                params.Set        `json:"strategy_params"`
	ObjectiveScore        float64           `json:"objective_score"`
	TrainScore            float64           `json:"train_score"`
	ValidationScore       *float64          `json:"validation_score,omitempty"`
	TrainMetrics          *backtest.Metrics `json:"train_metrics,omitempty"`
	ValidationMetrics     *backtest.Metrics `json:"validation_metrics,omitempty"`
	OverfitGap            float64           `json:"overfit_gap"`
	OverfitPenalty        float64           `json:"overfit_penalty"`
	StabilityScoreStd     *float64          `json:"stability_score_std,omitempty"`
	StabilityPenalty      float64           `json:"stability_penalty"`
	WalkForwardReturnStd  *float64          `json:"walk_forward_return_std,omitempty"`
	ReturnVariancePenalty float64           `json:"return_variance_penalty"`
	ParamDriftScore       float64           `json:"param_drift_score"`
	ParamDriftPenalty     float64           `json:"param_drift_penalty"`
	LowSamplePenalty      float64           `json:"low_sample_penalty"`
	WalkForwardSamples    int               `json:"walk_forward_samples"`
	ApplyEligible         bool              `json:"apply_eligible"`
	ApplyGuardReason      string            `json:"apply_guard_reason,omitempty"`
	Error                 string            `json:"error,omitempty"`

	// 施加 walk-forward 惩罚前的目标值，用于 top-N 选择
	preliminary float64
	// 门槛失败项是相对基线的提升不足
	notBetter bool
}

// Failed reports whether scoring this candidate failed.
func (c *Candidate) Failed() bool { return c.Error != "" }

// Run 一次自动调参运行的结果
type Run struct {
	RunID                 string           `json:"run_id"`
	StrategyName          string           `json:"strategy_name"`
	Symbol                string           `json:"symbol"`
	StartDate             market.Date      `json:"start_date"`
	EndDate               market.Date      `json:"end_date"`
	TotalCombinations     int              `json:"total_combinations"`
	EvaluatedCount        int              `json:"evaluated_count"`
	FailedCount           int              `json:"failed_count"`
	Candidates            []*Candidate     `json:"candidates"`
	Baseline              *Candidate       `json:"baseline,omitempty"`
	Best                  *Candidate       `json:"best,omitempty"`
	ImprovementVsBaseline *float64         `json:"improvement_vs_baseline,omitempty"`
	ApplyDecision         ApplyDecision    `json:"apply_decision"`
	Applied               bool             `json:"applied"`
	AppliedProfile        *profile.Profile `json:"applied_profile,omitempty"`
	Partial               bool             `json:"partial"`
	Message               string           `json:"message"`
	RunBy                 string           `json:"run_by,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	DurationMs            int64            `json:"duration_ms"`
}

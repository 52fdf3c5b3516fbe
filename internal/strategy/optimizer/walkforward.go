package optimizer

import (
	"context"
	"math"
	"time"

	"qtune/internal/logger"
	"qtune/internal/market"
	"qtune/internal/strategy"
	"qtune/internal/strategy/backtest"
	"qtune/internal/strategy/params"
)

// WalkForwardRequest 单组参数的滚动评估请求。Bars 为空时按 Symbol 与日期区间加载
type WalkForwardRequest struct {
	Strategy          strategy.Strategy
	Symbol            string
	Bars              []market.Bar
	StartDate         time.Time
	EndDate           time.Time
	Params            params.Set
	Costs             backtest.CostModel
	SliceCount        int
	ValidationRatio   float64
	MinTrainBars      int
	MinValidationBars int
	Objective         Objective
}

// WalkForwardResult 滚动评估结果
type WalkForwardResult struct {
	TrainScore        float64           `json:"train_score"`
	ValidationScore   *float64          `json:"validation_score,omitempty"`
	TrainMetrics      backtest.Metrics  `json:"train_metrics"`
	ValidationMetrics *backtest.Metrics `json:"validation_metrics,omitempty"`
	PerSliceScores    []float64         `json:"per_slice_scores"`
	PerSliceReturns   []float64         `json:"per_slice_returns"`
	ReturnStd         float64           `json:"return_std"`
	ScoreStd          float64           `json:"score_std"`
	Samples           int               `json:"walk_forward_samples"`
}

// SliceStats 各切片的样本外统计
type SliceStats struct {
	Scores    []float64
	Returns   []float64
	ReturnStd float64
	ScoreStd  float64
	Samples   int
}

// Window 一个切片的半开区间 [Start, TrainEnd) + [TrainEnd, End)
type Window struct {
	Start    int
	TrainEnd int
	End      int
}

// Evaluator Walk-Forward 评估器：一次训练/验证切分加若干时间顺序切片
type Evaluator struct {
	scorer *backtest.Scorer
	log    logger.Logger
}

// NewEvaluator creates an evaluator backed by the scorer.
func NewEvaluator(scorer *backtest.Scorer, log logger.Logger) *Evaluator {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Evaluator{scorer: scorer, log: log}
}

// Evaluate 执行训练/验证切分与切片评估
func (e *Evaluator) Evaluate(ctx context.Context, req WalkForwardRequest) (*WalkForwardResult, error) {
	bars := req.Bars
	if bars == nil {
		loaded, err := e.scorer.LoadBars(ctx, req.Symbol, req.StartDate, req.EndDate)
		if err != nil {
			return nil, err
		}
		bars = loaded
	}
	result, err := e.EvaluateSplit(ctx, req, bars)
	if err != nil {
		return nil, err
	}
	stats, err := e.EvaluateSlices(ctx, req, bars)
	if err != nil {
		return nil, err
	}
	result.PerSliceScores = stats.Scores
	result.PerSliceReturns = stats.Returns
	result.ReturnStd = stats.ReturnStd
	result.ScoreStd = stats.ScoreStd
	result.Samples = stats.Samples
	return result, nil
}

// EvaluateSplit 只做训练/验证切分的打分，任一部分失败即返回错误
func (e *Evaluator) EvaluateSplit(ctx context.Context, req WalkForwardRequest, bars []market.Bar) (*WalkForwardResult, error) {
	train, validation := SplitBars(bars, req.ValidationRatio, req.MinTrainBars, req.MinValidationBars)

	trainResult, err := e.scorer.ScoreBars(ctx, req.Strategy, train, req.Params, req.Costs)
	if err != nil {
		return nil, err
	}
	result := &WalkForwardResult{
		TrainMetrics:    trainResult.Metrics,
		TrainScore:      req.Objective.Score(trainResult.Metrics),
		PerSliceScores:  []float64{},
		PerSliceReturns: []float64{},
	}
	if len(validation) == 0 {
		return result, nil
	}

	valResult, err := e.scorer.ScoreBars(ctx, req.Strategy, validation, req.Params, req.Costs)
	if err != nil {
		return nil, err
	}
	valScore := req.Objective.Score(valResult.Metrics)
	valMetrics := valResult.Metrics
	result.ValidationScore = &valScore
	result.ValidationMetrics = &valMetrics
	return result, nil
}

// EvaluateSlices 对每个切片的样本外部分打分；不可用或打分失败的切片跳过
func (e *Evaluator) EvaluateSlices(ctx context.Context, req WalkForwardRequest, bars []market.Bar) (SliceStats, error) {
	stats := SliceStats{Scores: []float64{}, Returns: []float64{}}
	for _, w := range SliceWindows(len(bars), req.SliceCount, req.ValidationRatio, req.MinTrainBars, req.MinValidationBars) {
		if err := ctx.Err(); err != nil {
			return SliceStats{}, err
		}
		window := bars[w.TrainEnd:w.End]
		if w.TrainEnd == w.End {
			window = bars[w.Start:w.End]
		}
		res, err := e.scorer.ScoreBars(ctx, req.Strategy, window, req.Params, req.Costs)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return SliceStats{}, ctxErr
			}
			e.log.Debug("Walk-forward slice skipped", "strategy", req.Strategy.Name(),
				"start", w.Start, "end", w.End, "error", err)
			continue
		}
		stats.Scores = append(stats.Scores, req.Objective.Score(res.Metrics))
		stats.Returns = append(stats.Returns, res.Metrics.TotalReturn)
	}
	stats.Samples = len(stats.Scores)
	_, stats.ScoreStd = backtest.MeanStd(stats.Scores)
	_, stats.ReturnStd = backtest.MeanStd(stats.Returns)
	return stats, nil
}

// SplitBars 按比例切出训练段与尾部验证段。
// ratio <= 0 或K线不足 minTrain+minVal 时不切分验证段。
func SplitBars(bars []market.Bar, ratio float64, minTrain, minVal int) ([]market.Bar, []market.Bar) {
	n := len(bars)
	if ratio <= 0 || n < minTrain+minVal {
		return bars, nil
	}
	split := int(math.Round(float64(n) * (1 - ratio)))
	if split < minTrain {
		split = minTrain
	}
	if split > n-minVal {
		split = n - minVal
	}
	if split >= n || split <= 0 {
		return bars, nil
	}
	return bars[:split], bars[split:]
}

// SliceWindows 将 n 根K线切成 sliceCount 个连续、不重叠的窗口，
// 每个窗口尾部保留 ratio 比例（至少一根）作为样本外段。sliceCount <= 1 时返回空。
func SliceWindows(n, sliceCount int, ratio float64, minTrain, minVal int) []Window {
	if sliceCount <= 1 || n <= 0 {
		return nil
	}
	windows := make([]Window, 0, sliceCount)
	for i := 0; i < sliceCount; i++ {
		start := i * n / sliceCount
		end := (i + 1) * n / sliceCount
		length := end - start
		valLen := 0
		if ratio > 0 {
			valLen = int(math.Round(float64(length) * ratio))
			if valLen < 1 {
				valLen = 1
			}
		}
		trainLen := length - valLen
		if trainLen < minTrain || trainLen <= 0 {
			continue
		}
		if ratio > 0 && valLen < minVal {
			continue
		}
		windows = append(windows, Window{Start: start, TrainEnd: start + trainLen, End: end})
	}
	return windows
}

package backtest

import (
	"context"
	"fmt"
	"time"

	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
	"qtune/internal/market"
	"qtune/internal/strategy"
	"qtune/internal/strategy/params"
)

// DefaultMinBars 默认最少K线数
const DefaultMinBars = 20

// Request 回测请求
type Request struct {
	StrategyName string      `json:"strategy_name" binding:"required"`
	Symbol       string      `json:"symbol" binding:"required"`
	StartDate    market.Date `json:"start_date"`
	EndDate      market.Date `json:"end_date"`
	Params       params.Set  `json:"strategy_params"`
	Costs        *CostModel  `json:"costs,omitempty"`
}

// Scorer 回测打分器：加载行情、生成信号、模拟撮合
type Scorer struct {
	registry *strategy.Registry
	provider market.BarProvider
	costs    CostModel
	minBars  int
	log      logger.Logger
}

// NewScorer creates a scorer. minBars <= 0 uses DefaultMinBars.
func NewScorer(registry *strategy.Registry, provider market.BarProvider, costs CostModel, minBars int, log logger.Logger) *Scorer {
	if minBars <= 0 {
		minBars = DefaultMinBars
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Scorer{
		registry: registry,
		provider: provider,
		costs:    costs,
		minBars:  minBars,
		log:      log,
	}
}

// MinBars 返回单次回测要求的最少K线数
func (s *Scorer) MinBars() int { return s.minBars }

// DefaultCosts 返回配置的默认成本模型
func (s *Scorer) DefaultCosts() CostModel { return s.costs }

// Registry 返回策略注册表
func (s *Scorer) Registry() *strategy.Registry { return s.registry }

// Score 对 (策略, 标的, 区间, 参数, 成本) 打分，只返回指标
func (s *Scorer) Score(ctx context.Context, req Request) (Metrics, error) {
	result, err := s.Run(ctx, req)
	if err != nil {
		return Metrics{}, err
	}
	return result.Metrics, nil
}

// Run 执行完整回测，返回成交与净值曲线
func (s *Scorer) Run(ctx context.Context, req Request) (*Result, error) {
	if req.StartDate.IsZero() || req.EndDate.IsZero() || req.EndDate.Before(req.StartDate.Time) {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "start_date and end_date are required and start_date must be <= end_date", nil)
	}
	strat, err := s.registry.Get(req.StrategyName)
	if err != nil {
		return nil, err
	}
	p, err := strat.Schema().Normalize(req.Params)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeParameterInvalid, err.Error(), err)
	}
	costs := s.costs
	if req.Costs != nil {
		costs = *req.Costs
	}
	if err := costs.Validate(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, err.Error(), err)
	}

	bars, err := s.LoadBars(ctx, req.Symbol, req.StartDate.Time, req.EndDate.Time)
	if err != nil {
		return nil, err
	}
	result, err := s.ScoreBars(ctx, strat, bars, p, costs)
	if err != nil {
		return nil, err
	}
	result.Symbol = req.Symbol
	result.StartDate = market.DateOnly(req.StartDate.Time)
	result.EndDate = market.DateOnly(req.EndDate.Time)
	return result, nil
}

// LoadBars 从行情源加载并排序K线
func (s *Scorer) LoadBars(ctx context.Context, symbol string, start, end time.Time) ([]market.Bar, error) {
	bars, err := s.provider.GetDailyBars(ctx, symbol, start, end)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeMarketDataUnavailable, "failed to load bars")
	}
	market.SortBars(bars)
	return bars, nil
}

// ScoreBars 在给定K线上运行策略。K线不足返回 DATA_INSUFFICIENT，
// 策略错误或 panic 返回 BACKTEST_EXECUTION_ERROR，不会向调用方 panic。
func (s *Scorer) ScoreBars(ctx context.Context, strat strategy.Strategy, bars []market.Bar, p params.Set, costs CostModel) (result *Result, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(bars) < s.minBars {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDataInsufficient,
			"insufficient bar history", fmt.Sprintf("got %d bars, need at least %d", len(bars), s.minBars), nil)
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Backtest panicked", "strategy", strat.Name(), "panic", r)
			result = nil
			err = apperrors.NewAppErrorWithDetails(apperrors.ErrCodeBacktestExecution,
				"backtest execution failed", fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	signals, err := strat.Generate(bars, p)
	if err != nil {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeBacktestExecution,
			"backtest execution failed", err.Error(), err)
	}
	result, err = NewEngine(costs).Run(bars, signals)
	if err != nil {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeBacktestExecution,
			"backtest execution failed", err.Error(), err)
	}
	result.StrategyName = strat.Name()
	result.Symbol = bars[0].Symbol
	result.StartDate = bars[0].TradeDate
	result.EndDate = bars[len(bars)-1].TradeDate
	return result, nil
}

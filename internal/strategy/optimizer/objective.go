package optimizer

import (
	"fmt"
	"math"

	"qtune/internal/strategy/backtest"
)

// tradeCountSaturation 交易次数得分的饱和值
const tradeCountSaturation = 30.0

// FailedObjective 打分失败候选的目标值
const FailedObjective = -1e9

// ObjectiveWeights 目标函数各项权重
type ObjectiveWeights struct {
	TotalReturn      float64 `json:"objective_weight_total_return" yaml:"total_return"`
	AnnualizedReturn float64 `json:"objective_weight_annualized_return" yaml:"annualized_return"`
	Sharpe           float64 `json:"objective_weight_sharpe" yaml:"sharpe"`
	WinRate          float64 `json:"objective_weight_win_rate" yaml:"win_rate"`
	TradeCount       float64 `json:"objective_weight_trade_count" yaml:"trade_count"`
	MaxDrawdown      float64 `json:"objective_weight_max_drawdown" yaml:"max_drawdown"`
	BlockedRatio     float64 `json:"objective_weight_blocked_ratio" yaml:"blocked_ratio"`
	OverfitGap       float64 `json:"objective_weight_overfit_gap" yaml:"overfit_gap"`
	Stability        float64 `json:"objective_weight_stability" yaml:"stability"`
	ParamDrift       float64 `json:"objective_weight_param_drift" yaml:"param_drift"`
	ReturnVariance   float64 `json:"objective_weight_return_variance" yaml:"return_variance"`
}

// DefaultObjectiveWeights returns the default weighting.
func DefaultObjectiveWeights() ObjectiveWeights {
	return ObjectiveWeights{
		TotalReturn:    1.0,
		Sharpe:         0.05,
		MaxDrawdown:    0.5,
		BlockedRatio:   0.1,
		OverfitGap:     0.5,
		Stability:      0.2,
		ParamDrift:     0.05,
		ReturnVariance: 0.5,
	}
}

// Validate rejects negative weights.
func (w ObjectiveWeights) Validate() error {
	named := map[string]float64{
		"total_return":      w.TotalReturn,
		"annualized_return": w.AnnualizedReturn,
		"sharpe":            w.Sharpe,
		"win_rate":          w.WinRate,
		"trade_count":       w.TradeCount,
		"max_drawdown":      w.MaxDrawdown,
		"blocked_ratio":     w.BlockedRatio,
		"overfit_gap":       w.OverfitGap,
		"stability":         w.Stability,
		"param_drift":       w.ParamDrift,
		"return_variance":   w.ReturnVariance,
	}
	for name, v := range named {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("objective weight %s must be a finite value >= 0, got %v", name, v)
		}
	}
	return nil
}

// Objective 将一组回测指标折算为标量得分
type Objective struct {
	Weights         ObjectiveWeights
	MinTradeCount   int
	LowTradePenalty float64
}

// Score 指标加权和，交易次数不足时扣除 LowTradePenalty
func (o Objective) Score(m backtest.Metrics) float64 {
	w := o.Weights
	tradeScore := math.Min(float64(m.TradeCount), tradeCountSaturation) / tradeCountSaturation
	blockedRatio := 0.0
	if base := float64(m.TradeCount + m.BlockedSignalCount); base > 0 {
		blockedRatio = float64(m.BlockedSignalCount) / base
	}

	score := 0.0
	score += w.TotalReturn * m.TotalReturn
	score += w.AnnualizedReturn * m.AnnualizedReturn
	score += w.Sharpe * m.Sharpe
	score += w.WinRate * m.WinRate
	score += w.TradeCount * tradeScore
	score -= w.MaxDrawdown * m.MaxDrawdown
	score -= w.BlockedRatio * blockedRatio
	if m.TradeCount < o.MinTradeCount {
		score -= o.LowTradePenalty
	}
	return score
}

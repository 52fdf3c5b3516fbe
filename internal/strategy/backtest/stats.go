package backtest

import (
	"math"
)

// buildMetrics 根据净值曲线与成交记录汇总指标
func buildMetrics(initialCash float64, st *state, trades []Trade, curve []EquityPoint) Metrics {
	finalEquity := initialCash
	if len(curve) > 0 {
		finalEquity = curve[len(curve)-1].Equity
	}
	totalReturn := finalEquity/initialCash - 1

	executed := 0
	for _, t := range trades {
		if !t.Blocked && t.Quantity > 0 {
			executed++
		}
	}

	winRate := 0.0
	if st.realized > 0 {
		winRate = float64(st.winning) / float64(st.realized)
	}

	return Metrics{
		TotalReturn:        round(totalReturn, 6),
		AnnualizedReturn:   round(calculateAnnualReturn(totalReturn, curve), 6),
		MaxDrawdown:        round(calculateMaxDrawdown(curve), 6),
		Sharpe:             round(calculateSharpeRatio(curve), 6),
		TradeCount:         executed,
		WinRate:            round(winRate, 6),
		BlockedSignalCount: st.blocked,
	}
}

// calculateAnnualReturn (1+tr)^(365/days)-1，按自然日计算
func calculateAnnualReturn(totalReturn float64, curve []EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	if totalReturn <= -1 {
		return -1
	}
	days := int(curve[len(curve)-1].TradeDate.Sub(curve[0].TradeDate).Hours() / 24)
	if days < 1 {
		days = 1
	}
	return math.Pow(1+totalReturn, 365/float64(days)) - 1
}

func calculateMaxDrawdown(curve []EquityPoint) float64 {
	maxDrawdown := 0.0
	for _, p := range curve {
		if p.Drawdown > maxDrawdown {
			maxDrawdown = p.Drawdown
		}
	}
	return maxDrawdown
}

// calculateSharpeRatio 日收益均值/总体标准差，年化因子 √252，无风险利率取0
func calculateSharpeRatio(curve []EquityPoint) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	prev := curve[0].Equity
	for _, p := range curve[1:] {
		if prev > 0 {
			returns = append(returns, p.Equity/prev-1)
		}
		prev = p.Equity
	}
	if len(returns) == 0 {
		return 0
	}
	mean, std := MeanStd(returns)
	if std <= 1e-12 {
		return 0
	}
	return mean / std * math.Sqrt(252)
}

// MeanStd 返回均值与总体标准差
func MeanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

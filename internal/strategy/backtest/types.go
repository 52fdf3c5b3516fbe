package backtest

import (
	"time"

	"qtune/internal/strategy"
)

// Metrics 回测指标，同一输入始终得到相同结果
type Metrics struct {
	TotalReturn        float64 `json:"total_return"`
	AnnualizedReturn   float64 `json:"annualized_return"`
	MaxDrawdown        float64 `json:"max_drawdown"`
	Sharpe             float64 `json:"sharpe"`
	TradeCount         int     `json:"trade_count"`
	WinRate            float64 `json:"win_rate"`
	BlockedSignalCount int     `json:"blocked_signal_count"`
}

// Result 回测结果
type Result struct {
	Symbol       string        `json:"symbol"`
	StrategyName string        `json:"strategy_name"`
	StartDate    time.Time     `json:"start_date"`
	EndDate      time.Time     `json:"end_date"`
	Metrics      Metrics       `json:"metrics"`
	Trades       []Trade       `json:"trades"`
	EquityCurve  []EquityPoint `json:"equity_curve"`
}

// Trade 一笔成交或被拦截的信号
type Trade struct {
	TradeDate time.Time       `json:"trade_date"`
	Action    strategy.Action `json:"action"`
	Price     float64         `json:"price"`
	Quantity  int64           `json:"quantity"`
	Cost      float64         `json:"cost"`
	Reason    string          `json:"reason,omitempty"`
	Blocked   bool            `json:"blocked,omitempty"`
}

// EquityPoint 每根K线收盘后的净值
type EquityPoint struct {
	TradeDate     time.Time `json:"trade_date"`
	Cash          float64   `json:"cash"`
	PositionValue float64   `json:"position_value"`
	Equity        float64   `json:"equity"`
	Drawdown      float64   `json:"drawdown"`
}

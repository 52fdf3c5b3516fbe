package backtest

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// CostModel 交易成本模型（A股口径：佣金有最低收费，印花税只在卖出收取）
type CostModel struct {
	InitialCash       float64 `json:"initial_cash" yaml:"initial_cash"`
	CommissionRate    float64 `json:"commission_rate" yaml:"commission_rate"`
	MinCommission     float64 `json:"min_commission" yaml:"min_commission"`
	TransferFeeRate   float64 `json:"transfer_fee_rate" yaml:"transfer_fee_rate"`
	StampDutySellRate float64 `json:"stamp_duty_sell_rate" yaml:"stamp_duty_sell_rate"`
	SlippageRate      float64 `json:"slippage_rate" yaml:"slippage_rate"`
	LotSize           int64   `json:"lot_size" yaml:"lot_size"`
	MaxSinglePosition float64 `json:"max_single_position" yaml:"max_single_position"`

	// 冲击成本与成交概率，仅在 EnableRealistic 时生效
	EnableRealistic      bool    `json:"enable_realistic_cost_model" yaml:"enable_realistic_cost_model"`
	ImpactCostCoeff      float64 `json:"impact_cost_coeff" yaml:"impact_cost_coeff"`
	ImpactCostExponent   float64 `json:"impact_cost_exponent" yaml:"impact_cost_exponent"`
	FillProbabilityFloor float64 `json:"fill_probability_floor" yaml:"fill_probability_floor"`
}

// maxImpactRate caps the modelled impact so thin series cannot produce absurd prices.
const maxImpactRate = 0.05

// DefaultCostModel 默认成本参数
func DefaultCostModel() CostModel {
	return CostModel{
		InitialCash:          1_000_000,
		CommissionRate:       0.0003,
		MinCommission:        5,
		TransferFeeRate:      0.00001,
		StampDutySellRate:    0.0005,
		SlippageRate:         0.0005,
		LotSize:              100,
		MaxSinglePosition:    0.05,
		EnableRealistic:      true,
		ImpactCostCoeff:      0.1,
		ImpactCostExponent:   0.5,
		FillProbabilityFloor: 0.05,
	}
}

// Validate 检查成本参数
func (c CostModel) Validate() error {
	switch {
	case c.InitialCash <= 0:
		return fmt.Errorf("initial_cash must be positive, got %v", c.InitialCash)
	case c.CommissionRate < 0 || c.CommissionRate > 0.02:
		return fmt.Errorf("commission_rate must be within [0, 0.02], got %v", c.CommissionRate)
	case c.SlippageRate < 0 || c.SlippageRate > 0.02:
		return fmt.Errorf("slippage_rate must be within [0, 0.02], got %v", c.SlippageRate)
	case c.MinCommission < 0 || c.TransferFeeRate < 0 || c.StampDutySellRate < 0:
		return fmt.Errorf("fees must not be negative")
	case c.LotSize < 1:
		return fmt.Errorf("lot_size must be at least 1, got %d", c.LotSize)
	case c.MaxSinglePosition <= 0 || c.MaxSinglePosition > 1:
		return fmt.Errorf("max_single_position must be within (0, 1], got %v", c.MaxSinglePosition)
	case c.ImpactCostCoeff < 0 || c.ImpactCostExponent < 0:
		return fmt.Errorf("impact cost parameters must not be negative")
	case c.FillProbabilityFloor < 0 || c.FillProbabilityFloor > 1:
		return fmt.Errorf("fill_probability_floor must be within [0, 1], got %v", c.FillProbabilityFloor)
	}
	return nil
}

// SideFee 单边费用 = max(最低佣金, 成交额*佣金率) + 过户费 (+ 卖出印花税)，按分四舍五入
func (c CostModel) SideFee(notional float64, sell bool) float64 {
	if notional <= 0 {
		return 0
	}
	n := decimal.NewFromFloat(notional)
	commission := decimal.Max(decimal.NewFromFloat(c.MinCommission), n.Mul(decimal.NewFromFloat(c.CommissionRate)))
	fee := commission.Add(n.Mul(decimal.NewFromFloat(c.TransferFeeRate)))
	if sell {
		fee = fee.Add(n.Mul(decimal.NewFromFloat(c.StampDutySellRate)))
	}
	return fee.Round(2).InexactFloat64()
}

// ImpactRate 市场冲击 = coeff * (成交额/日均成交额)^exponent
func (c CostModel) ImpactRate(notional, avgTurnover float64) float64 {
	if !c.EnableRealistic || c.ImpactCostCoeff <= 0 || notional <= 0 || avgTurnover <= 0 {
		return 0
	}
	rate := c.ImpactCostCoeff * math.Pow(notional/avgTurnover, c.ImpactCostExponent)
	return math.Min(rate, maxImpactRate)
}

// FillProbability 按参与率估算成交概率；停牌为0。不含随机成分。
func (c CostModel) FillProbability(notional, avgTurnover float64, suspended bool) float64 {
	if suspended {
		return 0
	}
	if !c.EnableRealistic || notional <= 0 {
		return 1
	}
	if avgTurnover <= 0 {
		return 0
	}
	participation := notional / avgTurnover
	return math.Max(0, math.Min(1, 1-participation))
}

// FilledQuantity 按成交概率缩减数量，结果向下取整到整手
func FilledQuantity(desired, lot int64, probability float64) int64 {
	if desired <= 0 || lot <= 0 || probability <= 0 {
		return 0
	}
	if probability >= 1 {
		return desired
	}
	qty := int64(math.Floor(float64(desired)*probability/float64(lot))) * lot
	if qty < 0 {
		return 0
	}
	return qty
}

package backtest

import (
	"fmt"
	"math"
	"time"

	"qtune/internal/market"
	"qtune/internal/strategy"
)

// turnoverWindow 计算日均成交额的窗口
const turnoverWindow = 20

// Engine 单标的、只做多、T+1 的日线回测引擎
type Engine struct {
	costs CostModel
}

// NewEngine creates a backtest engine for the given cost model.
func NewEngine(costs CostModel) *Engine {
	return &Engine{costs: costs}
}

// state 回测过程中的账户状态
type state struct {
	cash     float64
	quantity int64
	avgCost  float64
	buyCost  float64
	buyDate  time.Time
	peak     float64
	blocked  int
	realized int
	winning  int
}

// Run 按信号逐根撮合。signals 必须与 bars 一一对应。
func (e *Engine) Run(bars []market.Bar, signals []strategy.Signal) (*Result, error) {
	if len(signals) != len(bars) {
		return nil, fmt.Errorf("strategy produced %d signals for %d bars", len(signals), len(bars))
	}

	st := &state{cash: e.costs.InitialCash, peak: e.costs.InitialCash}
	trades := make([]Trade, 0)
	curve := make([]EquityPoint, 0, len(bars))
	turnover := trailingTurnover(bars, turnoverWindow)

	for i, bar := range bars {
		sig := signals[i]
		if sig.Action == strategy.ActionBuy || sig.Action == strategy.ActionSell {
			if bar.Suspended {
				st.blocked++
				trades = append(trades, Trade{
					TradeDate: bar.TradeDate,
					Action:    sig.Action,
					Price:     bar.Close,
					Reason:    "Blocked: suspended",
					Blocked:   true,
				})
			} else if t, ok := e.execute(st, bar, sig, turnover[i]); ok {
				trades = append(trades, t)
			}
		}

		positionValue := float64(st.quantity) * bar.Close
		equity := st.cash + positionValue
		st.peak = math.Max(st.peak, equity)
		drawdown := 0.0
		if st.peak > 0 {
			drawdown = math.Max(0, 1-equity/st.peak)
		}
		curve = append(curve, EquityPoint{
			TradeDate:     bar.TradeDate,
			Cash:          round(st.cash, 2),
			PositionValue: round(positionValue, 2),
			Equity:        round(equity, 2),
			Drawdown:      round(drawdown, 6),
		})
	}

	return &Result{
		Metrics:     buildMetrics(e.costs.InitialCash, st, trades, curve),
		Trades:      trades,
		EquityCurve: curve,
	}, nil
}

// execute 处理一个买卖信号，返回成交或被拦截的记录；信号不可执行时 ok=false
func (e *Engine) execute(st *state, bar market.Bar, sig strategy.Signal, avgTurnover float64) (Trade, bool) {
	c := e.costs
	switch {
	case sig.Action == strategy.ActionBuy && st.quantity == 0:
		alloc := c.MaxSinglePosition
		if sig.Size > 0 {
			alloc = math.Min(sig.Size, c.MaxSinglePosition)
		}
		budget := st.cash * alloc
		impact := c.ImpactRate(budget, avgTurnover)
		price := bar.Close * (1 + c.SlippageRate + impact)
		if price <= 0 {
			return Trade{}, false
		}
		qty := int64(math.Floor(budget/price/float64(c.LotSize))) * c.LotSize
		if qty <= 0 {
			return Trade{}, false
		}
		if blocked, t := e.checkFill(st, bar, sig, price, float64(qty)*price, avgTurnover); blocked {
			return t, true
		}
		qty = FilledQuantity(qty, c.LotSize, c.FillProbability(float64(qty)*price, avgTurnover, false))
		// 资金不足时逐手减少
		for qty > 0 {
			gross := float64(qty) * price
			if gross+c.SideFee(gross, false) <= st.cash {
				break
			}
			qty -= c.LotSize
		}
		if qty <= 0 {
			return Trade{}, false
		}
		gross := float64(qty) * price
		fee := c.SideFee(gross, false)
		st.cash -= gross + fee
		st.quantity = qty
		st.avgCost = price
		st.buyCost = fee
		st.buyDate = bar.TradeDate
		return Trade{
			TradeDate: bar.TradeDate,
			Action:    strategy.ActionBuy,
			Price:     round(price, 4),
			Quantity:  qty,
			Cost:      round(gross+fee, 2),
			Reason:    sig.Reason,
		}, true

	case sig.Action == strategy.ActionSell && st.quantity > 0:
		// T+1：当日买入的持仓不可卖出
		if !st.buyDate.IsZero() && !bar.TradeDate.After(st.buyDate) {
			return Trade{}, false
		}
		qty := st.quantity
		notional := float64(qty) * bar.Close
		impact := c.ImpactRate(notional, avgTurnover)
		price := bar.Close * (1 - c.SlippageRate - impact)
		if blocked, t := e.checkFill(st, bar, sig, price, notional, avgTurnover); blocked {
			return t, true
		}
		gross := float64(qty) * price
		fee := c.SideFee(gross, true)
		pnl := (price-st.avgCost)*float64(qty) - fee - st.buyCost
		st.realized++
		if pnl > 0 {
			st.winning++
		}
		st.cash += gross - fee
		st.quantity = 0
		st.avgCost = 0
		st.buyCost = 0
		st.buyDate = time.Time{}
		return Trade{
			TradeDate: bar.TradeDate,
			Action:    strategy.ActionSell,
			Price:     round(price, 4),
			Quantity:  qty,
			Cost:      round(fee, 2),
			Reason:    sig.Reason,
		}, true
	}
	return Trade{}, false
}

// checkFill 成交概率低于下限时拦截信号
func (e *Engine) checkFill(st *state, bar market.Bar, sig strategy.Signal, price, notional, avgTurnover float64) (bool, Trade) {
	if !e.costs.EnableRealistic {
		return false, Trade{}
	}
	prob := e.costs.FillProbability(notional, avgTurnover, false)
	if prob >= e.costs.FillProbabilityFloor && prob > 0 {
		return false, Trade{}
	}
	st.blocked++
	return true, Trade{
		TradeDate: bar.TradeDate,
		Action:    sig.Action,
		Price:     round(price, 4),
		Reason:    fmt.Sprintf("Blocked: fill probability %.4f below floor %.4f", prob, e.costs.FillProbabilityFloor),
		Blocked:   true,
	}
}

func trailingTurnover(bars []market.Bar, window int) []float64 {
	out := make([]float64, len(bars))
	sum := 0.0
	for i, b := range bars {
		sum += b.Turnover
		if i >= window {
			sum -= bars[i-window].Turnover
		}
		n := window
		if i+1 < window {
			n = i + 1
		}
		out[i] = sum / float64(n)
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

package strategy

import (
	"time"

	"qtune/internal/market"
	"qtune/internal/strategy/params"
)

// Action is the direction of a trading signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal is the strategy's decision at the close of one bar.
type Signal struct {
	TradeDate time.Time `json:"trade_date"`
	Action    Action    `json:"action"`
	// Size is the suggested fraction of cash for a buy; 0 means the engine default.
	Size   float64 `json:"size,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// Strategy turns a bar series into one signal per bar. The signal for bar i
// must depend only on bars[0..i]; the backtest engine relies on this to score
// a whole series in one pass without lookahead.
type Strategy interface {
	Name() string
	Description() string
	Schema() params.Schema
	Defaults() params.Set
	Generate(bars []market.Bar, p params.Set) ([]Signal, error)
}

// Info is the serializable description of a registered strategy.
type Info struct {
	Name          string                    `json:"name"`
	Description   string                    `json:"description"`
	Schema        params.Schema             `json:"params_schema"`
	Defaults      params.Set                `json:"default_params"`
	DefaultSearch map[string][]params.Value `json:"default_search_space,omitempty"`
}

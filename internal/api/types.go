package api

import (
	"qtune/internal/market"
	"qtune/internal/strategy/params"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// CreateProfileRequest 手工保存一份草稿档案
type CreateProfileRequest struct {
	StrategyName   string     `json:"strategy_name" binding:"required"`
	Scope          string     `json:"scope"`
	Symbol         string     `json:"symbol"`
	StrategyParams params.Set `json:"strategy_params" binding:"required"`
	ObjectiveScore float64    `json:"objective_score"`
	Note           string     `json:"note"`
}

// ResolveRequest 运行时参数解析请求；runtime_override_enabled 缺省为 true
type ResolveRequest struct {
	StrategyName           string     `json:"strategy_name" binding:"required"`
	Symbol                 string     `json:"symbol"`
	StrategyParams         params.Set `json:"strategy_params"`
	RuntimeOverrideEnabled *bool      `json:"runtime_override_enabled"`
}

// RolloutRuleRequest 新建或更新灰度规则
type RolloutRuleRequest struct {
	StrategyName string `json:"strategy_name" binding:"required"`
	Symbol       string `json:"symbol"`
	Enabled      *bool  `json:"enabled" binding:"required"`
	Note         string `json:"note"`
}

// SaveBarsRequest 写入日线
type SaveBarsRequest struct {
	Bars []market.Bar `json:"bars" binding:"required,min=1,dive"`
}

// ListResponse 列表数据
type ListResponse struct {
	Items interface{} `json:"items"`
	Total int         `json:"total"`
}

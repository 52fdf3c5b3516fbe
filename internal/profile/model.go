package profile

import (
	"strings"
	"time"

	apperrors "qtune/internal/errors"
	"qtune/internal/strategy/params"
)

// Scope 参数档案的作用范围
type Scope string

const (
	ScopeGlobal Scope = "GLOBAL"
	ScopeSymbol Scope = "SYMBOL"
)

// ParseScope accepts GLOBAL or SYMBOL in any case.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToUpper(strings.TrimSpace(s))) {
	case ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeSymbol:
		return ScopeSymbol, nil
	}
	return "", apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid scope %q, want GLOBAL or SYMBOL", s)
}

// Status 档案状态
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusActive     Status = "ACTIVE"
	StatusSuperseded Status = "SUPERSEDED"
)

// Profile 一份持久化的策略参数档案
type Profile struct {
	ID                    int64      `json:"id"`
	StrategyName          string     `json:"strategy_name"`
	Scope                 Scope      `json:"scope"`
	Symbol                string     `json:"symbol,omitempty"`
	Params                params.Set `json:"strategy_params"`
	ObjectiveScore        float64    `json:"objective_score"`
	ValidationTotalReturn *float64   `json:"validation_total_return,omitempty"`
	SourceRunID           string     `json:"source_run_id,omitempty"`
	Status                Status     `json:"status"`
	Active                bool       `json:"active"`
	Note                  string     `json:"note,omitempty"`
	SupersededSeq         int64      `json:"superseded_seq,omitempty"` // 回滚栈序号，0 表示不在栈中
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Key returns the (strategy, scope, symbol) triple the profile belongs to.
func (p *Profile) Key() Key {
	return Key{StrategyName: p.StrategyName, Scope: p.Scope, Symbol: p.Symbol}
}

func (p *Profile) clone() *Profile {
	cp := *p
	cp.Params = p.Params.Clone()
	if p.ValidationTotalReturn != nil {
		v := *p.ValidationTotalReturn
		cp.ValidationTotalReturn = &v
	}
	return &cp
}

// Key 档案唯一激活约束的键
type Key struct {
	StrategyName string
	Scope        Scope
	Symbol       string
}

// Normalize 规范化键：GLOBAL 清空 symbol，SYMBOL 要求 symbol 非空
func (k Key) Normalize() (Key, error) {
	k.StrategyName = strings.TrimSpace(k.StrategyName)
	k.Symbol = strings.TrimSpace(k.Symbol)
	if k.StrategyName == "" {
		return k, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "strategy_name is required", nil)
	}
	switch k.Scope {
	case ScopeGlobal:
		k.Symbol = ""
	case ScopeSymbol:
		if k.Symbol == "" {
			return k, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "symbol is required for SYMBOL scope", nil)
		}
	default:
		return k, apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid scope %q", k.Scope)
	}
	return k, nil
}

func (k Key) String() string {
	if k.Symbol == "" {
		return k.StrategyName + "/" + string(k.Scope)
	}
	return k.StrategyName + "/" + string(k.Scope) + "/" + k.Symbol
}

// RolloutRule 运行时覆盖开关。Symbol 为空表示策略级全局规则
type RolloutRule struct {
	ID           int64     `json:"id"`
	StrategyName string    `json:"strategy_name"`
	Symbol       string    `json:"symbol,omitempty"`
	Enabled      bool      `json:"enabled"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListFilter 档案列表过滤条件，零值字段不过滤
type ListFilter struct {
	StrategyName string
	Scope        Scope
	Symbol       string
	ActiveOnly   bool
	Limit        int
}

func (f ListFilter) match(p *Profile) bool {
	if f.StrategyName != "" && p.StrategyName != f.StrategyName {
		return false
	}
	if f.Scope != "" && p.Scope != f.Scope {
		return false
	}
	if f.Symbol != "" && p.Symbol != f.Symbol {
		return false
	}
	if f.ActiveOnly && !p.Active {
		return false
	}
	return true
}

// RuleFilter 规则列表过滤条件
type RuleFilter struct {
	StrategyName string
	Symbol       string
	Limit        int
}

// Snapshot 同一时刻读取的解析输入
type Snapshot struct {
	Rule          *RolloutRule
	SymbolProfile *Profile
	GlobalProfile *Profile
}

const defaultListLimit = 200

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

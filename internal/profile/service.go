package profile

import (
	"context"
	"strings"

	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
	"qtune/internal/strategy/params"
)

// Resolution 运行时参数解析结果
type Resolution struct {
	Params  params.Set   `json:"strategy_params"`
	Source  string       `json:"source"`
	Profile *Profile     `json:"profile,omitempty"`
	Rule    *RolloutRule `json:"rollout_rule,omitempty"`
}

// 解析来源
const (
	SourceExplicit        = "explicit"
	SourceRuleDisabled    = "rollout_disabled"
	SourceSymbolProfile   = "symbol_profile"
	SourceGlobalProfile   = "global_profile"
	SourceOverrideDisable = "override_disabled"
)

// RollbackRequest 回滚请求。Scope 为空时自动推断
type RollbackRequest struct {
	StrategyName string `json:"strategy_name" binding:"required"`
	Symbol       string `json:"symbol"`
	Scope        string `json:"scope"`
}

// Service 档案服务：作用域推断、回滚与运行时参数解析
type Service struct {
	store Store
	log   logger.Logger
}

// NewService wraps a store.
func NewService(store Store, log logger.Logger) *Service {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Service{store: store, log: log}
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// CreateDraft 保存一份未激活的档案
func (s *Service) CreateDraft(ctx context.Context, p *Profile) (*Profile, error) {
	return s.store.Create(ctx, p)
}

// CreateActive 新建并激活档案，供自动调参落地使用
func (s *Service) CreateActive(ctx context.Context, p *Profile) (*Profile, error) {
	created, err := s.store.CreateActive(ctx, p)
	if err != nil {
		return nil, err
	}
	s.log.Info("Autotune profile applied", "profile_id", created.ID, "key", created.Key().String(),
		"source_run_id", created.SourceRunID)
	return created, nil
}

func (s *Service) Activate(ctx context.Context, id int64) (*Profile, error) {
	return s.store.Activate(ctx, id)
}

// Rollback 解析作用域后回滚：显式 scope 优先；
// 否则给了 symbol 且该标的有档案历史时用 SYMBOL，其余用 GLOBAL
func (s *Service) Rollback(ctx context.Context, req RollbackRequest) (*Profile, error) {
	key, err := s.resolveRollbackKey(ctx, req)
	if err != nil {
		return nil, err
	}
	restored, err := s.store.Rollback(ctx, key)
	if err != nil {
		s.log.Warn("Profile rollback failed", "key", key.String(), "error", err)
		return nil, err
	}
	return restored, nil
}

func (s *Service) resolveRollbackKey(ctx context.Context, req RollbackRequest) (Key, error) {
	key := Key{StrategyName: req.StrategyName, Symbol: strings.TrimSpace(req.Symbol)}
	if req.Scope != "" {
		scope, err := ParseScope(req.Scope)
		if err != nil {
			return Key{}, err
		}
		key.Scope = scope
		return key.Normalize()
	}
	key.Scope = ScopeGlobal
	if key.Symbol != "" {
		has, err := s.store.HasSymbolHistory(ctx, req.StrategyName, key.Symbol)
		if err != nil {
			return Key{}, err
		}
		if has {
			key.Scope = ScopeSymbol
		}
	}
	return key.Normalize()
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Profile, error) {
	return s.store.List(ctx, filter)
}

// GetActive 返回标的的激活档案，没有时回退到全局档案
func (s *Service) GetActive(ctx context.Context, strategyName, symbol string) (*Profile, error) {
	if strings.TrimSpace(strategyName) == "" {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "strategy_name is required", nil)
	}
	snap, err := s.store.Snapshot(ctx, strategyName, strings.TrimSpace(symbol))
	if err != nil {
		return nil, err
	}
	if snap.SymbolProfile != nil {
		return snap.SymbolProfile, nil
	}
	return snap.GlobalProfile, nil
}

func (s *Service) UpsertRule(ctx context.Context, rule RolloutRule) (*RolloutRule, error) {
	return s.store.UpsertRule(ctx, rule)
}

func (s *Service) ListRules(ctx context.Context, filter RuleFilter) ([]*RolloutRule, error) {
	return s.store.ListRules(ctx, filter)
}

func (s *Service) DeleteRule(ctx context.Context, id int64) error {
	return s.store.DeleteRule(ctx, id)
}

// ResolveEffectiveParams 计算请求时生效的参数：激活档案为底，显式参数逐键覆盖。
// 灰度规则关闭或没有激活档案时原样返回显式参数。
func (s *Service) ResolveEffectiveParams(ctx context.Context, strategyName, symbol string, explicit params.Set, runtimeOverrideEnabled bool) (Resolution, error) {
	if !runtimeOverrideEnabled {
		return Resolution{Params: explicit.Clone(), Source: SourceOverrideDisable}, nil
	}
	snap, err := s.store.Snapshot(ctx, strategyName, strings.TrimSpace(symbol))
	if err != nil {
		return Resolution{}, err
	}
	if snap.Rule != nil && !snap.Rule.Enabled {
		return Resolution{Params: explicit.Clone(), Source: SourceRuleDisabled, Rule: snap.Rule}, nil
	}

	res := Resolution{Rule: snap.Rule}
	switch {
	case snap.SymbolProfile != nil:
		res.Profile, res.Source = snap.SymbolProfile, SourceSymbolProfile
	case snap.GlobalProfile != nil:
		res.Profile, res.Source = snap.GlobalProfile, SourceGlobalProfile
	default:
		res.Params, res.Source = explicit.Clone(), SourceExplicit
		return res, nil
	}
	res.Params = Overlay(res.Profile.Params, explicit)
	return res, nil
}

// Overlay 以 base 为底，explicit 中的键逐个覆盖
func Overlay(base, explicit params.Set) params.Set {
	return base.Merge(explicit)
}

package profile

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "qtune/internal/errors"
	"qtune/internal/strategy/params"
)

// Store 参数档案与灰度规则的持久化接口。
// 所有激活类操作在单个事务内完成：同一 Key 任意时刻至多一个 active 档案。
type Store interface {
	// Create 新建 DRAFT 档案
	Create(ctx context.Context, p *Profile) (*Profile, error)
	// CreateActive 新建档案并在同一事务内激活
	CreateActive(ctx context.Context, p *Profile) (*Profile, error)
	Get(ctx context.Context, id int64) (*Profile, error)
	// Activate 激活指定档案，原激活档案转为 SUPERSEDED
	Activate(ctx context.Context, id int64) (*Profile, error)
	// Rollback 重新激活当前激活档案之前最近一次被替代的档案
	Rollback(ctx context.Context, key Key) (*Profile, error)
	List(ctx context.Context, filter ListFilter) ([]*Profile, error)
	// GetActive 返回 key 当前的激活档案，没有时返回 nil, nil
	GetActive(ctx context.Context, key Key) (*Profile, error)
	// HasSymbolHistory 标的是否有任何 SYMBOL 范围的档案
	HasSymbolHistory(ctx context.Context, strategyName, symbol string) (bool, error)

	UpsertRule(ctx context.Context, rule RolloutRule) (*RolloutRule, error)
	// GetRule 先查标的规则，再查策略全局规则；都没有时返回 nil, nil
	GetRule(ctx context.Context, strategyName, symbol string) (*RolloutRule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]*RolloutRule, error)
	DeleteRule(ctx context.Context, id int64) error

	// Snapshot 一致性读取解析所需的规则与激活档案
	Snapshot(ctx context.Context, strategyName, symbol string) (Snapshot, error)
}

// MemoryStore 内存实现，用于测试与无数据库部署
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[int64]*Profile
	rules    map[int64]*RolloutRule
	nextID   int64
	nextRule int64
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[int64]*Profile),
		rules:    make(map[int64]*RolloutRule),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, p *Profile) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := s.insertLocked(p)
	if err != nil {
		return nil, err
	}
	return created.clone(), nil
}

func (s *MemoryStore) CreateActive(ctx context.Context, p *Profile) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := s.insertLocked(p)
	if err != nil {
		return nil, err
	}
	s.activateLocked(created, true)
	return created.clone(), nil
}

func (s *MemoryStore) insertLocked(p *Profile) (*Profile, error) {
	key, err := p.Key().Normalize()
	if err != nil {
		return nil, err
	}
	s.nextID++
	now := s.now()
	created := p.clone()
	created.ID = s.nextID
	created.StrategyName = key.StrategyName
	created.Scope = key.Scope
	created.Symbol = key.Symbol
	created.Status = StatusDraft
	created.Active = false
	created.SupersededSeq = 0
	created.CreatedAt = now
	created.UpdatedAt = now
	if created.Params == nil {
		created.Params = params.Set{}
	}
	s.profiles[created.ID] = created
	return created, nil
}

// activateLocked 先替代旧激活档案再激活目标，调用方持有写锁。
// push 为 true 时旧档案压入回滚栈；回滚时旧档案出栈
func (s *MemoryStore) activateLocked(target *Profile, push bool) {
	now := s.now()
	key := target.Key()
	if current := s.activeLocked(key); current != nil && current.ID != target.ID {
		current.Active = false
		current.Status = StatusSuperseded
		current.SupersededSeq = 0
		if push {
			current.SupersededSeq = s.maxSeqLocked(key) + 1
		}
		current.UpdatedAt = now
	}
	target.Active = true
	target.Status = StatusActive
	target.SupersededSeq = 0
	target.UpdatedAt = now
}

func (s *MemoryStore) maxSeqLocked(key Key) int64 {
	var max int64
	for _, p := range s.profiles {
		if p.Key() == key && p.SupersededSeq > max {
			max = p.SupersededSeq
		}
	}
	return max
}

func (s *MemoryStore) activeLocked(key Key) *Profile {
	for _, p := range s.profiles {
		if p.Active && p.Key() == key {
			return p
		}
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, profileNotFound(id)
	}
	return p.clone(), nil
}

func (s *MemoryStore) Activate(ctx context.Context, id int64) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, profileNotFound(id)
	}
	s.activateLocked(p, true)
	return p.clone(), nil
}

func (s *MemoryStore) Rollback(ctx context.Context, key Key) (*Profile, error) {
	key, err := key.Normalize()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.activeLocked(key)
	if current == nil {
		return nil, noPriorProfile(key)
	}
	var target *Profile
	for _, p := range s.profiles {
		if p.Key() != key || p.Status != StatusSuperseded || p.SupersededSeq == 0 {
			continue
		}
		if target == nil || p.SupersededSeq > target.SupersededSeq {
			target = p
		}
	}
	if target == nil {
		return nil, noPriorProfile(key)
	}
	s.activateLocked(target, false)
	return target.clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Profile, 0)
	for _, p := range s.profiles {
		if filter.match(p) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetActive(ctx context.Context, key Key) (*Profile, error) {
	key, err := key.Normalize()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.activeLocked(key); p != nil {
		return p.clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) HasSymbolHistory(ctx context.Context, strategyName, symbol string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.StrategyName == strategyName && p.Scope == ScopeSymbol && p.Symbol == symbol {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UpsertRule(ctx context.Context, rule RolloutRule) (*RolloutRule, error) {
	rule.StrategyName = strings.TrimSpace(rule.StrategyName)
	rule.Symbol = strings.TrimSpace(rule.Symbol)
	if rule.StrategyName == "" {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "strategy_name is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing := s.ruleLocked(rule.StrategyName, rule.Symbol); existing != nil {
		existing.Enabled = rule.Enabled
		existing.Note = rule.Note
		existing.UpdatedAt = now
		cp := *existing
		return &cp, nil
	}
	s.nextRule++
	rule.ID = s.nextRule
	rule.CreatedAt = now
	rule.UpdatedAt = now
	stored := rule
	s.rules[rule.ID] = &stored
	return &rule, nil
}

func (s *MemoryStore) ruleLocked(strategyName, symbol string) *RolloutRule {
	for _, r := range s.rules {
		if r.StrategyName == strategyName && r.Symbol == symbol {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) GetRule(ctx context.Context, strategyName, symbol string) (*RolloutRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupRuleLocked(strategyName, symbol), nil
}

func (s *MemoryStore) lookupRuleLocked(strategyName, symbol string) *RolloutRule {
	if symbol != "" {
		if r := s.ruleLocked(strategyName, symbol); r != nil {
			cp := *r
			return &cp
		}
	}
	if r := s.ruleLocked(strategyName, ""); r != nil {
		cp := *r
		return &cp
	}
	return nil
}

func (s *MemoryStore) ListRules(ctx context.Context, filter RuleFilter) ([]*RolloutRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RolloutRule, 0)
	for _, r := range s.rules {
		if filter.StrategyName != "" && r.StrategyName != filter.StrategyName {
			continue
		}
		if filter.Symbol != "" && r.Symbol != filter.Symbol {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteRule(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return ruleNotFound(id)
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, strategyName, symbol string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Rule: s.lookupRuleLocked(strategyName, symbol)}
	if symbol != "" {
		if p := s.activeLocked(Key{StrategyName: strategyName, Scope: ScopeSymbol, Symbol: symbol}); p != nil {
			snap.SymbolProfile = p.clone()
		}
	}
	if p := s.activeLocked(Key{StrategyName: strategyName, Scope: ScopeGlobal}); p != nil {
		snap.GlobalProfile = p.clone()
	}
	return snap, nil
}

func profileNotFound(id int64) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeProfileNotFound,
		"profile not found", "id="+strconv.FormatInt(id, 10), nil)
}

func ruleNotFound(id int64) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeRuleNotFound,
		"rollout rule not found", "id="+strconv.FormatInt(id, 10), nil)
}

func noPriorProfile(key Key) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNoPriorProfile,
		"no prior profile to roll back to", key.String(), nil)
}

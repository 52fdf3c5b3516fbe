package sla

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
)

// DefaultSyncConcurrency 同时评估的连接器数量
const DefaultSyncConcurrency = 8

// Sink 状态迁移事件的下游
type Sink interface {
	Publish(ctx context.Context, events []Event) error
}

// Observer tick 指标回调
type Observer interface {
	ObserveSLASync(result *SyncResult, elapsed time.Duration)
}

// Elector 多副本部署时选出唯一执行同步的副本
type Elector interface {
	IsLeader(ctx context.Context) (bool, error)
}

// SyncResult 一次同步的汇总。Skipped 为冷却期内被抑制的事件数，
// NoData 为尚未上报健康快照的连接器数，Standby 表示本副本不是 leader 未执行
type SyncResult struct {
	Standby       bool      `json:"standby,omitempty"`
	Evaluated     int       `json:"evaluated"`
	Emitted       int       `json:"emitted"`
	Skipped       int       `json:"skipped"`
	Escalated     int       `json:"escalated"`
	Recovered     int       `json:"recovered"`
	NoData        int       `json:"no_data"`
	Failed        int       `json:"failed"`
	SinkErrors    int       `json:"sink_errors"`
	OpenStates    int       `json:"open_states"`
	OpenEscalated int       `json:"open_escalated"`
	Events        []Event   `json:"events"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Service 连接器 SLA 服务：接收健康快照，周期性推进状态机并投递事件
type Service struct {
	store       Store
	machine     *Machine
	sink        Sink
	observer    Observer
	elector     Elector
	defaults    Policy
	concurrency int
	log         logger.Logger

	mu sync.RWMutex
}

// NewService creates the SLA service. sink may be nil.
func NewService(store Store, machine *Machine, sink Sink, defaults Policy, log logger.Logger) *Service {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Service{
		store:       store,
		machine:     machine,
		sink:        sink,
		defaults:    defaults,
		concurrency: DefaultSyncConcurrency,
		log:         log,
	}
}

// SetObserver registers a sync observer.
func (s *Service) SetObserver(o Observer) { s.observer = o }

// SetElector 设置后只有 leader 副本执行 SyncTick
func (s *Service) SetElector(e Elector) { s.elector = e }

// SetConcurrency bounds how many connectors are evaluated at once.
func (s *Service) SetConcurrency(n int) {
	if n > 0 {
		s.concurrency = n
	}
}

// DefaultPolicy returns the policy applied to connectors without overrides.
func (s *Service) DefaultPolicy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// SetDefaultPolicy 热更新默认策略，下一次同步生效
func (s *Service) SetDefaultPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, err.Error(), err)
	}
	s.mu.Lock()
	s.defaults = p
	s.mu.Unlock()
	return nil
}

// RegisterConnector 注册或更新连接器；策略覆盖必须能与默认策略合并
func (s *Service) RegisterConnector(ctx context.Context, c Connector) (*Connector, error) {
	if _, err := s.DefaultPolicy().Merge(c.Policy); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, err.Error(), err)
	}
	return s.store.RegisterConnector(ctx, c)
}

// ListConnectors returns registered connectors.
func (s *Service) ListConnectors(ctx context.Context, enabledOnly bool) ([]*Connector, error) {
	return s.store.ListConnectors(ctx, enabledOnly)
}

// RecordHealth 保存连接器最新的健康快照，供下一次同步使用；快照落在共享存储中，
// 任何副本接收的上报都对 leader 可见
func (s *Service) RecordHealth(ctx context.Context, snap HealthSnapshot) error {
	snap.ConnectorName = strings.TrimSpace(snap.ConnectorName)
	if err := snap.Validate(); err != nil {
		return err
	}
	if _, err := s.store.GetConnector(ctx, snap.ConnectorName); err != nil {
		return err
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = time.Now().UTC()
	}
	return s.store.SaveHealth(ctx, snap)
}

// resolvePolicy 非法覆盖回退到默认策略
func (s *Service) resolvePolicy(c *Connector) Policy {
	defaults := s.DefaultPolicy()
	p, err := defaults.Merge(c.Policy)
	if err != nil {
		s.log.Warn("Invalid connector SLA policy, using defaults", "connector", c.Name, "error", err)
		return defaults
	}
	return p
}

// SyncTick 对所有启用的连接器评估一次并投递事件。不同连接器并发评估，
// 单个连接器失败只记录日志，不影响其他连接器
func (s *Service) SyncTick(ctx context.Context) (*SyncResult, error) {
	started := time.Now()
	if s.elector != nil {
		leader, err := s.elector.IsLeader(ctx)
		if err != nil {
			return nil, err
		}
		if !leader {
			s.log.Debug("Not the SLA sync leader, skipping tick")
			return &SyncResult{Standby: true, Events: []Event{}, GeneratedAt: started.UTC()}, nil
		}
	}

	connectors, err := s.store.ListConnectors(ctx, true)
	if err != nil {
		return nil, err
	}
	health, err := s.store.ListHealth(ctx)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Events: []Event{}, GeneratedAt: started.UTC()}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.concurrency)
	)
	for _, c := range connectors {
		snap, ok := health[c.Name]
		if !ok {
			result.NoData++
			continue
		}
		policy := s.resolvePolicy(c)

		wg.Add(1)
		go func(c *Connector, snap HealthSnapshot, policy Policy) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				result.Failed++
				mu.Unlock()
				return
			}

			tick, err := s.machine.EvaluateTick(ctx, snap, policy, c.RunbookURL)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				s.log.Error("SLA tick failed", "connector", c.Name, "error", err)
				return
			}
			result.Evaluated++
			result.Emitted += len(tick.Events)
			result.Skipped += tick.Suppressed
			result.Escalated += tick.Escalated
			result.Recovered += tick.Recovered
			result.Events = append(result.Events, tick.Events...)
		}(c, snap, policy)
	}
	wg.Wait()

	if len(result.Events) > 0 && s.sink != nil {
		if err := s.sink.Publish(ctx, result.Events); err != nil {
			result.SinkErrors++
			s.log.Error("Failed to publish SLA events", "events", len(result.Events), "error", err)
		}
	}

	open, err := s.store.ListStates(ctx, StateFilter{OpenOnly: true, Limit: maxListLimit})
	if err != nil {
		return nil, err
	}
	summary := Summarize("", open)
	result.OpenStates = summary.OpenStates
	result.OpenEscalated = summary.EscalatedOpenStates

	elapsed := time.Since(started)
	if s.observer != nil {
		s.observer.ObserveSLASync(result, elapsed)
	}
	s.log.Info("SLA sync finished",
		"evaluated", result.Evaluated, "emitted", result.Emitted, "skipped", result.Skipped,
		"escalated", result.Escalated, "recovered", result.Recovered, "failed", result.Failed,
		"duration", elapsed)
	return result, nil
}

// ListStates returns states matching the filter, newest first.
func (s *Service) ListStates(ctx context.Context, filter StateFilter) ([]*State, error) {
	return s.store.ListStates(ctx, filter)
}

// ListEvents returns emitted events, newest first.
func (s *Service) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	return s.store.ListEvents(ctx, filter)
}

// Summary 打开状态的聚合，connector 为空时统计全部
func (s *Service) Summary(ctx context.Context, connector string) (Summary, error) {
	open, err := s.store.ListStates(ctx, StateFilter{ConnectorName: connector, OpenOnly: true, Limit: maxListLimit})
	if err != nil {
		return Summary{}, err
	}
	return Summarize(connector, open), nil
}

package sla

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "qtune/internal/errors"
)

// Store 连接器、SLA 状态与事件的持久化
type Store interface {
	RegisterConnector(ctx context.Context, c Connector) (*Connector, error)
	GetConnector(ctx context.Context, name string) (*Connector, error)
	ListConnectors(ctx context.Context, enabledOnly bool) ([]*Connector, error)

	// OpenStates 返回某连接器当前打开的状态
	OpenStates(ctx context.Context, connector string) (map[BreachType]*State, error)
	// SaveTick 原子地写入一次 tick 修改过的状态与发出的事件；ID 为 0 的状态新建
	SaveTick(ctx context.Context, states []*State, events []Event) error
	ListStates(ctx context.Context, filter StateFilter) ([]*State, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)

	// SaveHealth 覆盖连接器最新的健康快照，所有副本共享
	SaveHealth(ctx context.Context, snap HealthSnapshot) error
	// ListHealth 返回每个连接器最新的健康快照
	ListHealth(ctx context.Context) (map[string]HealthSnapshot, error)
}

// MemoryStore 进程内存储
type MemoryStore struct {
	mu         sync.RWMutex
	connectors map[string]*Connector
	health     map[string]HealthSnapshot
	states     []*State
	events     []Event
	nextID     int64
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connectors: make(map[string]*Connector),
		health:     make(map[string]HealthSnapshot),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) RegisterConnector(ctx context.Context, c Connector) (*Connector, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "connector_name is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c.Name = name
	if existing, ok := s.connectors[name]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	} else {
		s.nextID++
		c.ID = s.nextID
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	stored := c.clone()
	s.connectors[name] = stored
	return stored.clone(), nil
}

func (s *MemoryStore) GetConnector(ctx context.Context, name string) (*Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connectors[name]
	if !ok {
		return nil, connectorNotFound(name)
	}
	return c.clone(), nil
}

func (s *MemoryStore) ListConnectors(ctx context.Context, enabledOnly bool) ([]*Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		if enabledOnly && !c.Enabled {
			continue
		}
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SaveHealth(ctx context.Context, snap HealthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[snap.ConnectorName] = snap.clone()
	return nil
}

func (s *MemoryStore) ListHealth(ctx context.Context) (map[string]HealthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]HealthSnapshot, len(s.health))
	for name, snap := range s.health {
		out[name] = snap.clone()
	}
	return out, nil
}

func (s *MemoryStore) OpenStates(ctx context.Context, connector string) (map[BreachType]*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[BreachType]*State)
	for _, st := range s.states {
		if st.Open && st.ConnectorName == connector {
			out[st.BreachType] = st.clone()
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveTick(ctx context.Context, states []*State, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 先校验再写入，保证一次 tick 要么全部生效要么不生效
	index := make(map[int64]int, len(s.states))
	for i, existing := range s.states {
		index[existing.ID] = i
	}
	for _, st := range states {
		if st.ID != 0 {
			if _, ok := index[st.ID]; !ok {
				return apperrors.Newf(apperrors.ErrCodeNotFound, "sla state %d not found", st.ID)
			}
			continue
		}
		for _, existing := range s.states {
			if existing.Open && existing.DedupeKey() == st.DedupeKey() {
				return apperrors.Newf(apperrors.ErrCodeConflict, "open state %s already exists", st.DedupeKey())
			}
		}
	}

	for _, st := range states {
		if st.ID == 0 {
			s.nextID++
			st.ID = s.nextID
			s.states = append(s.states, st.clone())
			continue
		}
		s.states[index[st.ID]] = st.clone()
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *MemoryStore) ListStates(ctx context.Context, filter StateFilter) ([]*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := clampLimit(filter.Limit)
	out := make([]*State, 0)
	for i := len(s.states) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.match(s.states[i]) {
			out = append(out, s.states[i].clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := clampLimit(filter.Limit)
	out := make([]Event, 0)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.ConnectorName == "" || s.events[i].ConnectorName == filter.ConnectorName {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func connectorNotFound(name string) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeConnectorNotFound, "connector not found", name, nil)
}

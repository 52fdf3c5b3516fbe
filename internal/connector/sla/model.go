package sla

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	apperrors "qtune/internal/errors"
)

// BreachType 违约类型
type BreachType string

const (
	BreachFreshness      BreachType = "FRESHNESS"
	BreachPendingBacklog BreachType = "PENDING_BACKLOG"
	BreachDeadLetter     BreachType = "DEAD_LETTER"
)

// BreachTypes 按固定顺序评估
var BreachTypes = []BreachType{BreachFreshness, BreachPendingBacklog, BreachDeadLetter}

// Severity 告警级别
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Stage 阈值阶段
type Stage string

const (
	StageWarning   Stage = "warning"
	StageCritical  Stage = "critical"
	StageEscalated Stage = "escalated"
)

// EventType 状态迁移事件
type EventType string

const (
	EventBreachOpened    EventType = "BREACH_OPENED"
	EventSeverityChanged EventType = "SEVERITY_CHANGED"
	EventEscalated       EventType = "ESCALATED"
	EventReminder        EventType = "REMINDER"
	EventRecovered       EventType = "RECOVERED"
)

// HealthSnapshot 连接器健康快照。FreshnessMinutes 为空表示尚无检查点
type HealthSnapshot struct {
	ConnectorName    string    `json:"connector_name" binding:"required"`
	FreshnessMinutes *float64  `json:"freshness_minutes"`
	PendingBacklog   int64     `json:"pending_backlog"`
	DeadLetterCount  int64     `json:"dead_letter_count"`
	ObservedAt       time.Time `json:"observed_at"`
}

func (h HealthSnapshot) clone() HealthSnapshot {
	if h.FreshnessMinutes != nil {
		v := *h.FreshnessMinutes
		h.FreshnessMinutes = &v
	}
	return h
}

// Validate rejects negative or non-finite metrics.
func (h HealthSnapshot) Validate() error {
	invalid := func(detail string) error {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeSLAMetricsInvalid,
			"invalid connector health snapshot", detail, nil)
	}
	if strings.TrimSpace(h.ConnectorName) == "" {
		return invalid("connector_name is required")
	}
	if f := h.FreshnessMinutes; f != nil && (*f < 0 || math.IsNaN(*f) || math.IsInf(*f, 0)) {
		return invalid("freshness_minutes must be a finite value >= 0")
	}
	if h.PendingBacklog < 0 {
		return invalid("pending_backlog must be >= 0")
	}
	if h.DeadLetterCount < 0 {
		return invalid("dead_letter_count must be >= 0")
	}
	return nil
}

// Connector 已注册的连接器。Policy 为覆盖默认策略的部分 JSON
type Connector struct {
	ID         int64           `json:"id"`
	Name       string          `json:"connector_name" binding:"required"`
	SourceName string          `json:"source_name,omitempty"`
	Enabled    bool            `json:"enabled"`
	Policy     json.RawMessage `json:"sla_policy,omitempty"`
	RunbookURL string          `json:"runbook_url,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (c *Connector) clone() *Connector {
	cp := *c
	if c.Policy != nil {
		cp.Policy = append(json.RawMessage(nil), c.Policy...)
	}
	return &cp
}

// State 每个 (connector, breach_type) 至多一条打开的状态；恢复后关闭保留
type State struct {
	ID                  int64      `json:"id"`
	ConnectorName       string     `json:"connector_name"`
	BreachType          BreachType `json:"breach_type"`
	Stage               Stage      `json:"stage"`
	Severity            Severity   `json:"severity"`
	RepeatCount         int        `json:"repeat_count"`
	EscalationLevel     int        `json:"escalation_level"`
	EscalationReason    string     `json:"escalation_reason,omitempty"`
	LastEscalatedRepeat int        `json:"last_escalated_repeat"`
	ClearTicks          int        `json:"clear_ticks"`
	Message             string     `json:"message"`
	FirstSeenAt         time.Time  `json:"first_seen_at"`
	LastSeenAt          time.Time  `json:"last_seen_at"`
	LastEmittedAt       *time.Time `json:"last_emitted_at,omitempty"`
	LastEventType       EventType  `json:"last_event_type,omitempty"`
	LastEscalatedAt     *time.Time `json:"last_escalated_at,omitempty"`
	RecoveredAt         *time.Time `json:"recovered_at,omitempty"`
	Open                bool       `json:"open"`
}

// DedupeKey identifies the open state of a breach.
func (s *State) DedupeKey() string {
	return DedupeKey(s.ConnectorName, s.BreachType)
}

// DedupeKey returns connector|breach_type.
func DedupeKey(connector string, bt BreachType) string {
	return connector + "|" + string(bt)
}

func (s *State) clone() *State {
	cp := *s
	cp.LastEmittedAt = cloneTime(s.LastEmittedAt)
	cp.LastEscalatedAt = cloneTime(s.LastEscalatedAt)
	cp.RecoveredAt = cloneTime(s.RecoveredAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Event 发往告警通道的状态迁移
type Event struct {
	Type             EventType  `json:"event_type"`
	ConnectorName    string     `json:"connector_name"`
	BreachType       BreachType `json:"breach_type"`
	Severity         Severity   `json:"severity"`
	Stage            Stage      `json:"stage"`
	EscalationLevel  int        `json:"escalation_level"`
	EscalationReason string     `json:"escalation_reason,omitempty"`
	RepeatCount      int        `json:"repeat_count"`
	Message          string     `json:"message"`
	RunbookURL       string     `json:"runbook_url,omitempty"`
	OccurredAt       time.Time  `json:"occurred_at"`
}

// Key returns the partition key used by ordered transports.
func (e Event) Key() string { return DedupeKey(e.ConnectorName, e.BreachType) }

// StateFilter 状态查询条件
type StateFilter struct {
	ConnectorName string
	OpenOnly      bool
	Limit         int
}

func (f StateFilter) match(s *State) bool {
	if f.ConnectorName != "" && s.ConnectorName != f.ConnectorName {
		return false
	}
	if f.OpenOnly && !s.Open {
		return false
	}
	return true
}

// EventFilter 事件查询条件
type EventFilter struct {
	ConnectorName string
	Limit         int
}

// Summary 打开状态的聚合
type Summary struct {
	ConnectorName         string             `json:"connector_name,omitempty"`
	OpenStates            int                `json:"open_states"`
	EscalatedOpenStates   int                `json:"escalated_open_states"`
	OpenBySeverity        map[Severity]int   `json:"open_by_severity"`
	OpenByBreachType      map[BreachType]int `json:"open_by_breach_type"`
	OpenByEscalationLevel map[int]int        `json:"open_by_escalation_level"`
}

// Summarize aggregates open states.
func Summarize(connector string, states []*State) Summary {
	sum := Summary{
		ConnectorName:         connector,
		OpenBySeverity:        map[Severity]int{},
		OpenByBreachType:      map[BreachType]int{},
		OpenByEscalationLevel: map[int]int{},
	}
	for _, s := range states {
		if !s.Open {
			continue
		}
		sum.OpenStates++
		if s.EscalationLevel > 0 {
			sum.EscalatedOpenStates++
		}
		sum.OpenBySeverity[s.Severity]++
		sum.OpenByBreachType[s.BreachType]++
		sum.OpenByEscalationLevel[s.EscalationLevel]++
	}
	return sum
}

const (
	defaultListLimit = 200
	maxListLimit     = 2000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

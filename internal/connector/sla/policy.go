package sla

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Policy 阈值与状态机参数。阈值满足 warning <= critical <= escalation
type Policy struct {
	FreshnessWarningMinutes    float64 `json:"freshness_warning_minutes" yaml:"freshness_warning_minutes"`
	FreshnessCriticalMinutes   float64 `json:"freshness_critical_minutes" yaml:"freshness_critical_minutes"`
	FreshnessEscalationMinutes float64 `json:"freshness_escalation_minutes" yaml:"freshness_escalation_minutes"`
	PendingWarning             int64   `json:"pending_warning" yaml:"pending_warning"`
	PendingCritical            int64   `json:"pending_critical" yaml:"pending_critical"`
	PendingEscalation          int64   `json:"pending_escalation" yaml:"pending_escalation"`
	DeadWarning                int64   `json:"dead_warning" yaml:"dead_warning"`
	DeadCritical               int64   `json:"dead_critical" yaml:"dead_critical"`
	DeadEscalation             int64   `json:"dead_escalation" yaml:"dead_escalation"`

	WarningRepeatEscalate  int `json:"warning_repeat_escalate" yaml:"warning_repeat_escalate"`
	CriticalRepeatEscalate int `json:"critical_repeat_escalate" yaml:"critical_repeat_escalate"`
	CooldownSeconds        int `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	RecoveryTicks          int `json:"recovery_ticks" yaml:"recovery_ticks"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		FreshnessWarningMinutes:    180,
		FreshnessCriticalMinutes:   720,
		FreshnessEscalationMinutes: 1440,
		PendingWarning:             10,
		PendingCritical:            30,
		PendingEscalation:          80,
		DeadWarning:                1,
		DeadCritical:               5,
		DeadEscalation:             20,
		WarningRepeatEscalate:      3,
		CriticalRepeatEscalate:     2,
		CooldownSeconds:            900,
		RecoveryTicks:              2,
	}
}

// Thresholds 单个违约类型的三级阈值
type Thresholds struct {
	Warning    float64
	Critical   float64
	Escalation float64
}

func (t Thresholds) validate(name string) error {
	if t.Warning < 0 || t.Warning > t.Critical || t.Critical > t.Escalation {
		return fmt.Errorf("%s thresholds must satisfy 0 <= warning <= critical <= escalation, got %v/%v/%v",
			name, t.Warning, t.Critical, t.Escalation)
	}
	return nil
}

// Thresholds returns the thresholds for a breach type.
func (p Policy) Thresholds(bt BreachType) Thresholds {
	switch bt {
	case BreachPendingBacklog:
		return Thresholds{float64(p.PendingWarning), float64(p.PendingCritical), float64(p.PendingEscalation)}
	case BreachDeadLetter:
		return Thresholds{float64(p.DeadWarning), float64(p.DeadCritical), float64(p.DeadEscalation)}
	}
	return Thresholds{p.FreshnessWarningMinutes, p.FreshnessCriticalMinutes, p.FreshnessEscalationMinutes}
}

// Validate checks threshold ordering and machine settings.
func (p Policy) Validate() error {
	for _, bt := range BreachTypes {
		if err := p.Thresholds(bt).validate(string(bt)); err != nil {
			return err
		}
	}
	if p.WarningRepeatEscalate < 1 || p.CriticalRepeatEscalate < 1 {
		return fmt.Errorf("repeat escalation thresholds must be >= 1")
	}
	if p.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown_seconds must be >= 0")
	}
	if p.RecoveryTicks < 1 {
		return fmt.Errorf("recovery_ticks must be >= 1")
	}
	return nil
}

// repeatThreshold 距上次升级需要的重复次数
func (p Policy) repeatThreshold(sev Severity) int {
	if sev == SeverityCritical {
		return p.CriticalRepeatEscalate
	}
	return p.WarningRepeatEscalate
}

// Merge 将部分 JSON 覆盖到 p 上，未出现的字段保留原值
func (p Policy) Merge(raw json.RawMessage) (Policy, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return p, nil
	}
	merged := p
	if err := json.Unmarshal(trimmed, &merged); err != nil {
		return p, fmt.Errorf("decode sla policy: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return p, err
	}
	return merged, nil
}

// Classify 按阈值给出级别与阶段；未越过 warning 时 ok=false
func Classify(value float64, t Thresholds) (sev Severity, stage Stage, ok bool) {
	switch {
	case value >= t.Escalation:
		return SeverityCritical, StageEscalated, true
	case value >= t.Critical:
		return SeverityCritical, StageCritical, true
	case value >= t.Warning:
		return SeverityWarning, StageWarning, true
	}
	return "", "", false
}

// observation 一个违约类型在本次 tick 的判定
type observation struct {
	breachType BreachType
	breaching  bool
	severity   Severity
	stage      Stage
	message    string
}

// observe 对快照的三个指标逐一分类
func observe(snap HealthSnapshot, p Policy) []observation {
	out := make([]observation, 0, len(BreachTypes))

	fresh := observation{breachType: BreachFreshness}
	if snap.FreshnessMinutes == nil {
		fresh.breaching, fresh.severity, fresh.stage = true, SeverityWarning, StageWarning
		fresh.message = "No freshness checkpoint found yet."
	} else if sev, stage, ok := Classify(*snap.FreshnessMinutes, p.Thresholds(BreachFreshness)); ok {
		fresh.breaching, fresh.severity, fresh.stage = true, sev, stage
		fresh.message = fmt.Sprintf("Freshness lag=%.0fm exceeds %s threshold.", *snap.FreshnessMinutes, stage)
	}
	out = append(out, fresh)

	pending := observation{breachType: BreachPendingBacklog}
	if sev, stage, ok := Classify(float64(snap.PendingBacklog), p.Thresholds(BreachPendingBacklog)); ok {
		pending.breaching, pending.severity, pending.stage = true, sev, stage
		pending.message = fmt.Sprintf("Pending failure backlog=%d exceeds %s threshold.", snap.PendingBacklog, stage)
	}
	out = append(out, pending)

	dead := observation{breachType: BreachDeadLetter}
	if sev, stage, ok := Classify(float64(snap.DeadLetterCount), p.Thresholds(BreachDeadLetter)); ok {
		dead.breaching, dead.severity, dead.stage = true, sev, stage
		dead.message = fmt.Sprintf("Dead-letter backlog=%d exceeds %s threshold.", snap.DeadLetterCount, stage)
	}
	out = append(out, dead)
	return out
}

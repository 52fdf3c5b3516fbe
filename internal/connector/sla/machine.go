package sla

import (
	"context"
	"fmt"
	"time"

	"qtune/internal/logger"
)

// TickResult 一次 tick 的结果。Events 只包含实际发出的事件
type TickResult struct {
	ConnectorName string    `json:"connector_name"`
	Events        []Event   `json:"events"`
	Suppressed    int       `json:"suppressed"`
	Escalated     int       `json:"escalated"`
	Recovered     int       `json:"recovered"`
	OpenStates    []*State  `json:"open_states"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// Machine SLA 状态机：读取打开状态、推进、原子写回
type Machine struct {
	store  Store
	locker Locker
	now    func() time.Time
	log    logger.Logger
}

// NewMachine creates a state machine. locker may be nil for an in-process KeyLocker.
func NewMachine(store Store, locker Locker, log logger.Logger) *Machine {
	if locker == nil {
		locker = NewKeyLocker()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Machine{
		store:  store,
		locker: locker,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log,
	}
}

// SetClock overrides the time source.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// EvaluateTick 对一个连接器推进一次状态机。同一连接器的 tick 通过 locker 串行；
// 快照非法时不写入任何状态
func (m *Machine) EvaluateTick(ctx context.Context, snap HealthSnapshot, policy Policy, runbookURL string) (*TickResult, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	unlock, err := m.locker.Lock(ctx, "sla:"+snap.ConnectorName)
	if err != nil {
		return nil, err
	}
	defer unlock()

	open, err := m.store.OpenStates(ctx, snap.ConnectorName)
	if err != nil {
		return nil, err
	}

	now := m.now()
	result := &TickResult{ConnectorName: snap.ConnectorName, EvaluatedAt: now, Events: []Event{}}
	var changed []*State
	for _, obs := range observe(snap, policy) {
		t := &transition{policy: policy, now: now, runbookURL: runbookURL}
		st := t.advance(open[obs.breachType], snap.ConnectorName, obs)
		if st == nil {
			continue
		}
		changed = append(changed, st)
		result.Events = append(result.Events, t.emitted...)
		result.Suppressed += t.suppressed
		result.Escalated += t.escalated
		if !st.Open {
			result.Recovered++
		} else {
			result.OpenStates = append(result.OpenStates, st)
		}
	}

	if len(changed) == 0 {
		return result, nil
	}
	if err := m.store.SaveTick(ctx, changed, result.Events); err != nil {
		return nil, err
	}
	for _, e := range result.Events {
		m.log.Info("SLA state transition",
			"connector", e.ConnectorName, "breach_type", e.BreachType, "event_type", e.Type,
			"severity", e.Severity, "escalation_level", e.EscalationLevel, "repeat_count", e.RepeatCount)
	}
	return result, nil
}

// transition 推进单个 (connector, breach_type) 的状态
type transition struct {
	policy     Policy
	now        time.Time
	runbookURL string

	emitted    []Event
	suppressed int
	escalated  int
}

// advance 返回被修改的状态；无需写回时返回 nil
func (t *transition) advance(st *State, connector string, obs observation) *State {
	switch {
	case obs.breaching && st == nil:
		st = &State{
			ConnectorName: connector,
			BreachType:    obs.breachType,
			Stage:         obs.stage,
			Severity:      obs.severity,
			RepeatCount:   1,
			Message:       obs.message,
			FirstSeenAt:   t.now,
			LastSeenAt:    t.now,
			Open:          true,
		}
		t.emit(st, EventBreachOpened, obs.message)
		t.maybeEscalate(st)
		return st

	case obs.breaching:
		st.RepeatCount++
		st.ClearTicks = 0
		st.LastSeenAt = t.now
		st.Message = obs.message
		emittedBefore := len(t.emitted) + t.suppressed
		if st.Stage != obs.stage || st.Severity != obs.severity {
			from := st.Severity
			st.Stage, st.Severity = obs.stage, obs.severity
			t.emit(st, EventSeverityChanged, fmt.Sprintf("Severity %s -> %s (%s). %s", from, obs.severity, obs.stage, obs.message))
		}
		t.maybeEscalate(st)
		if len(t.emitted)+t.suppressed == emittedBefore && t.cooldownElapsed(st) {
			t.emit(st, EventReminder, fmt.Sprintf("Breach ongoing, repeat=%d. %s", st.RepeatCount, obs.message))
		}
		return st

	case st != nil:
		st.ClearTicks++
		if st.ClearTicks < t.policy.RecoveryTicks {
			return st
		}
		st.Open = false
		recovered := t.now
		st.RecoveredAt = &recovered
		t.emit(st, EventRecovered, fmt.Sprintf("%s recovered after %d clear ticks; last severity %s, escalation level %d.",
			st.BreachType, st.ClearTicks, st.Severity, st.EscalationLevel))
		return st
	}
	return nil
}

// maybeEscalate 升级只增不减。escalated 阶段在 0 级时立即升级，
// 其余情况距上次升级的重复次数达到阈值时升一级
func (t *transition) maybeEscalate(st *State) {
	var reason string
	switch {
	case st.Stage == StageEscalated && st.EscalationLevel == 0:
		reason = "breach stage escalated by SLA threshold"
	case st.RepeatCount-st.LastEscalatedRepeat >= t.policy.repeatThreshold(st.Severity):
		if st.Severity == SeverityCritical {
			reason = fmt.Sprintf("critical breach repeated >= %d", t.policy.CriticalRepeatEscalate)
		} else {
			reason = fmt.Sprintf("sustained breach repeated >= %d", t.policy.WarningRepeatEscalate)
		}
	default:
		return
	}
	st.EscalationLevel++
	st.EscalationReason = reason
	st.LastEscalatedRepeat = st.RepeatCount
	at := t.now
	st.LastEscalatedAt = &at
	t.escalated++
	t.emit(st, EventEscalated, fmt.Sprintf("Escalated to level %d: %s (repeat=%d).", st.EscalationLevel, reason, st.RepeatCount))
}

func (t *transition) cooldownElapsed(st *State) bool {
	if st.LastEmittedAt == nil {
		return true
	}
	return t.now.Sub(*st.LastEmittedAt) >= time.Duration(t.policy.CooldownSeconds)*time.Second
}

// emit 同类型事件在冷却期内只更新状态不发出；开启与恢复事件不受冷却限制
func (t *transition) emit(st *State, typ EventType, message string) {
	if typ != EventBreachOpened && typ != EventRecovered &&
		st.LastEventType == typ && !t.cooldownElapsed(st) {
		t.suppressed++
		return
	}
	at := t.now
	st.LastEmittedAt = &at
	st.LastEventType = typ
	t.emitted = append(t.emitted, Event{
		Type:             typ,
		ConnectorName:    st.ConnectorName,
		BreachType:       st.BreachType,
		Severity:         st.Severity,
		Stage:            st.Stage,
		EscalationLevel:  st.EscalationLevel,
		EscalationReason: st.EscalationReason,
		RepeatCount:      st.RepeatCount,
		Message:          message,
		RunbookURL:       t.runbookURL,
		OccurredAt:       t.now,
	})
}

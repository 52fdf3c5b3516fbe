package sla

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
	"qtune/internal/testutils"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func stores(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store { return NewSQLStore(testutils.NewSQLiteDB(t), logger.NewNop()) },
	}
}

type harness struct {
	store   Store
	machine *Machine
	service *Service
	sink    *recordingSink
	clock   *fakeClock
}

func newHarness(t *testing.T, store Store, policy Policy) *harness {
	t.Helper()
	clock := newClock()
	machine := NewMachine(store, NewKeyLocker(), logger.NewNop())
	machine.SetClock(clock.Now)
	sink := &recordingSink{}
	return &harness{
		store:   store,
		machine: machine,
		service: NewService(store, machine, sink, policy, logger.NewNop()),
		sink:    sink,
		clock:   clock,
	}
}

func (h *harness) register(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := h.service.RegisterConnector(context.Background(), Connector{Name: name, Enabled: true})
		require.NoError(t, err)
	}
}

func (h *harness) tick(t *testing.T, snaps ...HealthSnapshot) *SyncResult {
	t.Helper()
	for _, snap := range snaps {
		require.NoError(t, h.service.RecordHealth(context.Background(), snap))
	}
	res, err := h.service.SyncTick(context.Background())
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	return res
}

func (h *harness) open(t *testing.T, connector string) map[BreachType]*State {
	t.Helper()
	open, err := h.store.OpenStates(context.Background(), connector)
	require.NoError(t, err)
	return open
}

func fresh(name string, minutes float64) HealthSnapshot {
	return HealthSnapshot{ConnectorName: name, FreshnessMinutes: &minutes}
}

func TestEscalationAfterRepeatedWarnings(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			policy := DefaultPolicy()
			policy.WarningRepeatEscalate = 2
			h := newHarness(t, newStore(), policy)
			h.register(t, "connector_a", "connector_b")

			res := h.tick(t, fresh("connector_a", 200), fresh("connector_b", 5))
			assert.Equal(t, 2, res.Evaluated)
			assert.Equal(t, []EventType{EventBreachOpened}, h.sink.types())

			res = h.tick(t)
			assert.Equal(t, 1, res.Escalated)
			assert.Equal(t, []EventType{EventBreachOpened, EventEscalated}, h.sink.types())
			escalated := h.sink.events[1]
			assert.Equal(t, "connector_a", escalated.ConnectorName)
			assert.Equal(t, 1, escalated.EscalationLevel)
			assert.Equal(t, "sustained breach repeated >= 2", escalated.EscalationReason)

			h.tick(t)
			state := h.open(t, "connector_a")[BreachFreshness]
			require.NotNil(t, state)
			assert.Equal(t, 3, state.RepeatCount)
			assert.Equal(t, 1, state.EscalationLevel)
			assert.Equal(t, SeverityWarning, state.Severity)

			assert.Empty(t, h.open(t, "connector_b"))
		})
	}
}

func TestCriticalBreachOpensAtCritical(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, newStore(), DefaultPolicy())
			h.register(t, "connector_a")

			h.tick(t, fresh("connector_a", 800))
			require.Len(t, h.sink.events, 1)
			opened := h.sink.events[0]
			assert.Equal(t, EventBreachOpened, opened.Type)
			assert.Equal(t, SeverityCritical, opened.Severity)
			assert.Equal(t, StageCritical, opened.Stage)

			state := h.open(t, "connector_a")[BreachFreshness]
			require.NotNil(t, state)
			assert.Equal(t, SeverityCritical, state.Severity)
			assert.Equal(t, 1, state.RepeatCount)
			assert.Equal(t, 0, state.EscalationLevel)
		})
	}
}

func TestEscalatedStageEscalatesImmediately(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), DefaultPolicy())
	h.register(t, "connector_a")

	h.tick(t, fresh("connector_a", 2000))
	assert.Equal(t, []EventType{EventBreachOpened, EventEscalated}, h.sink.types())
	state := h.open(t, "connector_a")[BreachFreshness]
	assert.Equal(t, StageEscalated, state.Stage)
	assert.Equal(t, 1, state.EscalationLevel)
	assert.Equal(t, "breach stage escalated by SLA threshold", state.EscalationReason)
}

func TestTwoTickRecovery(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, newStore(), DefaultPolicy())
			h.register(t, "connector_a")

			for i := 0; i < 3; i++ {
				h.tick(t, HealthSnapshot{ConnectorName: "connector_a", FreshnessMinutes: ptr(1), PendingBacklog: 15})
			}
			// one good reading does not close the state
			h.tick(t, fresh("connector_a", 1))
			state := h.open(t, "connector_a")[BreachPendingBacklog]
			require.NotNil(t, state)
			assert.Equal(t, 1, state.ClearTicks)
			assert.Equal(t, 3, state.RepeatCount)

			// breaching again resets the clear counter
			h.tick(t, HealthSnapshot{ConnectorName: "connector_a", FreshnessMinutes: ptr(1), PendingBacklog: 15})
			state = h.open(t, "connector_a")[BreachPendingBacklog]
			assert.Equal(t, 0, state.ClearTicks)
			assert.Equal(t, 4, state.RepeatCount)
			levelBefore := state.EscalationLevel

			h.tick(t, fresh("connector_a", 1))
			require.NotNil(t, h.open(t, "connector_a")[BreachPendingBacklog])
			res := h.tick(t)
			assert.Equal(t, 1, res.Recovered)
			assert.Empty(t, h.open(t, "connector_a"))

			types := h.sink.types()
			assert.Equal(t, EventRecovered, types[len(types)-1])
			recovered := h.sink.events[len(h.sink.events)-1]
			assert.Equal(t, levelBefore, recovered.EscalationLevel)

			closed, err := h.store.ListStates(context.Background(), StateFilter{ConnectorName: "connector_a"})
			require.NoError(t, err)
			require.Len(t, closed, 1)
			assert.False(t, closed[0].Open)
			assert.NotNil(t, closed[0].RecoveredAt)

			// a new breach starts from scratch
			h.tick(t, HealthSnapshot{ConnectorName: "connector_a", FreshnessMinutes: ptr(1), PendingBacklog: 15})
			state = h.open(t, "connector_a")[BreachPendingBacklog]
			require.NotNil(t, state)
			assert.Equal(t, 1, state.RepeatCount)
			assert.Equal(t, 0, state.EscalationLevel)
			assert.NotEqual(t, closed[0].ID, state.ID)
		})
	}
}

func TestEscalationIsMonotonic(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), DefaultPolicy())
	h.register(t, "connector_a")

	values := []int64{6, 6, 2, 6, 25, 3, 1, 6, 6, 2}
	last := 0
	for i, dead := range values {
		h.tick(t, HealthSnapshot{ConnectorName: "connector_a", FreshnessMinutes: ptr(0), DeadLetterCount: dead})
		state := h.open(t, "connector_a")[BreachDeadLetter]
		require.NotNil(t, state, "tick %d", i)
		assert.GreaterOrEqual(t, state.EscalationLevel, last, "tick %d", i)
		last = state.EscalationLevel
	}
	assert.Greater(t, last, 0)
}

func TestCooldownSuppressesEmissionOnly(t *testing.T) {
	policy := DefaultPolicy()
	policy.WarningRepeatEscalate = 100
	policy.CriticalRepeatEscalate = 100
	policy.CooldownSeconds = 600
	h := newHarness(t, NewMemoryStore(), policy)
	h.register(t, "connector_a")

	h.tick(t, fresh("connector_a", 200)) // opened, warning
	h.tick(t, fresh("connector_a", 800)) // warning -> critical
	assert.Equal(t, []EventType{EventBreachOpened, EventSeverityChanged}, h.sink.types())

	res := h.tick(t, fresh("connector_a", 200)) // critical -> warning within cooldown
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, h.sink.events, 2)
	state := h.open(t, "connector_a")[BreachFreshness]
	assert.Equal(t, SeverityWarning, state.Severity, "state updates even when emission is suppressed")
	assert.Equal(t, 3, state.RepeatCount)

	// unchanged breach inside cooldown is silent
	h.tick(t)
	assert.Len(t, h.sink.events, 2)

	h.clock.Advance(10 * time.Minute)
	h.tick(t)
	assert.Equal(t, EventReminder, h.sink.types()[len(h.sink.events)-1])
}

func TestInvalidSnapshotLeavesStateUntouched(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, newStore(), DefaultPolicy())
			h.register(t, "connector_a")
			h.tick(t, fresh("connector_a", 200))

			err := h.service.RecordHealth(context.Background(), HealthSnapshot{ConnectorName: "connector_a", PendingBacklog: -1})
			assert.True(t, errors.Is(err, apperrors.ErrInvalidMetrics))

			_, err = h.machine.EvaluateTick(context.Background(),
				HealthSnapshot{ConnectorName: "connector_a", DeadLetterCount: -3}, DefaultPolicy(), "")
			assert.True(t, errors.Is(err, apperrors.ErrInvalidMetrics))

			state := h.open(t, "connector_a")[BreachFreshness]
			require.NotNil(t, state)
			assert.Equal(t, 1, state.RepeatCount)
		})
	}
}

func TestMissingFreshnessIsWarning(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), DefaultPolicy())
	h.register(t, "connector_a")
	h.tick(t, HealthSnapshot{ConnectorName: "connector_a"})

	require.Len(t, h.sink.events, 1)
	assert.Equal(t, SeverityWarning, h.sink.events[0].Severity)
	assert.Equal(t, "No freshness checkpoint found yet.", h.sink.events[0].Message)
}

func TestConcurrentTicksAreSerialized(t *testing.T) {
	store := NewMemoryStore()
	machine := NewMachine(store, NewKeyLocker(), logger.NewNop())
	policy := DefaultPolicy()
	policy.WarningRepeatEscalate = 1000

	const ticks = 20
	var wg sync.WaitGroup
	for i := 0; i < ticks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := machine.EvaluateTick(context.Background(), fresh("connector_a", 200), policy, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	open, err := store.OpenStates(context.Background(), "connector_a")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ticks, open[BreachFreshness].RepeatCount)
}

func TestKeyLocker(t *testing.T) {
	l := NewKeyLocker()
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.Equal(t, apperrors.ErrCodeLockNotAcquired, apperrors.GetErrorCode(err))

	other, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Equal(t, 0, l.size())
}

func TestSyncTickHandlesMissingDataAndSinkErrors(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), DefaultPolicy())
	h.register(t, "connector_a", "connector_b")
	h.sink.err = errors.New("broker down")

	require.NoError(t, h.service.RecordHealth(context.Background(), fresh("connector_a", 900)))
	res, err := h.service.SyncTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, 1, res.NoData)
	assert.Equal(t, 1, res.SinkErrors)
	assert.Equal(t, 1, res.OpenStates)
	// sink failures never roll back state
	assert.Len(t, h.open(t, "connector_a"), 1)

	err = h.service.RecordHealth(context.Background(), fresh("unknown", 1))
	assert.True(t, errors.Is(err, apperrors.ErrConnectorNotFound))
}

func TestDisabledConnectorsAreSkipped(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), DefaultPolicy())
	_, err := h.service.RegisterConnector(context.Background(), Connector{Name: "connector_a", Enabled: false})
	require.NoError(t, err)
	require.NoError(t, h.service.RecordHealth(context.Background(), fresh("connector_a", 900)))

	res, err := h.service.SyncTick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Evaluated)
	assert.Empty(t, h.sink.events)
}

func TestPolicyOverrides(t *testing.T) {
	base := DefaultPolicy()

	merged, err := base.Merge(json.RawMessage(`{"pending_warning": 2, "cooldown_seconds": 60}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), merged.PendingWarning)
	assert.Equal(t, 60, merged.CooldownSeconds)
	assert.Equal(t, base.PendingCritical, merged.PendingCritical)

	_, err = base.Merge(json.RawMessage(`{"pending_warning": 50}`))
	assert.Error(t, err, "warning above critical")

	same, err := base.Merge(nil)
	require.NoError(t, err)
	assert.Equal(t, base, same)

	h := newHarness(t, NewMemoryStore(), base)
	_, err = h.service.RegisterConnector(context.Background(),
		Connector{Name: "connector_a", Enabled: true, Policy: json.RawMessage(`{"dead_warning": 9, "dead_critical": 1}`)})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetErrorCode(err))

	_, err = h.service.RegisterConnector(context.Background(),
		Connector{Name: "connector_b", Enabled: true, Policy: json.RawMessage(`{"pending_warning": 2}`)})
	require.NoError(t, err)
	h.tick(t, HealthSnapshot{ConnectorName: "connector_b", FreshnessMinutes: ptr(0), PendingBacklog: 3})
	require.Len(t, h.sink.events, 1)
	assert.Equal(t, BreachPendingBacklog, h.sink.events[0].BreachType)
}

func TestClassify(t *testing.T) {
	th := Thresholds{Warning: 10, Critical: 30, Escalation: 80}
	cases := []struct {
		value    float64
		ok       bool
		severity Severity
		stage    Stage
	}{
		{9, false, "", ""},
		{10, true, SeverityWarning, StageWarning},
		{30, true, SeverityCritical, StageCritical},
		{79, true, SeverityCritical, StageCritical},
		{80, true, SeverityCritical, StageEscalated},
	}
	for _, tc := range cases {
		sev, stage, ok := Classify(tc.value, th)
		assert.Equal(t, tc.ok, ok, "value %v", tc.value)
		assert.Equal(t, tc.severity, sev, "value %v", tc.value)
		assert.Equal(t, tc.stage, stage, "value %v", tc.value)
	}
}

func TestSummary(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), DefaultPolicy())
	h.register(t, "connector_a", "connector_b")
	h.tick(t,
		HealthSnapshot{ConnectorName: "connector_a", FreshnessMinutes: ptr(2000), PendingBacklog: 12},
		HealthSnapshot{ConnectorName: "connector_b", FreshnessMinutes: ptr(0), DeadLetterCount: 6},
	)

	sum, err := h.service.Summary(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.OpenStates)
	assert.Equal(t, 1, sum.EscalatedOpenStates)
	assert.Equal(t, 2, sum.OpenBySeverity[SeverityCritical])
	assert.Equal(t, 1, sum.OpenBySeverity[SeverityWarning])
	assert.Equal(t, 1, sum.OpenByBreachType[BreachDeadLetter])
	assert.Equal(t, 2, sum.OpenByEscalationLevel[0])

	sum, err = h.service.Summary(context.Background(), "connector_b")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.OpenStates)

	events, err := h.service.ListEvents(context.Background(), EventFilter{ConnectorName: "connector_a"})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func ptr(v float64) *float64 { return &v }

func TestHealthSharedAcrossServices(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ingest := newHarness(t, store, DefaultPolicy())
			ingest.register(t, "connector_a")
			require.NoError(t, ingest.service.RecordHealth(context.Background(), fresh("connector_a", 200)))

			syncer := newHarness(t, store, DefaultPolicy())
			res := syncer.tick(t)
			assert.Equal(t, 1, res.Evaluated)
			assert.Equal(t, 0, res.NoData)
			assert.Equal(t, []EventType{EventBreachOpened}, syncer.sink.types())
			assert.Empty(t, ingest.sink.types())

			// 后写入的快照覆盖先前的值
			require.NoError(t, ingest.service.RecordHealth(context.Background(), fresh("connector_a", 5)))
			syncer.tick(t)
			res = syncer.tick(t)
			assert.Equal(t, 1, res.Recovered)
			assert.Equal(t, []EventType{EventBreachOpened, EventRecovered}, syncer.sink.types())
		})
	}
}

type stubElector struct {
	leader bool
	err    error
	calls  int
}

func (e *stubElector) IsLeader(context.Context) (bool, error) {
	e.calls++
	return e.leader, e.err
}

func TestSyncTickRunsOnlyOnLeader(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), DefaultPolicy())
	h.register(t, "connector_a")
	elector := &stubElector{}
	h.service.SetElector(elector)

	res := h.tick(t, fresh("connector_a", 200))
	assert.True(t, res.Standby)
	assert.Equal(t, 0, res.Evaluated)
	assert.Empty(t, res.Events)
	assert.Empty(t, h.sink.types())
	assert.Empty(t, h.open(t, "connector_a"))

	elector.leader = true
	res = h.tick(t)
	assert.False(t, res.Standby)
	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, []EventType{EventBreachOpened}, h.sink.types())

	elector.err = errors.New("redis down")
	_, err := h.service.SyncTick(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, elector.calls)
	assert.Len(t, h.sink.types(), 1)
}

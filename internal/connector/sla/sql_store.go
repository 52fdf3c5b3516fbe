package sla

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qtune/internal/database"
	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
)

const connectorColumns = `id, created_at, updated_at, connector_name, source_name, enabled, policy, runbook_url`

const stateColumns = `id, connector_name, breach_type, stage, severity, repeat_count, escalation_level,
	escalation_reason, last_escalated_repeat, clear_ticks, message, first_seen_at, last_seen_at,
	last_emitted_at, last_event_type, last_escalated_at, recovered_at, is_open`

const eventColumns = `event_type, connector_name, breach_type, severity, stage, escalation_level,
	repeat_count, message, occurred_at`

// SQLStore SLA 状态的 SQL 存储，支持 postgres 与 sqlite3
type SQLStore struct {
	db  *database.DB
	log logger.Logger
	now func() time.Time
}

// NewSQLStore creates a store on an already migrated database.
func NewSQLStore(db *database.DB, log logger.Logger) *SQLStore {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &SQLStore{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnector(row rowScanner) (*Connector, error) {
	var (
		c      Connector
		policy string
	)
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.Name, &c.SourceName, &c.Enabled, &policy, &c.RunbookURL); err != nil {
		return nil, err
	}
	if p := strings.TrimSpace(policy); p != "" && p != "{}" {
		c.Policy = []byte(p)
	}
	return &c, nil
}

func scanState(row rowScanner) (*State, error) {
	var (
		st                              State
		emitted, escalated, recoveredAt sql.NullTime
		lastEvent                       string
	)
	if err := row.Scan(&st.ID, &st.ConnectorName, &st.BreachType, &st.Stage, &st.Severity, &st.RepeatCount,
		&st.EscalationLevel, &st.EscalationReason, &st.LastEscalatedRepeat, &st.ClearTicks, &st.Message,
		&st.FirstSeenAt, &st.LastSeenAt, &emitted, &lastEvent, &escalated, &recoveredAt, &st.Open); err != nil {
		return nil, err
	}
	st.LastEventType = EventType(lastEvent)
	st.LastEmittedAt = nullTime(emitted)
	st.LastEscalatedAt = nullTime(escalated)
	st.RecoveredAt = nullTime(recoveredAt)
	return &st, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func storeError(err error, op string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if database.IsUniqueViolation(err) {
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, op)
	}
	return apperrors.WrapError(err, apperrors.ErrCodeDBQuery, op)
}

func (s *SQLStore) RegisterConnector(ctx context.Context, c Connector) (*Connector, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "connector_name is required", nil)
	}
	policy := "{}"
	if len(c.Policy) > 0 {
		policy = string(c.Policy)
	}
	now := s.now()
	query := s.db.Rebind(`INSERT INTO sla_connectors
		(created_at, updated_at, connector_name, source_name, enabled, policy, runbook_url)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connector_name) DO UPDATE SET
			updated_at = excluded.updated_at,
			source_name = excluded.source_name,
			enabled = excluded.enabled,
			policy = excluded.policy,
			runbook_url = excluded.runbook_url`)
	if _, err := s.db.ExecContext(ctx, query, now, now, name, c.SourceName, c.Enabled, policy, c.RunbookURL); err != nil {
		return nil, storeError(err, "register connector")
	}
	return s.GetConnector(ctx, name)
}

func (s *SQLStore) GetConnector(ctx context.Context, name string) (*Connector, error) {
	query := s.db.Rebind(`SELECT ` + connectorColumns + ` FROM sla_connectors WHERE connector_name = ?`)
	c, err := scanConnector(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connectorNotFound(name)
	}
	if err != nil {
		return nil, storeError(err, "get connector")
	}
	return c, nil
}

func (s *SQLStore) ListConnectors(ctx context.Context, enabledOnly bool) ([]*Connector, error) {
	query := `SELECT ` + connectorColumns + ` FROM sla_connectors`
	var args []interface{}
	if enabledOnly {
		query += ` WHERE enabled = ?`
		args = append(args, true)
	}
	query += ` ORDER BY connector_name`
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, storeError(err, "list connectors")
	}
	defer rows.Close()

	out := make([]*Connector, 0)
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, storeError(err, "scan connector")
		}
		out = append(out, c)
	}
	return out, storeError(rows.Err(), "list connectors")
}

func (s *SQLStore) SaveHealth(ctx context.Context, snap HealthSnapshot) error {
	var freshness interface{}
	if snap.FreshnessMinutes != nil {
		freshness = *snap.FreshnessMinutes
	}
	query := s.db.Rebind(`INSERT INTO sla_health_snapshots
		(connector_name, freshness_minutes, pending_backlog, dead_letter_count, observed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (connector_name) DO UPDATE SET
			freshness_minutes = excluded.freshness_minutes,
			pending_backlog = excluded.pending_backlog,
			dead_letter_count = excluded.dead_letter_count,
			observed_at = excluded.observed_at,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, snap.ConnectorName, freshness, snap.PendingBacklog,
		snap.DeadLetterCount, snap.ObservedAt.UTC(), s.now()); err != nil {
		return storeError(err, "save connector health")
	}
	return nil
}

func (s *SQLStore) ListHealth(ctx context.Context) (map[string]HealthSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT connector_name, freshness_minutes, pending_backlog,
		dead_letter_count, observed_at FROM sla_health_snapshots`)
	if err != nil {
		return nil, storeError(err, "list connector health")
	}
	defer rows.Close()

	out := make(map[string]HealthSnapshot)
	for rows.Next() {
		var (
			snap      HealthSnapshot
			freshness sql.NullFloat64
		)
		if err := rows.Scan(&snap.ConnectorName, &freshness, &snap.PendingBacklog, &snap.DeadLetterCount,
			&snap.ObservedAt); err != nil {
			return nil, storeError(err, "scan connector health")
		}
		if freshness.Valid {
			v := freshness.Float64
			snap.FreshnessMinutes = &v
		}
		snap.ObservedAt = snap.ObservedAt.UTC()
		out[snap.ConnectorName] = snap
	}
	return out, storeError(rows.Err(), "list connector health")
}

func (s *SQLStore) OpenStates(ctx context.Context, connector string) (map[BreachType]*State, error) {
	query := s.db.Rebind(`SELECT ` + stateColumns + ` FROM sla_alert_states
		WHERE connector_name = ? AND is_open = ?`)
	rows, err := s.db.QueryContext(ctx, query, connector, true)
	if err != nil {
		return nil, storeError(err, "load open sla states")
	}
	defer rows.Close()

	out := make(map[BreachType]*State)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, storeError(err, "scan sla state")
		}
		out[st.BreachType] = st
	}
	return out, storeError(rows.Err(), "load open sla states")
}

// SaveTick 在一个事务内写入状态与事件
func (s *SQLStore) SaveTick(ctx context.Context, states []*State, events []Event) error {
	assigned := make(map[*State]int64)
	err := s.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		for _, st := range states {
			if st.ID == 0 {
				id, err := s.insertState(ctx, tx, st)
				if err != nil {
					return err
				}
				assigned[st] = id
				continue
			}
			if err := s.updateState(ctx, tx, st); err != nil {
				return err
			}
		}
		return s.insertEvents(ctx, tx, events)
	})
	if err != nil {
		return storeError(err, "save sla tick")
	}
	// 事务提交后才回填 ID，失败时调用方的状态保持原样
	for st, id := range assigned {
		st.ID = id
	}
	return nil
}

func (s *SQLStore) insertState(ctx context.Context, tx *sql.Tx, st *State) (int64, error) {
	query := s.db.Rebind(`INSERT INTO sla_alert_states
		(dedupe_key, connector_name, breach_type, stage, severity, repeat_count, escalation_level,
		 escalation_reason, last_escalated_repeat, clear_ticks, message, first_seen_at, last_seen_at,
		 last_emitted_at, last_event_type, last_escalated_at, recovered_at, is_open)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	var id int64
	err := tx.QueryRowContext(ctx, query, st.DedupeKey(), st.ConnectorName, string(st.BreachType), string(st.Stage),
		string(st.Severity), st.RepeatCount, st.EscalationLevel, st.EscalationReason, st.LastEscalatedRepeat,
		st.ClearTicks, st.Message, st.FirstSeenAt, st.LastSeenAt, timeArg(st.LastEmittedAt), string(st.LastEventType),
		timeArg(st.LastEscalatedAt), timeArg(st.RecoveredAt), st.Open).Scan(&id)
	return id, err
}

func (s *SQLStore) updateState(ctx context.Context, tx *sql.Tx, st *State) error {
	query := s.db.Rebind(`UPDATE sla_alert_states SET
		stage = ?, severity = ?, repeat_count = ?, escalation_level = ?, escalation_reason = ?,
		last_escalated_repeat = ?, clear_ticks = ?, message = ?, last_seen_at = ?, last_emitted_at = ?,
		last_event_type = ?, last_escalated_at = ?, recovered_at = ?, is_open = ?
		WHERE id = ?`)
	res, err := tx.ExecContext(ctx, query, string(st.Stage), string(st.Severity), st.RepeatCount, st.EscalationLevel,
		st.EscalationReason, st.LastEscalatedRepeat, st.ClearTicks, st.Message, st.LastSeenAt,
		timeArg(st.LastEmittedAt), string(st.LastEventType), timeArg(st.LastEscalatedAt), timeArg(st.RecoveredAt),
		st.Open, st.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "sla state %d not found", st.ID)
	}
	return nil
}

func (s *SQLStore) insertEvents(ctx context.Context, tx *sql.Tx, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	query := s.db.Rebind(`INSERT INTO sla_events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, string(e.Type), e.ConnectorName, string(e.BreachType), string(e.Severity),
			string(e.Stage), e.EscalationLevel, e.RepeatCount, e.Message, e.OccurredAt); err != nil {
			return fmt.Errorf("insert sla event %s: %w", e.Type, err)
		}
	}
	return nil
}

func (s *SQLStore) ListStates(ctx context.Context, filter StateFilter) ([]*State, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ConnectorName != "" {
		where = append(where, "connector_name = ?")
		args = append(args, filter.ConnectorName)
	}
	if filter.OpenOnly {
		where = append(where, "is_open = ?")
		args = append(args, true)
	}
	query := `SELECT ` + stateColumns + ` FROM sla_alert_states`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, storeError(err, "list sla states")
	}
	defer rows.Close()

	out := make([]*State, 0)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, storeError(err, "scan sla state")
		}
		out = append(out, st)
	}
	return out, storeError(rows.Err(), "list sla states")
}

func (s *SQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM sla_events`
	var args []interface{}
	if filter.ConnectorName != "" {
		query += ` WHERE connector_name = ?`
		args = append(args, filter.ConnectorName)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, storeError(err, "list sla events")
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Type, &e.ConnectorName, &e.BreachType, &e.Severity, &e.Stage,
			&e.EscalationLevel, &e.RepeatCount, &e.Message, &e.OccurredAt); err != nil {
			return nil, storeError(err, "scan sla event")
		}
		e.OccurredAt = e.OccurredAt.UTC()
		out = append(out, e)
	}
	return out, storeError(rows.Err(), "list sla events")
}

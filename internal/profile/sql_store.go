package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qtune/internal/database"
	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
	"qtune/internal/strategy/params"
)

// activationRetries 并发激活冲突时的重试次数
const activationRetries = 3

const profileColumns = `id, created_at, updated_at, strategy_name, scope, symbol, strategy_params,
	objective_score, validation_total_return, source_run_id, status, active, note, superseded_seq`

const ruleColumns = `id, created_at, updated_at, strategy_name, symbol, enabled, note`

// SQLStore 基于 database/sql 的档案存储，支持 postgres 与 sqlite3
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

// queryRower 由 *sql.DB 与 *sql.Tx 共同实现
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var (
		p         Profile
		rawParams string
		objective sql.NullFloat64
		valReturn sql.NullFloat64
	)
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt, &p.StrategyName, &p.Scope, &p.Symbol, &rawParams,
		&objective, &valReturn, &p.SourceRunID, &p.Status, &p.Active, &p.Note, &p.SupersededSeq); err != nil {
		return nil, err
	}
	p.Params = params.Set{}
	if rawParams != "" {
		if err := json.Unmarshal([]byte(rawParams), &p.Params); err != nil {
			return nil, fmt.Errorf("decode strategy_params of profile %d: %w", p.ID, err)
		}
	}
	p.ObjectiveScore = objective.Float64
	if valReturn.Valid {
		v := valReturn.Float64
		p.ValidationTotalReturn = &v
	}
	return &p, nil
}

func scanRule(row rowScanner) (*RolloutRule, error) {
	var r RolloutRule
	if err := row.Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt, &r.StrategyName, &r.Symbol, &r.Enabled, &r.Note); err != nil {
		return nil, err
	}
	return &r, nil
}

func queryError(err error, op string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if database.IsUniqueViolation(err) {
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, op+": concurrent activation conflict")
	}
	return apperrors.WrapError(err, apperrors.ErrCodeDBQuery, op)
}

func (s *SQLStore) Create(ctx context.Context, p *Profile) (*Profile, error) {
	var created *Profile
	err := s.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		created, err = s.insertTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, queryError(err, "create profile")
	}
	return created, nil
}

func (s *SQLStore) CreateActive(ctx context.Context, p *Profile) (*Profile, error) {
	var created *Profile
	err := s.retryActivation(ctx, func(tx *sql.Tx) error {
		inserted, err := s.insertTx(ctx, tx, p)
		if err != nil {
			return err
		}
		created, err = s.activateTx(ctx, tx, inserted, true)
		return err
	})
	if err != nil {
		return nil, queryError(err, "create active profile")
	}
	s.log.Info("Profile created and activated", "profile_id", created.ID, "key", created.Key().String())
	return created, nil
}

func (s *SQLStore) insertTx(ctx context.Context, tx *sql.Tx, p *Profile) (*Profile, error) {
	key, err := p.Key().Normalize()
	if err != nil {
		return nil, err
	}
	ps := p.Params
	if ps == nil {
		ps = params.Set{}
	}
	raw, err := json.Marshal(ps)
	if err != nil {
		return nil, fmt.Errorf("encode strategy_params: %w", err)
	}
	var valReturn interface{}
	if p.ValidationTotalReturn != nil {
		valReturn = *p.ValidationTotalReturn
	}
	now := s.now()
	query := s.db.Rebind(`INSERT INTO autotune_profiles
		(created_at, updated_at, strategy_name, scope, symbol, strategy_params, objective_score,
		 validation_total_return, source_run_id, status, active, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	var id int64
	if err := tx.QueryRowContext(ctx, query, now, now, key.StrategyName, string(key.Scope), key.Symbol, string(raw),
		p.ObjectiveScore, valReturn, p.SourceRunID, string(StatusDraft), false, p.Note).Scan(&id); err != nil {
		return nil, err
	}
	return s.getTx(ctx, tx, id)
}

// activateTx 在事务内先替代旧激活档案，再激活目标。
// push 为 true 时旧档案压入回滚栈（superseded_seq 取下一个序号），回滚时旧档案出栈
func (s *SQLStore) activateTx(ctx context.Context, tx *sql.Tx, target *Profile, push bool) (*Profile, error) {
	now := s.now()
	var seq int64
	if push {
		next := s.db.Rebind(`SELECT COALESCE(MAX(superseded_seq), 0) + 1 FROM autotune_profiles
			WHERE strategy_name = ? AND scope = ? AND symbol = ?`)
		if err := tx.QueryRowContext(ctx, next, target.StrategyName, string(target.Scope), target.Symbol).Scan(&seq); err != nil {
			return nil, err
		}
	}
	supersede := s.db.Rebind(`UPDATE autotune_profiles
		SET active = ?, status = ?, superseded_seq = ?, updated_at = ?
		WHERE strategy_name = ? AND scope = ? AND symbol = ? AND active = ? AND id <> ?`)
	if _, err := tx.ExecContext(ctx, supersede, false, string(StatusSuperseded), seq, now,
		target.StrategyName, string(target.Scope), target.Symbol, true, target.ID); err != nil {
		return nil, err
	}
	activate := s.db.Rebind(`UPDATE autotune_profiles
		SET active = ?, status = ?, superseded_seq = ?, updated_at = ?
		WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, activate, true, string(StatusActive), 0, now, target.ID); err != nil {
		return nil, err
	}
	return s.getTx(ctx, tx, target.ID)
}

// retryActivation 唯一索引冲突说明有并发激活，整笔事务重试
func (s *SQLStore) retryActivation(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= activationRetries; attempt++ {
		err = s.db.WithTx(ctx, nil, fn)
		if err == nil || !database.IsUniqueViolation(err) {
			return err
		}
		s.log.Warn("Profile activation conflict, retrying", "attempt", attempt, "error", err)
	}
	return err
}

func (s *SQLStore) getTx(ctx context.Context, q queryRower, id int64) (*Profile, error) {
	query := s.db.Rebind(`SELECT ` + profileColumns + ` FROM autotune_profiles WHERE id = ?`)
	p, err := scanProfile(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, profileNotFound(id)
	}
	return p, err
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*Profile, error) {
	p, err := s.getTx(ctx, s.db, id)
	if err != nil {
		return nil, queryError(err, "get profile")
	}
	return p, nil
}

func (s *SQLStore) Activate(ctx context.Context, id int64) (*Profile, error) {
	var activated *Profile
	err := s.retryActivation(ctx, func(tx *sql.Tx) error {
		target, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		activated, err = s.activateTx(ctx, tx, target, true)
		return err
	})
	if err != nil {
		return nil, queryError(err, "activate profile")
	}
	s.log.Info("Profile activated", "profile_id", activated.ID, "key", activated.Key().String())
	return activated, nil
}

func (s *SQLStore) Rollback(ctx context.Context, key Key) (*Profile, error) {
	key, err := key.Normalize()
	if err != nil {
		return nil, err
	}
	var restored *Profile
	err = s.retryActivation(ctx, func(tx *sql.Tx) error {
		current, err := s.activeTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if current == nil {
			return noPriorProfile(key)
		}
		query := s.db.Rebind(`SELECT ` + profileColumns + ` FROM autotune_profiles
			WHERE strategy_name = ? AND scope = ? AND symbol = ? AND status = ? AND superseded_seq > 0
			ORDER BY superseded_seq DESC LIMIT 1`)
		target, err := scanProfile(tx.QueryRowContext(ctx, query,
			key.StrategyName, string(key.Scope), key.Symbol, string(StatusSuperseded)))
		if errors.Is(err, sql.ErrNoRows) {
			return noPriorProfile(key)
		}
		if err != nil {
			return err
		}
		restored, err = s.activateTx(ctx, tx, target, false)
		return err
	})
	if err != nil {
		return nil, queryError(err, "rollback profile")
	}
	s.log.Info("Profile rolled back", "profile_id", restored.ID, "key", key.String())
	return restored, nil
}

func (s *SQLStore) activeTx(ctx context.Context, q queryRower, key Key) (*Profile, error) {
	query := s.db.Rebind(`SELECT ` + profileColumns + ` FROM autotune_profiles
		WHERE strategy_name = ? AND scope = ? AND symbol = ? AND active = ?`)
	p, err := scanProfile(q.QueryRowContext(ctx, query, key.StrategyName, string(key.Scope), key.Symbol, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*Profile, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.StrategyName != "" {
		where = append(where, "strategy_name = ?")
		args = append(args, filter.StrategyName)
	}
	if filter.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, string(filter.Scope))
	}
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.ActiveOnly {
		where = append(where, "active = ?")
		args = append(args, true)
	}
	query := `SELECT ` + profileColumns + ` FROM autotune_profiles`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, queryError(err, "list profiles")
	}
	defer rows.Close()

	out := make([]*Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, queryError(err, "scan profile")
		}
		out = append(out, p)
	}
	return out, queryError(rows.Err(), "list profiles")
}

func (s *SQLStore) GetActive(ctx context.Context, key Key) (*Profile, error) {
	key, err := key.Normalize()
	if err != nil {
		return nil, err
	}
	p, err := s.activeTx(ctx, s.db, key)
	if err != nil {
		return nil, queryError(err, "get active profile")
	}
	return p, nil
}

func (s *SQLStore) HasSymbolHistory(ctx context.Context, strategyName, symbol string) (bool, error) {
	query := s.db.Rebind(`SELECT COUNT(1) FROM autotune_profiles WHERE strategy_name = ? AND scope = ? AND symbol = ?`)
	var n int
	if err := s.db.QueryRowContext(ctx, query, strategyName, string(ScopeSymbol), symbol).Scan(&n); err != nil {
		return false, queryError(err, "count symbol profiles")
	}
	return n > 0, nil
}

func (s *SQLStore) UpsertRule(ctx context.Context, rule RolloutRule) (*RolloutRule, error) {
	rule.StrategyName = strings.TrimSpace(rule.StrategyName)
	rule.Symbol = strings.TrimSpace(rule.Symbol)
	if rule.StrategyName == "" {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "strategy_name is required", nil)
	}
	now := s.now()
	query := s.db.Rebind(`INSERT INTO autotune_rollout_rules (created_at, updated_at, strategy_name, symbol, enabled, note)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (strategy_name, symbol)
		DO UPDATE SET enabled = excluded.enabled, note = excluded.note, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, now, now, rule.StrategyName, rule.Symbol, rule.Enabled, rule.Note); err != nil {
		return nil, queryError(err, "upsert rollout rule")
	}
	get := s.db.Rebind(`SELECT ` + ruleColumns + ` FROM autotune_rollout_rules WHERE strategy_name = ? AND symbol = ?`)
	r, err := scanRule(s.db.QueryRowContext(ctx, get, rule.StrategyName, rule.Symbol))
	if err != nil {
		return nil, queryError(err, "read rollout rule")
	}
	return r, nil
}

func (s *SQLStore) GetRule(ctx context.Context, strategyName, symbol string) (*RolloutRule, error) {
	r, err := s.lookupRule(ctx, s.db, strategyName, symbol)
	if err != nil {
		return nil, queryError(err, "get rollout rule")
	}
	return r, nil
}

func (s *SQLStore) lookupRule(ctx context.Context, q queryRower, strategyName, symbol string) (*RolloutRule, error) {
	query := s.db.Rebind(`SELECT ` + ruleColumns + ` FROM autotune_rollout_rules
		WHERE strategy_name = ? AND symbol IN (?, '')
		ORDER BY CASE WHEN symbol = '' THEN 1 ELSE 0 END
		LIMIT 1`)
	r, err := scanRule(q.QueryRowContext(ctx, query, strategyName, symbol))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *SQLStore) ListRules(ctx context.Context, filter RuleFilter) ([]*RolloutRule, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.StrategyName != "" {
		where = append(where, "strategy_name = ?")
		args = append(args, filter.StrategyName)
	}
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	query := `SELECT ` + ruleColumns + ` FROM autotune_rollout_rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, queryError(err, "list rollout rules")
	}
	defer rows.Close()

	out := make([]*RolloutRule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, queryError(err, "scan rollout rule")
		}
		out = append(out, r)
	}
	return out, queryError(rows.Err(), "list rollout rules")
}

func (s *SQLStore) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM autotune_rollout_rules WHERE id = ?`), id)
	if err != nil {
		return queryError(err, "delete rollout rule")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ruleNotFound(id)
	}
	return nil
}

func (s *SQLStore) Snapshot(ctx context.Context, strategyName, symbol string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.WithTx(ctx, s.db.SnapshotTxOptions(), func(tx *sql.Tx) error {
		var err error
		if snap.Rule, err = s.lookupRule(ctx, tx, strategyName, symbol); err != nil {
			return err
		}
		if symbol != "" {
			key := Key{StrategyName: strategyName, Scope: ScopeSymbol, Symbol: symbol}
			if snap.SymbolProfile, err = s.activeTx(ctx, tx, key); err != nil {
				return err
			}
		}
		snap.GlobalProfile, err = s.activeTx(ctx, tx, Key{StrategyName: strategyName, Scope: ScopeGlobal})
		return err
	})
	if err != nil {
		return Snapshot{}, queryError(err, "read resolution snapshot")
	}
	return snap, nil
}

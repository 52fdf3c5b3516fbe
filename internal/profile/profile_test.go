package profile_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
	"qtune/internal/profile"
	"qtune/internal/strategy/params"
	"qtune/internal/testutils"
)

const strategyName = "trend_following"

type storeFactory struct {
	name string
	make func(t *testing.T) profile.Store
}

func stores() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) profile.Store { return profile.NewMemoryStore() }},
		{"sqlite", func(t *testing.T) profile.Store {
			return profile.NewSQLStore(testutils.NewSQLiteDB(t), logger.NewNop())
		}},
	}
}

func globalProfile(fast int64) *profile.Profile {
	return &profile.Profile{
		StrategyName: strategyName,
		Scope:        profile.ScopeGlobal,
		Params:       params.Set{"fast_window": params.Int(fast)},
	}
}

func globalKey() profile.Key {
	return profile.Key{StrategyName: strategyName, Scope: profile.ScopeGlobal}
}

func countActive(t *testing.T, store profile.Store, key profile.Key) int {
	t.Helper()
	list, err := store.List(context.Background(), profile.ListFilter{
		StrategyName: key.StrategyName, Scope: key.Scope, Symbol: key.Symbol,
	})
	require.NoError(t, err)
	n := 0
	for _, p := range list {
		if p.Active {
			n++
			assert.Equal(t, profile.StatusActive, p.Status)
		}
	}
	return n
}

func TestActivateSupersedesPrevious(t *testing.T) {
	for _, f := range stores() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			store := f.make(t)

			p1, err := store.CreateActive(ctx, globalProfile(5))
			require.NoError(t, err)
			assert.Equal(t, profile.StatusActive, p1.Status)

			p2, err := store.Create(ctx, globalProfile(8))
			require.NoError(t, err)
			assert.Equal(t, profile.StatusDraft, p2.Status)
			assert.False(t, p2.Active)

			activated, err := store.Activate(ctx, p2.ID)
			require.NoError(t, err)
			assert.True(t, activated.Active)

			old, err := store.Get(ctx, p1.ID)
			require.NoError(t, err)
			assert.Equal(t, profile.StatusSuperseded, old.Status)
			assert.False(t, old.Active)
			assert.Equal(t, 1, countActive(t, store, globalKey()))

			active, err := store.GetActive(ctx, globalKey())
			require.NoError(t, err)
			require.NotNil(t, active)
			assert.Equal(t, p2.ID, active.ID)
			assert.True(t, params.Set{"fast_window": params.Int(8)}.Equal(active.Params))
		})
	}
}

func TestRollbackRestoresPredecessor(t *testing.T) {
	for _, f := range stores() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			store := f.make(t)

			p1, err := store.CreateActive(ctx, globalProfile(5))
			require.NoError(t, err)
			p2, err := store.CreateActive(ctx, globalProfile(8))
			require.NoError(t, err)

			restored, err := store.Rollback(ctx, globalKey())
			require.NoError(t, err)
			assert.Equal(t, p1.ID, restored.ID)
			assert.Equal(t, profile.StatusActive, restored.Status)

			superseded, err := store.Get(ctx, p2.ID)
			require.NoError(t, err)
			assert.Equal(t, profile.StatusSuperseded, superseded.Status)
			assert.Equal(t, 1, countActive(t, store, globalKey()))

			// p1 没有前驱
			_, err = store.Rollback(ctx, globalKey())
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrNoPriorProfile))

			active, err := store.GetActive(ctx, globalKey())
			require.NoError(t, err)
			assert.Equal(t, p1.ID, active.ID)
		})

		// 前驱按替代顺序而不是按 id 确定
		t.Run(f.name+"/activation order", func(t *testing.T) {
			ctx := context.Background()
			store := f.make(t)

			a, err := store.Create(ctx, globalProfile(5))
			require.NoError(t, err)
			b, err := store.Create(ctx, globalProfile(8))
			require.NoError(t, err)

			_, err = store.Activate(ctx, b.ID)
			require.NoError(t, err)
			_, err = store.Activate(ctx, a.ID)
			require.NoError(t, err)

			restored, err := store.Rollback(ctx, globalKey())
			require.NoError(t, err)
			assert.Equal(t, b.ID, restored.ID)
			assert.Equal(t, 1, countActive(t, store, globalKey()))

			got, err := store.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, profile.StatusSuperseded, got.Status)

			_, err = store.Rollback(ctx, globalKey())
			assert.True(t, errors.Is(err, apperrors.ErrNoPriorProfile))
		})

		t.Run(f.name+"/history", func(t *testing.T) {
			ctx := context.Background()
			store := f.make(t)

			ids := make([]int64, 0, 3)
			for _, fast := range []int64{5, 8, 13} {
				p, err := store.CreateActive(ctx, globalProfile(fast))
				require.NoError(t, err)
				ids = append(ids, p.ID)
			}

			for _, want := range []int64{ids[1], ids[0]} {
				restored, err := store.Rollback(ctx, globalKey())
				require.NoError(t, err)
				assert.Equal(t, want, restored.ID)
				assert.Equal(t, int64(0), restored.SupersededSeq)
			}
			_, err := store.Rollback(ctx, globalKey())
			assert.True(t, errors.Is(err, apperrors.ErrNoPriorProfile))
			assert.Equal(t, 1, countActive(t, store, globalKey()))
		})
	}
}

func TestRollbackWithoutActiveProfile(t *testing.T) {
	for _, f := range stores() {
		t.Run(f.name, func(t *testing.T) {
			_, err := f.make(t).Rollback(context.Background(), globalKey())
			assert.True(t, errors.Is(err, apperrors.ErrNoPriorProfile))
		})
	}
}

func TestActivateUnknownProfile(t *testing.T) {
	for _, f := range stores() {
		t.Run(f.name, func(t *testing.T) {
			_, err := f.make(t).Activate(context.Background(), 404)
			assert.True(t, errors.Is(err, apperrors.ErrProfileNotFound))
		})
	}
}

func TestConcurrentActivationKeepsOneActive(t *testing.T) {
	for _, f := range stores() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			store := f.make(t)

			ids := make([]int64, 0, 8)
			for i := 0; i < 8; i++ {
				p, err := store.Create(ctx, globalProfile(int64(i+2)))
				require.NoError(t, err)
				ids = append(ids, p.ID)
			}

			var wg sync.WaitGroup
			for _, id := range ids {
				wg.Add(1)
				go func(id int64) {
					defer wg.Done()
					_, _ = store.Activate(ctx, id)
				}(id)
			}
			wg.Wait()

			assert.Equal(t, 1, countActive(t, store, globalKey()))
		})
	}
}

func TestSymbolScopeRequiresSymbol(t *testing.T) {
	for _, f := range stores() {
		t.Run(f.name, func(t *testing.T) {
			_, err := f.make(t).Create(context.Background(), &profile.Profile{
				StrategyName: strategyName,
				Scope:        profile.ScopeSymbol,
			})
			assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
		})
	}
}

func TestRuleLookupPrefersSymbol(t *testing.T) {
	for _, f := range stores() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			store := f.make(t)

			global, err := store.UpsertRule(ctx, profile.RolloutRule{StrategyName: strategyName, Enabled: true})
			require.NoError(t, err)
			_, err = store.UpsertRule(ctx, profile.RolloutRule{StrategyName: strategyName, Symbol: "600000.SH", Enabled: false})
			require.NoError(t, err)

			rule, err := store.GetRule(ctx, strategyName, "600000.SH")
			require.NoError(t, err)
			require.NotNil(t, rule)
			assert.False(t, rule.Enabled)

			rule, err = store.GetRule(ctx, strategyName, "000001.SZ")
			require.NoError(t, err)
			require.NotNil(t, rule)
			assert.Equal(t, global.ID, rule.ID)

			// upsert 更新已有规则而不是新增
			updated, err := store.UpsertRule(ctx, profile.RolloutRule{StrategyName: strategyName, Enabled: false, Note: "paused"})
			require.NoError(t, err)
			assert.Equal(t, global.ID, updated.ID)
			assert.False(t, updated.Enabled)

			rules, err := store.ListRules(ctx, profile.RuleFilter{StrategyName: strategyName})
			require.NoError(t, err)
			assert.Len(t, rules, 2)

			require.NoError(t, store.DeleteRule(ctx, global.ID))
			assert.True(t, errors.Is(store.DeleteRule(ctx, global.ID), apperrors.ErrRuleNotFound))
		})
	}
}

func TestResolveEffectiveParams(t *testing.T) {
	ctx := context.Background()
	explicit := params.Set{"slow_window": params.Int(40)}

	t.Run("override disabled returns explicit", func(t *testing.T) {
		svc := profile.NewService(profile.NewMemoryStore(), logger.NewNop())
		_, err := svc.CreateActive(ctx, globalProfile(5))
		require.NoError(t, err)

		res, err := svc.ResolveEffectiveParams(ctx, strategyName, "600000.SH", explicit, false)
		require.NoError(t, err)
		assert.True(t, explicit.Equal(res.Params))
		assert.Nil(t, res.Profile)
	})

	t.Run("no active profile returns explicit", func(t *testing.T) {
		svc := profile.NewService(profile.NewMemoryStore(), logger.NewNop())
		res, err := svc.ResolveEffectiveParams(ctx, strategyName, "600000.SH", explicit, true)
		require.NoError(t, err)
		assert.True(t, explicit.Equal(res.Params))
		assert.Equal(t, profile.SourceExplicit, res.Source)
	})

	t.Run("explicit keys win over profile", func(t *testing.T) {
		svc := profile.NewService(profile.NewMemoryStore(), logger.NewNop())
		_, err := svc.CreateActive(ctx, &profile.Profile{
			StrategyName: strategyName,
			Scope:        profile.ScopeGlobal,
			Params:       params.Set{"fast_window": params.Int(5), "slow_window": params.Int(20)},
		})
		require.NoError(t, err)

		res, err := svc.ResolveEffectiveParams(ctx, strategyName, "600000.SH", explicit, true)
		require.NoError(t, err)
		assert.Equal(t, profile.SourceGlobalProfile, res.Source)
		assert.Equal(t, params.Int(5), res.Params["fast_window"])
		assert.Equal(t, params.Int(40), res.Params["slow_window"])
	})

	t.Run("symbol profile before global", func(t *testing.T) {
		svc := profile.NewService(profile.NewMemoryStore(), logger.NewNop())
		_, err := svc.CreateActive(ctx, globalProfile(5))
		require.NoError(t, err)
		_, err = svc.CreateActive(ctx, &profile.Profile{
			StrategyName: strategyName,
			Scope:        profile.ScopeSymbol,
			Symbol:       "600000.SH",
			Params:       params.Set{"fast_window": params.Int(9)},
		})
		require.NoError(t, err)

		res, err := svc.ResolveEffectiveParams(ctx, strategyName, "600000.SH", nil, true)
		require.NoError(t, err)
		assert.Equal(t, profile.SourceSymbolProfile, res.Source)
		assert.Equal(t, params.Int(9), res.Params["fast_window"])

		res, err = svc.ResolveEffectiveParams(ctx, strategyName, "000001.SZ", nil, true)
		require.NoError(t, err)
		assert.Equal(t, profile.SourceGlobalProfile, res.Source)
		assert.Equal(t, params.Int(5), res.Params["fast_window"])
	})

	t.Run("disabled rollout rule skips profiles", func(t *testing.T) {
		svc := profile.NewService(profile.NewMemoryStore(), logger.NewNop())
		_, err := svc.CreateActive(ctx, globalProfile(5))
		require.NoError(t, err)
		_, err = svc.UpsertRule(ctx, profile.RolloutRule{StrategyName: strategyName, Symbol: "600000.SH", Enabled: false})
		require.NoError(t, err)

		res, err := svc.ResolveEffectiveParams(ctx, strategyName, "600000.SH", explicit, true)
		require.NoError(t, err)
		assert.Equal(t, profile.SourceRuleDisabled, res.Source)
		assert.True(t, explicit.Equal(res.Params))
	})
}

func TestOverlayKeepsInputs(t *testing.T) {
	base := params.Set{"a": params.Int(1), "b": params.Int(2)}
	explicit := params.Set{"b": params.Int(3)}

	out := profile.Overlay(base, explicit)
	assert.Equal(t, params.Int(1), out["a"])
	assert.Equal(t, params.Int(3), out["b"])
	assert.Equal(t, params.Int(2), base["b"])
}

func TestServiceRollbackScopeResolution(t *testing.T) {
	ctx := context.Background()
	svc := profile.NewService(profile.NewMemoryStore(), logger.NewNop())

	g1, err := svc.CreateActive(ctx, globalProfile(5))
	require.NoError(t, err)
	_, err = svc.CreateActive(ctx, globalProfile(6))
	require.NoError(t, err)

	// 该标的没有档案历史，回退到 GLOBAL
	restored, err := svc.Rollback(ctx, profile.RollbackRequest{StrategyName: strategyName, Symbol: "600000.SH"})
	require.NoError(t, err)
	assert.Equal(t, g1.ID, restored.ID)

	s1, err := svc.CreateActive(ctx, &profile.Profile{StrategyName: strategyName, Scope: profile.ScopeSymbol, Symbol: "600000.SH"})
	require.NoError(t, err)
	_, err = svc.CreateActive(ctx, &profile.Profile{StrategyName: strategyName, Scope: profile.ScopeSymbol, Symbol: "600000.SH"})
	require.NoError(t, err)

	restored, err = svc.Rollback(ctx, profile.RollbackRequest{StrategyName: strategyName, Symbol: "600000.SH"})
	require.NoError(t, err)
	assert.Equal(t, s1.ID, restored.ID)
	assert.Equal(t, profile.ScopeSymbol, restored.Scope)

	_, err = svc.Rollback(ctx, profile.RollbackRequest{StrategyName: strategyName, Scope: "bogus"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

// 场景：P1 激活，激活 P2 后 P1 被替代；回滚后 P1 重新激活，P2 被替代
func TestActivationRollbackScenario(t *testing.T) {
	ctx := context.Background()
	cfg := testutils.DefaultTestConfig()
	cfg.WithDB = true
	suite := testutils.NewTestSuite(t, cfg)
	svc := profile.NewService(profile.NewSQLStore(suite.DB, suite.Logger), suite.Logger)

	p1, err := svc.CreateActive(ctx, globalProfile(5))
	require.NoError(t, err)
	p2, err := svc.CreateDraft(ctx, globalProfile(8))
	require.NoError(t, err)

	_, err = svc.Activate(ctx, p2.ID)
	require.NoError(t, err)
	list, err := svc.List(ctx, profile.ListFilter{StrategyName: strategyName})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, p2.ID, list[0].ID)
	assert.Equal(t, profile.StatusActive, list[0].Status)
	assert.Equal(t, profile.StatusSuperseded, list[1].Status)

	restored, err := svc.Rollback(ctx, profile.RollbackRequest{StrategyName: strategyName})
	require.NoError(t, err)
	assert.Equal(t, p1.ID, restored.ID)

	active, err := svc.GetActive(ctx, strategyName, "")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, active.ID)
	got, err := svc.Store().Get(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, profile.StatusSuperseded, got.Status)
}

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
	"qtune/internal/middleware"
	"qtune/internal/profile"
	"qtune/internal/strategy/backtest"
	"qtune/internal/strategy/optimizer"
	"qtune/internal/strategy/params"
)

// AutotuneHandler 回测、自动调参与参数档案接口
type AutotuneHandler struct {
	scorer   *backtest.Scorer
	engine   *optimizer.Engine
	profiles *profile.Service
	log      logger.Logger
}

// NewAutotuneHandler creates the autotune handler
func NewAutotuneHandler(scorer *backtest.Scorer, engine *optimizer.Engine, profiles *profile.Service, log logger.Logger) *AutotuneHandler {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &AutotuneHandler{
		scorer:   scorer,
		engine:   engine,
		profiles: profiles,
		log:      log,
	}
}

// RunBacktest 单次回测
func (h *AutotuneHandler) RunBacktest(c *gin.Context) {
	var req backtest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}

	result, err := h.scorer.Run(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// RunAutotune 同步执行一次搜索。请求体在默认请求之上覆盖，未给出的字段沿用配置默认值
func (h *AutotuneHandler) RunAutotune(c *gin.Context) {
	req := h.engine.DefaultRequest()
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}
	if strings.TrimSpace(req.StrategyName) == "" {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "strategy_name is required", nil))
		return
	}

	run, err := h.engine.Run(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	h.log.Info("Autotune run finished",
		"run_id", run.RunID,
		"strategy", run.StrategyName,
		"decision", run.ApplyDecision,
		"request_id", middleware.GetRequestID(c))
	c.JSON(http.StatusOK, Response{Success: true, Data: run, Message: run.Message})
}

// GetRun 读取最近的运行记录
func (h *AutotuneHandler) GetRun(c *gin.Context) {
	run, err := h.engine.GetRun(c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: run})
}

// ListRuns 最近的运行记录，不含候选明细
func (h *AutotuneHandler) ListRuns(c *gin.Context) {
	runs := h.engine.ListRuns(queryInt(c, "limit", 20))
	items := make([]gin.H, 0, len(runs))
	for _, run := range runs {
		items = append(items, gin.H{
			"run_id":                  run.RunID,
			"strategy_name":           run.StrategyName,
			"symbol":                  run.Symbol,
			"evaluated_count":         run.EvaluatedCount,
			"apply_decision":          run.ApplyDecision,
			"improvement_vs_baseline": run.ImprovementVsBaseline,
			"partial":                 run.Partial,
			"created_at":              run.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: ListResponse{Items: items, Total: len(items)}})
}

// ListStrategies 已注册策略及其参数描述
func (h *AutotuneHandler) ListStrategies(c *gin.Context) {
	infos := h.scorer.Registry().List()
	c.JSON(http.StatusOK, Response{Success: true, Data: ListResponse{Items: infos, Total: len(infos)}})
}

// ListProfiles 按条件列出档案
func (h *AutotuneHandler) ListProfiles(c *gin.Context) {
	filter := profile.ListFilter{
		StrategyName: c.Query("strategy_name"),
		Symbol:       c.Query("symbol"),
		ActiveOnly:   c.Query("active_only") == "true",
		Limit:        queryInt(c, "limit", 0),
	}
	if raw := c.Query("scope"); raw != "" {
		scope, err := profile.ParseScope(raw)
		if err != nil {
			c.Error(err)
			return
		}
		filter.Scope = scope
	}

	profiles, err := h.profiles.List(c.Request.Context(), filter)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: ListResponse{Items: profiles, Total: len(profiles)}})
}

// GetActiveProfile 标的的激活档案，没有时回退到全局档案
func (h *AutotuneHandler) GetActiveProfile(c *gin.Context) {
	p, err := h.profiles.GetActive(c.Request.Context(), c.Query("strategy_name"), c.Query("symbol"))
	if err != nil {
		c.Error(err)
		return
	}
	if p == nil {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeProfileNotFound, "no active profile", nil))
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: p})
}

// CreateProfile 保存草稿档案，参数按策略 schema 校验
func (h *AutotuneHandler) CreateProfile(c *gin.Context) {
	var req CreateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}

	scope := profile.ScopeGlobal
	if req.Scope != "" {
		parsed, err := profile.ParseScope(req.Scope)
		if err != nil {
			c.Error(err)
			return
		}
		scope = parsed
	}

	normalized, err := h.normalizeParams(req.StrategyName, req.StrategyParams)
	if err != nil {
		c.Error(err)
		return
	}

	created, err := h.profiles.CreateDraft(c.Request.Context(), &profile.Profile{
		StrategyName:   req.StrategyName,
		Scope:          scope,
		Symbol:         req.Symbol,
		Params:         normalized,
		ObjectiveScore: req.ObjectiveScore,
		Note:           req.Note,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: created})
}

// ActivateProfile 激活指定档案
func (h *AutotuneHandler) ActivateProfile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	activated, err := h.profiles.Activate(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	h.log.Info("Profile activated", "profile_id", id, "key", activated.Key().String(),
		"request_id", middleware.GetRequestID(c))
	c.JSON(http.StatusOK, Response{Success: true, Data: activated})
}

// RollbackProfile 回滚到上一份档案
func (h *AutotuneHandler) RollbackProfile(c *gin.Context) {
	var req profile.RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}
	restored, err := h.profiles.Rollback(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: restored})
}

// Resolve 计算运行时生效参数
func (h *AutotuneHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}
	enabled := true
	if req.RuntimeOverrideEnabled != nil {
		enabled = *req.RuntimeOverrideEnabled
	}
	res, err := h.profiles.ResolveEffectiveParams(c.Request.Context(), req.StrategyName, req.Symbol, req.StrategyParams, enabled)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: res})
}

// ListRules 列出灰度规则
func (h *AutotuneHandler) ListRules(c *gin.Context) {
	rules, err := h.profiles.ListRules(c.Request.Context(), profile.RuleFilter{
		StrategyName: c.Query("strategy_name"),
		Symbol:       c.Query("symbol"),
		Limit:        queryInt(c, "limit", 0),
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: ListResponse{Items: rules, Total: len(rules)}})
}

// UpsertRule 新建或更新灰度规则
func (h *AutotuneHandler) UpsertRule(c *gin.Context) {
	var req RolloutRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}
	rule, err := h.profiles.UpsertRule(c.Request.Context(), profile.RolloutRule{
		StrategyName: strings.TrimSpace(req.StrategyName),
		Symbol:       strings.TrimSpace(req.Symbol),
		Enabled:      *req.Enabled,
		Note:         req.Note,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: rule})
}

// DeleteRule 删除灰度规则
func (h *AutotuneHandler) DeleteRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.profiles.DeleteRule(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "rollout rule deleted"})
}

func (h *AutotuneHandler) normalizeParams(strategyName string, set params.Set) (params.Set, error) {
	strat, err := h.scorer.Registry().Get(strategyName)
	if err != nil {
		return nil, err
	}
	normalized, err := strat.Schema().Normalize(set)
	if err != nil {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid, "invalid strategy_params", err.Error(), err)
	}
	return normalized, nil
}

// withTimeout 给同步执行的长请求加上限
func withTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), d)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.Error(apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

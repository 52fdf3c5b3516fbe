package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"qtune/internal/connector/sla"
	"qtune/internal/logger"
	"qtune/internal/middleware"
)

// ConnectorRequest 注册连接器；enabled 缺省为 true
type ConnectorRequest struct {
	Name       string          `json:"connector_name" binding:"required"`
	SourceName string          `json:"source_name"`
	Enabled    *bool           `json:"enabled"`
	Policy     json.RawMessage `json:"sla_policy"`
	RunbookURL string          `json:"runbook_url"`
}

// SLAHandler 连接器 SLA 接口
type SLAHandler struct {
	service     *sla.Service
	syncTimeout time.Duration
	log         logger.Logger
}

// NewSLAHandler creates the SLA handler. syncTimeout bounds manual syncs.
func NewSLAHandler(service *sla.Service, syncTimeout time.Duration, log logger.Logger) *SLAHandler {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &SLAHandler{service: service, syncTimeout: syncTimeout, log: log}
}

// RegisterConnector 注册或更新连接器
func (h *SLAHandler) RegisterConnector(c *gin.Context) {
	var req ConnectorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	conn, err := h.service.RegisterConnector(c.Request.Context(), sla.Connector{
		Name:       req.Name,
		SourceName: req.SourceName,
		Enabled:    enabled,
		Policy:     req.Policy,
		RunbookURL: req.RunbookURL,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: conn})
}

// ListConnectors 列出连接器
func (h *SLAHandler) ListConnectors(c *gin.Context) {
	conns, err := h.service.ListConnectors(c.Request.Context(), c.Query("enabled_only") == "true")
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: ListResponse{Items: conns, Total: len(conns)}})
}

// RecordHealth 上报健康快照，下一次同步时评估
func (h *SLAHandler) RecordHealth(c *gin.Context) {
	var snap sla.HealthSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}
	if err := h.service.RecordHealth(c.Request.Context(), snap); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, Response{Success: true, Message: "health snapshot recorded"})
}

// Sync 立即执行一次同步
func (h *SLAHandler) Sync(c *gin.Context) {
	ctx, cancel := withTimeout(c, h.syncTimeout)
	defer cancel()

	result, err := h.service.SyncTick(ctx)
	if err != nil {
		c.Error(err)
		return
	}
	h.log.Info("Manual SLA sync finished",
		"evaluated", result.Evaluated,
		"emitted", result.Emitted,
		"request_id", middleware.GetRequestID(c))
	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// ListStates 列出告警状态，默认只返回打开的
func (h *SLAHandler) ListStates(c *gin.Context) {
	states, err := h.service.ListStates(c.Request.Context(), sla.StateFilter{
		ConnectorName: c.Query("connector_name"),
		OpenOnly:      c.DefaultQuery("open_only", "true") == "true",
		Limit:         queryInt(c, "limit", 0),
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: ListResponse{Items: states, Total: len(states)}})
}

// ListEvents 最近的状态迁移事件
func (h *SLAHandler) ListEvents(c *gin.Context) {
	events, err := h.service.ListEvents(c.Request.Context(), sla.EventFilter{
		ConnectorName: c.Query("connector_name"),
		Limit:         queryInt(c, "limit", 0),
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: ListResponse{Items: events, Total: len(events)}})
}

// Summary 打开状态的聚合
func (h *SLAHandler) Summary(c *gin.Context) {
	sum, err := h.service.Summary(c.Request.Context(), c.Query("connector_name"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: sum})
}

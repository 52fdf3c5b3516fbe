package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "qtune/internal/errors"
	"qtune/internal/market"
	"qtune/internal/middleware"
)

// BarStore 日线读写
type BarStore interface {
	market.BarProvider
	SaveBars(ctx context.Context, bars []market.Bar) error
}

// MarketHandler 行情数据接口，供回测与调参读取
type MarketHandler struct {
	store BarStore
}

// NewMarketHandler creates a market data handler
func NewMarketHandler(store BarStore) *MarketHandler {
	return &MarketHandler{store: store}
}

// SaveBars 按 (symbol, trade_date) 覆盖写入
func (h *MarketHandler) SaveBars(c *gin.Context) {
	var req SaveBarsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}
	for i, b := range req.Bars {
		if strings.TrimSpace(b.Symbol) == "" || b.TradeDate.IsZero() {
			c.Error(apperrors.Newf(apperrors.ErrCodeInvalidInput, "bar %d: symbol and trade_date are required", i))
			return
		}
		if b.Close <= 0 {
			c.Error(apperrors.Newf(apperrors.ErrCodeInvalidInput, "bar %d: close must be positive", i))
			return
		}
	}

	if err := h.store.SaveBars(c.Request.Context(), req.Bars); err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeDBQuery, "failed to save bars"))
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{"saved": len(req.Bars)}})
}

// GetBars 查询区间日线，start/end 为 YYYY-MM-DD
func (h *MarketHandler) GetBars(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	if symbol == "" {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "symbol is required", nil))
		return
	}
	start, err := market.ParseDate(c.Query("start"))
	if err != nil {
		c.Error(apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput, "invalid start", err.Error(), err))
		return
	}
	end, err := market.ParseDate(c.Query("end"))
	if err != nil {
		c.Error(apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput, "invalid end", err.Error(), err))
		return
	}

	bars, err := h.store.GetDailyBars(c.Request.Context(), symbol, start.Time, end.Time)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeMarketDataUnavailable, "failed to load bars"))
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: ListResponse{Items: bars, Total: len(bars)}})
}

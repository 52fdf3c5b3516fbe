package middleware

import (
	"encoding/json"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"qtune/internal/errors"
	"qtune/internal/logger"
)

const requestIDKey = "request_id"

// RequestID 为每个请求分配 X-Request-ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// ErrorHandler 捕获 panic 并以统一格式返回 500
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error("Panic recovered",
			"error", recovered,
			"stack", string(debug.Stack()),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		err := errors.NewAppError(errors.ErrCodeInternal, "Internal server error", nil)
		handleError(c, log, err)
	})
}

// HandleError 处理 handler 通过 c.Error 上报的错误
func HandleError(log logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			handleError(c, log, c.Errors.Last().Err)
		}
	}
}

// handleError 统一错误处理
func handleError(c *gin.Context, log logger.Logger, err error) {
	if err == nil {
		return
	}

	appErr := errors.GetAppError(err)
	if appErr == nil {
		appErr = errors.WrapError(err, errors.ErrCodeInternal, "Internal server error")
	}
	requestID := GetRequestID(c)

	logError(c, log, appErr, requestID)

	message := appErr.Message
	if appErr.Details != "" {
		message += ": " + appErr.Details
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus(), gin.H{
		"success":    false,
		"error":      message,
		"code":       appErr.Code,
		"request_id": requestID,
	})
}

// logError 记录错误日志
func logError(c *gin.Context, log logger.Logger, err *errors.AppError, requestID string) {
	fields := []interface{}{
		"error_code", err.Code,
		"message", err.Message,
		"severity", err.Severity,
		"request_id", requestID,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"ip", c.ClientIP(),
	}

	if err.Details != "" {
		fields = append(fields, "details", err.Details)
	}
	if len(err.Context) > 0 {
		contextJSON, _ := json.Marshal(err.Context)
		fields = append(fields, "context", string(contextJSON))
	}
	if err.Cause != nil {
		fields = append(fields, "cause", err.Cause.Error())
	}

	// 根据严重程度选择日志级别
	switch err.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		log.Error("Request failed", fields...)
	case errors.SeverityMedium:
		log.Warn("Request failed", fields...)
	default:
		log.Info("Request rejected", fields...)
	}
}

// GetRequestID 获取请求ID
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(requestIDKey); exists {
		if rid, ok := requestID.(string); ok {
			return rid
		}
	}
	return c.GetHeader("X-Request-ID")
}

// ValidationErrorHandler 把请求绑定错误包装成 INVALID_INPUT
func ValidationErrorHandler(err error) *errors.AppError {
	if err == nil {
		return nil
	}
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	return errors.NewAppErrorWithDetails(errors.ErrCodeInvalidInput, "Validation failed", err.Error(), err)
}

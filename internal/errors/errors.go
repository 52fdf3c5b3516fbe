package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode 定义错误代码类型
type ErrorCode string

// 错误代码常量
const (
	// 通用错误
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT"

	// 数据库错误
	ErrCodeDBConnection  ErrorCode = "DB_CONNECTION_ERROR"
	ErrCodeDBQuery       ErrorCode = "DB_QUERY_ERROR"
	ErrCodeDBTransaction ErrorCode = "DB_TRANSACTION_ERROR"

	// 缓存/锁错误
	ErrCodeCacheConnection ErrorCode = "CACHE_CONNECTION_ERROR"
	ErrCodeLockNotAcquired ErrorCode = "LOCK_NOT_ACQUIRED"

	// 策略与回测错误
	ErrCodeStrategyNotFound   ErrorCode = "STRATEGY_NOT_FOUND"
	ErrCodeParameterInvalid   ErrorCode = "PARAMETER_INVALID"
	ErrCodeDataInsufficient   ErrorCode = "DATA_INSUFFICIENT"
	ErrCodeBacktestExecution  ErrorCode = "BACKTEST_EXECUTION_ERROR"
	ErrCodeOptimizationFailed ErrorCode = "OPTIMIZATION_FAILED"

	// 参数档案错误
	ErrCodeProfileNotFound ErrorCode = "PROFILE_NOT_FOUND"
	ErrCodeNoPriorProfile  ErrorCode = "NO_PRIOR_PROFILE"
	ErrCodeRuleNotFound    ErrorCode = "ROLLOUT_RULE_NOT_FOUND"

	// 连接器SLA错误
	ErrCodeSLAMetricsInvalid ErrorCode = "SLA_METRICS_INVALID"
	ErrCodeConnectorNotFound ErrorCode = "CONNECTOR_NOT_FOUND"

	// 市场数据错误
	ErrCodeMarketDataUnavailable ErrorCode = "MARKET_DATA_UNAVAILABLE"
)

// ErrorSeverity 定义错误严重程度
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError 应用错误结构
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is 按错误代码比较，使 errors.Is 可以匹配预定义错误
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeNotFound, ErrCodeStrategyNotFound, ErrCodeProfileNotFound,
		ErrCodeRuleNotFound, ErrCodeConnectorNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput, ErrCodeParameterInvalid, ErrCodeSLAMetricsInvalid:
		return http.StatusBadRequest
	case ErrCodeConflict, ErrCodeNoPriorProfile, ErrCodeLockNotAcquired:
		return http.StatusConflict
	case ErrCodeDataInsufficient, ErrCodeMarketDataUnavailable:
		return http.StatusUnprocessableEntity
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// NewAppError 创建新的应用错误
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  getSeverityByCode(code),
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewAppErrorWithDetails 创建带详细信息的应用错误
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	err := NewAppError(code, message, cause)
	err.Details = details
	return err
}

// Newf 使用格式化消息创建应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return NewAppError(code, fmt.Sprintf(format, args...), nil)
}

// WithContext 添加上下文信息
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRequestID 添加请求ID
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// getSeverityByCode 根据错误代码确定严重程度
func getSeverityByCode(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodeInternal, ErrCodeDBConnection:
		return SeverityCritical
	case ErrCodeDBQuery, ErrCodeDBTransaction, ErrCodeBacktestExecution, ErrCodeOptimizationFailed:
		return SeverityHigh
	case ErrCodeCacheConnection, ErrCodeLockNotAcquired, ErrCodeMarketDataUnavailable,
		ErrCodeDataInsufficient, ErrCodeSLAMetricsInvalid:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsRetryable 判断错误是否可重试
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeDBConnection, ErrCodeCacheConnection, ErrCodeLockNotAcquired:
		return true
	default:
		return false
	}
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError, path string) *ErrorResponse {
	return &ErrorResponse{
		Error:     err,
		Success:   false,
		Timestamp: time.Now(),
		Path:      path,
	}
}

// 预定义错误，只用于 errors.Is 比较，不要修改
var (
	ErrInternalServer    = NewAppError(ErrCodeInternal, "internal server error", nil)
	ErrInvalidInput      = NewAppError(ErrCodeInvalidInput, "invalid input parameters", nil)
	ErrNotFound          = NewAppError(ErrCodeNotFound, "resource not found", nil)
	ErrTimeout           = NewAppError(ErrCodeTimeout, "request timeout", nil)
	ErrRateLimit         = NewAppError(ErrCodeRateLimit, "rate limit exceeded", nil)
	ErrStrategyNotFound  = NewAppError(ErrCodeStrategyNotFound, "strategy not found", nil)
	ErrDataInsufficient  = NewAppError(ErrCodeDataInsufficient, "insufficient bar history", nil)
	ErrBacktestExecution = NewAppError(ErrCodeBacktestExecution, "backtest execution failed", nil)
	ErrProfileNotFound   = NewAppError(ErrCodeProfileNotFound, "profile not found", nil)
	ErrNoPriorProfile    = NewAppError(ErrCodeNoPriorProfile, "no prior profile to roll back to", nil)
	ErrRuleNotFound      = NewAppError(ErrCodeRuleNotFound, "rollout rule not found", nil)
	ErrInvalidMetrics    = NewAppError(ErrCodeSLAMetricsInvalid, "invalid connector health snapshot", nil)
	ErrConnectorNotFound = NewAppError(ErrCodeConnectorNotFound, "connector not found", nil)
	ErrLockNotAcquired   = NewAppError(ErrCodeLockNotAcquired, "lock not acquired", nil)
)

// WrapError 包装标准错误为应用错误
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	// 如果已经是AppError，直接返回
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return NewAppError(code, message, err)
}

// IsAppError 检查是否为应用错误
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError 获取应用错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// GetErrorCode 返回错误代码，非应用错误返回 INTERNAL_ERROR
func GetErrorCode(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}

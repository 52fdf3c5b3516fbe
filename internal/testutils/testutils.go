package testutils

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qtune/internal/database"
	"qtune/internal/logger"
	"qtune/internal/market"
)

// TestConfig 测试配置
type TestConfig struct {
	WithDB   bool
	LogLevel logger.LogLevel
	TempDir  string
}

// DefaultTestConfig 默认测试配置
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		WithDB:   false,
		LogLevel: logger.LevelError, // 测试时减少日志输出
	}
}

// TestSuite 测试套件
type TestSuite struct {
	T       *testing.T
	Config  *TestConfig
	DB      *database.DB
	Logger  logger.Logger
	TempDir string
}

// NewTestSuite 创建测试套件，临时目录与数据库随测试结束清理
func NewTestSuite(t *testing.T, config *TestConfig) *TestSuite {
	t.Helper()
	if config == nil {
		config = DefaultTestConfig()
	}

	tempDir := config.TempDir
	if tempDir == "" {
		tempDir = t.TempDir()
	}

	suite := &TestSuite{
		T:       t,
		Config:  config,
		Logger:  logger.NewLogger(logger.Config{Level: config.LogLevel, Format: logger.FormatText, Output: "discard"}),
		TempDir: tempDir,
	}

	if config.WithDB {
		suite.DB = NewSQLiteDB(t)
	}
	return suite
}

// CreateTempFile 创建临时文件
func (s *TestSuite) CreateTempFile(name, content string) string {
	filePath := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(filepath.Dir(filePath), 0755))
	require.NoError(s.T, os.WriteFile(filePath, []byte(content), 0644))
	return filePath
}

// NewSQLiteDB 打开迁移完成的内存 sqlite 数据库
func NewSQLiteDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewConnection(&database.Config{
		Driver: string(database.DialectSQLite),
		Path:   ":memory:",
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// BarOptions 控制合成K线的形状
type BarOptions struct {
	Start      time.Time
	StartPrice float64
	Drift      float64 // 每日趋势
	Amplitude  float64 // 正弦波动幅度，占价格比例
	Period     float64 // 正弦周期（天）
	Noise      float64 // 随机扰动幅度，占价格比例
	Turnover   float64
	Seed       int64
}

// DefaultBarOptions 默认K线参数：带趋势的正弦波
func DefaultBarOptions() BarOptions {
	return BarOptions{
		Start:      time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
		StartPrice: 10,
		Drift:      0.0006,
		Amplitude:  0.08,
		Period:     37,
		Noise:      0.006,
		Turnover:   5_000_000,
		Seed:       42,
	}
}

// GenerateBars 生成确定性的交易日K线（跳过周末），相同参数结果相同
func GenerateBars(symbol string, n int, opts BarOptions) []market.Bar {
	rng := rand.New(rand.NewSource(opts.Seed))
	bars := make([]market.Bar, 0, n)
	day := market.DateOnly(opts.Start)
	prev := opts.StartPrice
	for len(bars) < n {
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			day = day.AddDate(0, 0, 1)
			continue
		}
		i := float64(len(bars))
		base := opts.StartPrice * math.Exp(opts.Drift*i)
		wave := 1.0
		if opts.Period > 0 {
			wave += opts.Amplitude * math.Sin(2*math.Pi*i/opts.Period)
		}
		closePrice := base * wave * (1 + opts.Noise*(rng.Float64()*2-1))
		high := math.Max(prev, closePrice) * (1 + 0.004)
		low := math.Min(prev, closePrice) * (1 - 0.004)
		bars = append(bars, market.Bar{
			Symbol:    symbol,
			TradeDate: day,
			Open:      prev,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    opts.Turnover / closePrice,
			Turnover:  opts.Turnover,
		})
		prev = closePrice
		day = day.AddDate(0, 0, 1)
	}
	return bars
}

// NewBarProvider 返回装好合成K线的内存行情源
func NewBarProvider(symbol string, n int) (*market.MemoryProvider, []market.Bar) {
	bars := GenerateBars(symbol, n, DefaultBarOptions())
	p := market.NewMemoryProvider()
	p.Put(symbol, bars)
	return p, bars
}

// HTTPTestHelper HTTP测试助手
type HTTPTestHelper struct {
	Router *gin.Engine
	T      *testing.T
}

// NewHTTPTestHelper 创建HTTP测试助手
func NewHTTPTestHelper(t *testing.T, router *gin.Engine) *HTTPTestHelper {
	gin.SetMode(gin.TestMode)
	if router == nil {
		router = gin.New()
	}
	return &HTTPTestHelper{Router: router, T: t}
}

// GET 发送GET请求
func (h *HTTPTestHelper) GET(path string) *HTTPResponse {
	return h.Request(http.MethodGet, path, nil)
}

// POST 发送POST请求
func (h *HTTPTestHelper) POST(path string, body interface{}) *HTTPResponse {
	return h.Request(http.MethodPost, path, body)
}

// DELETE 发送DELETE请求
func (h *HTTPTestHelper) DELETE(path string) *HTTPResponse {
	return h.Request(http.MethodDelete, path, nil)
}

// Request 发送HTTP请求
func (h *HTTPTestHelper) Request(method, path string, body interface{}) *HTTPResponse {
	var bodyReader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			bodyReader = bytes.NewBufferString(b)
		default:
			bodyBytes, err := json.Marshal(body)
			require.NoError(h.T, err)
			bodyReader = bytes.NewReader(bodyBytes)
		}
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)

	return &HTTPResponse{
		StatusCode: w.Code,
		Body:       w.Body.Bytes(),
		Headers:    w.Header(),
		t:          h.T,
	}
}

// HTTPResponse HTTP响应
type HTTPResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	t          *testing.T
}

// AssertStatus 断言状态码
func (r *HTTPResponse) AssertStatus(expectedStatus int) *HTTPResponse {
	assert.Equal(r.t, expectedStatus, r.StatusCode, string(r.Body))
	return r
}

// AssertContains 断言响应包含指定内容
func (r *HTTPResponse) AssertContains(substring string) *HTTPResponse {
	assert.Contains(r.t, string(r.Body), substring)
	return r
}

// GetJSON 解析JSON响应
func (r *HTTPResponse) GetJSON(target interface{}) {
	require.NoError(r.t, json.Unmarshal(r.Body, target), string(r.Body))
}

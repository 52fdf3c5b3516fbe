package stability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qtune/internal/logger"
)

// GracefulShutdownManager 按优先级依次关闭组件。优先级高的先关；
// 同优先级按注册的逆序，先启动的后关闭
type GracefulShutdownManager struct {
	config     ShutdownConfig
	components []*ShutdownComponent
	mu         sync.Mutex
	done       bool
	log        logger.Logger
}

// ShutdownConfig represents shutdown configuration
type ShutdownConfig struct {
	ShutdownTimeout  time.Duration
	ComponentTimeout time.Duration
}

// ShutdownComponent represents a component that needs graceful shutdown
type ShutdownComponent struct {
	Name         string
	Priority     int
	ShutdownFunc func(ctx context.Context) error
	Timeout      time.Duration
	Status       ShutdownStatus
	Error        string
	Duration     time.Duration

	seq int
}

// ShutdownStatus represents shutdown status
type ShutdownStatus string

const (
	ShutdownStatusPending   ShutdownStatus = "pending"
	ShutdownStatusCompleted ShutdownStatus = "completed"
	ShutdownStatusFailed    ShutdownStatus = "failed"
	ShutdownStatusSkipped   ShutdownStatus = "skipped"
)

// 常用优先级
const (
	PriorityServer   = 100 // 先停止接收请求
	PriorityWorkers  = 50  // 定时任务、后台协程
	PriorityChannels = 20  // 告警通道
	PriorityStorage  = 0   // 最后关闭存储
)

// ShutdownResult represents the result of shutdown process
type ShutdownResult struct {
	Success    bool
	Duration   time.Duration
	Components []ShutdownComponent
	Errors     []string
}

// NewGracefulShutdownManager creates a new graceful shutdown manager
func NewGracefulShutdownManager(config ShutdownConfig, log logger.Logger) *GracefulShutdownManager {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.ComponentTimeout <= 0 {
		config.ComponentTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &GracefulShutdownManager{config: config, log: log}
}

// RegisterComponent adds a component; timeout <= 0 uses the default
func (gsm *GracefulShutdownManager) RegisterComponent(name string, priority int, shutdownFunc func(ctx context.Context) error, timeout time.Duration) {
	gsm.mu.Lock()
	defer gsm.mu.Unlock()

	if timeout <= 0 {
		timeout = gsm.config.ComponentTimeout
	}
	gsm.components = append(gsm.components, &ShutdownComponent{
		Name:         name,
		Priority:     priority,
		ShutdownFunc: shutdownFunc,
		Timeout:      timeout,
		Status:       ShutdownStatusPending,
		seq:          len(gsm.components),
	})
}

// Shutdown 执行一次关闭；重复调用返回错误结果。整体超时后剩余组件标记为 skipped
func (gsm *GracefulShutdownManager) Shutdown(ctx context.Context) *ShutdownResult {
	gsm.mu.Lock()
	if gsm.done {
		gsm.mu.Unlock()
		return &ShutdownResult{Errors: []string{"shutdown already in progress"}}
	}
	gsm.done = true
	components := gsm.ordered()
	gsm.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, gsm.config.ShutdownTimeout)
	defer cancel()

	result := &ShutdownResult{Success: true}
	for _, c := range components {
		if ctx.Err() != nil {
			c.Status = ShutdownStatusSkipped
			c.Error = "shutdown deadline exceeded"
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", c.Name, c.Error))
			result.Success = false
			result.Components = append(result.Components, *c)
			continue
		}

		compCtx, compCancel := context.WithTimeout(ctx, c.Timeout)
		began := time.Now()
		err := c.ShutdownFunc(compCtx)
		compCancel()
		c.Duration = time.Since(began)

		if err != nil {
			c.Status = ShutdownStatusFailed
			c.Error = err.Error()
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", c.Name, err))
			result.Success = false
			gsm.log.Error("Component shutdown failed", "component", c.Name, "error", err)
		} else {
			c.Status = ShutdownStatusCompleted
			gsm.log.Info("Component stopped", "component", c.Name, "duration", c.Duration)
		}
		result.Components = append(result.Components, *c)
	}

	result.Duration = time.Since(start)
	return result
}

func (gsm *GracefulShutdownManager) ordered() []*ShutdownComponent {
	out := append([]*ShutdownComponent(nil), gsm.components...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq > out[j].seq
	})
	return out
}

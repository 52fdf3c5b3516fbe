package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validator 配置验证器
type Validator struct {
	config *Config
}

// NewValidator 创建配置验证器
func NewValidator(config *Config) *Validator {
	return &Validator{
		config: config,
	}
}

// Validate 验证配置，汇总所有分组的错误
func (v *Validator) Validate() error {
	var errors []string

	checks := []struct {
		name string
		fn   func() error
	}{
		{"应用配置错误", v.validateApp},
		{"服务器配置错误", v.validateServer},
		{"数据库配置错误", v.validateDatabase},
		{"Redis配置错误", v.validateRedis},
		{"告警通道配置错误", v.validateAlerting},
		{"日志配置错误", v.validateLogging},
		{"调参配置错误", v.validateAutotune},
		{"SLA配置错误", v.validateSLA},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			errors = append(errors, fmt.Sprintf("%s: %v", check.name, err))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("配置验证失败:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

// validateApp 验证应用配置
func (v *Validator) validateApp() error {
	app := v.config.App

	if app.Name == "" {
		return fmt.Errorf("应用名称不能为空")
	}

	validEnvironments := []string{"development", "test", "staging", "production"}
	if !slices.Contains(validEnvironments, app.Env) {
		return fmt.Errorf("无效的环境: %s, 有效值: %v", app.Env, validEnvironments)
	}

	return nil
}

// validateServer 验证服务器配置
func (v *Validator) validateServer() error {
	server := v.config.Server

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("无效的端口号: %d", server.Port)
	}

	if server.ReadTimeout <= 0 {
		return fmt.Errorf("读取超时必须大于0")
	}

	if server.WriteTimeout <= 0 {
		return fmt.Errorf("写入超时必须大于0")
	}

	if server.RateLimit.Enabled && (server.RateLimit.RequestsPerSec <= 0 || server.RateLimit.Burst <= 0) {
		return fmt.Errorf("限流速率与突发量必须大于0")
	}

	return nil
}

// validateDatabase 验证数据库配置
func (v *Validator) validateDatabase() error {
	db := v.config.Database

	switch db.Driver {
	case "sqlite3":
		if db.Path == "" {
			return fmt.Errorf("sqlite 数据库路径不能为空")
		}
	case "postgres":
		if db.Host == "" {
			return fmt.Errorf("数据库主机不能为空")
		}
		if db.Port <= 0 || db.Port > 65535 {
			return fmt.Errorf("无效的数据库端口: %d", db.Port)
		}
		if db.DBName == "" {
			return fmt.Errorf("数据库名称不能为空")
		}
	default:
		return fmt.Errorf("不支持的数据库驱动: %q, 有效值: [postgres sqlite3]", db.Driver)
	}

	if db.MaxIdle < 0 {
		return fmt.Errorf("最大空闲连接数不能为负数")
	}

	if db.MaxOpen > 0 && db.MaxIdle > db.MaxOpen {
		return fmt.Errorf("最大空闲连接数不能大于最大连接数")
	}

	return nil
}

// validateRedis 验证Redis配置
func (v *Validator) validateRedis() error {
	redis := v.config.Redis

	if !redis.Enabled {
		if v.config.SLA.UseRedisLock {
			return fmt.Errorf("sla.use_redis_lock 需要启用 Redis")
		}
		return nil
	}

	if redis.Addr == "" {
		return fmt.Errorf("Redis地址不能为空")
	}

	if redis.DB < 0 || redis.DB > 15 {
		return fmt.Errorf("无效的Redis数据库编号: %d", redis.DB)
	}

	return nil
}

// validateAlerting 验证 Kafka 与 Webhook 告警通道
func (v *Validator) validateAlerting() error {
	kafka := v.config.Kafka
	if kafka.Enabled {
		if len(kafka.Brokers) == 0 {
			return fmt.Errorf("Kafka broker 列表不能为空")
		}
		if kafka.Topic == "" {
			return fmt.Errorf("Kafka topic 不能为空")
		}
	}

	webhook := v.config.Webhook
	if webhook.Enabled {
		u, err := url.Parse(webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("无效的Webhook地址: %q", webhook.URL)
		}
		if webhook.RetryCount < 0 {
			return fmt.Errorf("Webhook 重试次数不能为负数")
		}
	}

	return nil
}

// validateLogging 验证日志配置
func (v *Validator) validateLogging() error {
	level := string(v.config.Logging.Level)
	if level != "" && !slices.Contains([]string{"trace", "debug", "info", "warn", "error", "fatal"}, level) {
		return fmt.Errorf("无效的日志级别: %s", level)
	}
	return nil
}

// validateAutotune 验证调参默认值与成本模型
func (v *Validator) validateAutotune() error {
	at := v.config.Autotune
	d := at.Defaults

	if d.MaxCombinations <= 0 {
		return fmt.Errorf("max_combinations 必须大于0")
	}

	if d.ValidationRatio < 0 || d.ValidationRatio >= 1 {
		return fmt.Errorf("validation_ratio 必须在 [0, 1) 之间: %v", d.ValidationRatio)
	}

	if d.ValidationWeight < 0 || d.ValidationWeight > 1 {
		return fmt.Errorf("validation_weight 必须在 [0, 1] 之间: %v", d.ValidationWeight)
	}

	if d.WalkForwardSlices < 0 {
		return fmt.Errorf("walk_forward_slices 不能为负数")
	}

	if err := d.ObjectiveWeights.Validate(); err != nil {
		return fmt.Errorf("目标权重无效: %w", err)
	}

	if at.MinBars <= 0 {
		return fmt.Errorf("min_bars 必须大于0")
	}

	if err := at.CostModel.Validate(); err != nil {
		return fmt.Errorf("成本模型无效: %w", err)
	}

	return nil
}

// validateSLA 验证 SLA 策略与同步调度
func (v *Validator) validateSLA() error {
	s := v.config.SLA

	if err := s.Policy.Validate(); err != nil {
		return err
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(s.SyncSchedule)
	if err != nil {
		return fmt.Errorf("无效的同步调度 %q: %w", s.SyncSchedule, err)
	}

	if s.SyncTimeout <= 0 {
		return fmt.Errorf("同步超时必须大于0")
	}

	if s.SyncConcurrency < 0 {
		return fmt.Errorf("同步并发数不能为负数")
	}

	// leader 租约必须覆盖两次同步之间的间隔
	if s.UseRedisLock {
		next := sched.Next(time.Now())
		interval := sched.Next(next).Sub(next)
		if s.LeaderLeaseTTL <= interval {
			return fmt.Errorf("leader 租约 %s 必须大于同步间隔 %s", s.LeaderLeaseTTL, interval)
		}
	}

	return nil
}

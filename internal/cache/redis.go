package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "qtune/internal/errors"
	"qtune/internal/logger"
)

// Config represents Redis configuration
type Config struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
	LockRetry time.Duration `yaml:"lock_retry"`
}

// NewRedisClient creates a client and verifies the connection
func NewRedisClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.WrapError(err, apperrors.ErrCodeCacheConnection, "failed to connect to Redis")
	}
	return client, nil
}

// releaseScript 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的分布式锁，用于多副本间串行化同一连接器的 tick
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    logger.Logger
}

// NewRedisLocker creates a distributed locker
func NewRedisLocker(client redis.UniversalClient, cfg *Config, log logger.Logger) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: "qtune:lock:",
		ttl:    30 * time.Second,
		retry:  50 * time.Millisecond,
		log:    log,
	}
	if cfg != nil {
		if cfg.KeyPrefix != "" {
			l.prefix = cfg.KeyPrefix + "lock:"
		}
		if cfg.LockTTL > 0 {
			l.ttl = cfg.LockTTL
		}
		if cfg.LockRetry > 0 {
			l.retry = cfg.LockRetry
		}
	}
	if l.log == nil {
		l.log = logger.GetGlobalLogger()
	}
	return l
}

// Lock blocks until the key is acquired or ctx is done
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperrors.WrapError(ctx.Err(), apperrors.ErrCodeLockNotAcquired, "lock "+key)
			}
			return nil, apperrors.WrapError(err, apperrors.ErrCodeCacheConnection, "acquire lock "+key)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.WrapError(ctx.Err(), apperrors.ErrCodeLockNotAcquired, "lock "+key)
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 释放不跟随调用方 ctx，避免 ctx 取消后锁只能等 TTL 过期
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{name}, token).Err(); err != nil {
				l.log.Warn("Failed to release redis lock", "key", name, "error", err)
			}
		})
	}, nil
}

// Held reports whether the key is currently locked by anyone
func (l *RedisLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	return n > 0, nil
}

// PingChecker 用 PING 检查 Redis 是否可用
type PingChecker struct {
	client redis.UniversalClient
}

// NewPingChecker wraps a client for health reporting
func NewPingChecker(client redis.UniversalClient) *PingChecker {
	return &PingChecker{client: client}
}

// HealthCheck returns the PING error, if any
func (p *PingChecker) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// leaseScript 持有者续租；无人持有时抢占；返回 1 表示调用方持有租约
var leaseScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if not owner then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// RedisElector 基于租约的 leader 选举。每次 IsLeader 调用都会续租，
// leader 停止续租后租约过期，其他副本接管
type RedisElector struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisElector creates an elector for the named role; ttl must exceed the
// interval between IsLeader calls or leadership flaps.
func NewRedisElector(client redis.UniversalClient, cfg *Config, role string, ttl time.Duration) *RedisElector {
	prefix := "qtune:"
	if cfg != nil && cfg.KeyPrefix != "" {
		prefix = cfg.KeyPrefix
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisElector{
		client: client,
		key:    prefix + "leader:" + role,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Owner returns this replica's lease token
func (e *RedisElector) Owner() string { return e.owner }

// IsLeader acquires or renews the lease
func (e *RedisElector) IsLeader(ctx context.Context) (bool, error) {
	n, err := leaseScript.Run(ctx, e.client, []string{e.key}, e.owner, e.ttl.Milliseconds()).Int()
	if err != nil {
		return false, apperrors.WrapError(err, apperrors.ErrCodeCacheConnection, "renew leader lease "+e.key)
	}
	return n == 1, nil
}

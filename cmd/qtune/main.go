package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"qtune/internal/alerting"
	"qtune/internal/api"
	"qtune/internal/cache"
	"qtune/internal/config"
	"qtune/internal/connector/sla"
	"qtune/internal/database"
	"qtune/internal/logger"
	"qtune/internal/market/storage"
	"qtune/internal/monitoring"
	"qtune/internal/orchestrator"
	"qtune/internal/profile"
	"qtune/internal/stability"
	"qtune/internal/strategy"
	"qtune/internal/strategy/backtest"
	"qtune/internal/strategy/optimizer"
)

func main() {
	var (
		configPath  = flag.String("config", "configs/config.yaml", "配置文件路径")
		watchConfig = flag.Duration("watch", 30*time.Second, "配置文件热加载检查间隔，0 表示关闭")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLog := logger.Init(cfg.Logging)
	appLog.Info("Starting qtune", "version", cfg.App.Version, "env", cfg.App.Env)

	shutdown := stability.NewGracefulShutdownManager(stability.ShutdownConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, appLog)

	db, err := database.NewConnection(&cfg.Database, appLog)
	if err != nil {
		appLog.Fatal("Failed to connect to database", "error", err)
	}
	shutdown.RegisterComponent("database", stability.PriorityStorage, func(context.Context) error {
		return db.Close()
	}, 0)

	if cfg.Database.MigrationsOnStart {
		if err := database.Migrate(db); err != nil {
			appLog.Fatal("Failed to run migrations", "error", err)
		}
	}

	metrics := monitoring.NewMetrics()

	// 回测与调参
	registry := strategy.NewDefaultRegistry()
	var bars api.BarStore = storage.NewStorage(db)
	if cfg.Autotune.BarCacheSize > 0 {
		bars = storage.NewCachedStorage(storage.NewStorage(db),
			cache.NewMemoryCache(cfg.Autotune.BarCacheSize, cfg.Autotune.BarCacheTTL))
	}
	scorer := backtest.NewScorer(registry, bars, cfg.Autotune.CostModel, cfg.Autotune.MinBars, appLog)
	profiles := profile.NewService(profile.NewSQLStore(db, appLog), appLog)
	engine := optimizer.NewEngine(scorer, profiles, appLog)
	engine.SetDefaults(cfg.Autotune.Defaults)
	engine.SetRunLog(optimizer.NewRunLog(cfg.Autotune.RunLog))
	engine.SetObserver(metrics)

	// Redis 可选：分布式锁与健康检查
	var (
		redisClient *redis.Client
		redisHealth api.HealthChecker
	)
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedisClient(context.Background(), &cfg.Redis)
		if err != nil {
			appLog.Fatal("Failed to connect to Redis", "error", err)
		}
		shutdown.RegisterComponent("redis", stability.PriorityStorage, func(context.Context) error {
			return redisClient.Close()
		}, 0)
		redisHealth = cache.NewPingChecker(redisClient)
	}

	// 连接器 SLA
	slaStore := sla.NewSQLStore(db, appLog)
	var locker sla.Locker = sla.NewKeyLocker()
	if cfg.SLA.UseRedisLock && redisClient != nil {
		locker = cache.NewRedisLocker(redisClient, &cfg.Redis, appLog)
	}

	hub := alerting.NewHub(appLog)
	shutdown.RegisterComponent("sla_stream", stability.PriorityChannels, func(context.Context) error {
		hub.Close()
		return nil
	}, 0)
	hub.OnConnectionCount(func(n int) { metrics.SetActiveConnections(float64(n)) })

	sink := alerting.NewMultiSink(appLog, alerting.NewLogSink(appLog), hub)
	if cfg.Webhook.Enabled {
		sink.Add(alerting.NewWebhookSink(cfg.Webhook.WebhookConfig, appLog))
	}
	if cfg.Kafka.Enabled {
		kafkaSink, err := alerting.NewKafkaSink(cfg.Kafka.KafkaConfig, appLog)
		if err != nil {
			appLog.Fatal("Failed to create Kafka producer", "error", err)
		}
		shutdown.RegisterComponent("kafka", stability.PriorityChannels, func(context.Context) error {
			return kafkaSink.Close()
		}, 0)
		sink.Add(kafkaSink)
	}

	slaService := sla.NewService(slaStore, sla.NewMachine(slaStore, locker, appLog), sink, cfg.SLA.Policy, appLog)
	slaService.SetObserver(metrics)
	slaService.SetConcurrency(cfg.SLA.SyncConcurrency)
	if cfg.SLA.UseRedisLock && redisClient != nil {
		// 多副本部署时只有 leader 执行同步
		slaService.SetElector(cache.NewRedisElector(redisClient, &cfg.Redis, "sla_sync", cfg.SLA.LeaderLeaseTTL))
	}

	limiter := stability.NewRateLimiter(cfg.Server.RateLimit.RequestsPerSec, cfg.Server.RateLimit.Burst)

	// 定时任务
	scheduler := orchestrator.NewScheduler(appLog)
	scheduler.RegisterHandler(orchestrator.TaskTypeSLASync, orchestrator.HandlerFunc(func(ctx context.Context) error {
		_, err := slaService.SyncTick(ctx)
		return err
	}))
	scheduler.RegisterHandler(orchestrator.TaskTypeRateLimitCleanup, orchestrator.HandlerFunc(func(context.Context) error {
		if n := limiter.Cleanup(); n > 0 {
			appLog.Debug("Rate limiter buckets reclaimed", "count", n)
		}
		return nil
	}))
	if err := scheduler.AddTask(orchestrator.TaskTypeSLASync, cfg.SLA.SyncSchedule, cfg.SLA.SyncTimeout); err != nil {
		appLog.Fatal("Failed to schedule SLA sync", "error", err)
	}
	if err := scheduler.AddTask(orchestrator.TaskTypeRateLimitCleanup, "0 */5 * * * *", 10*time.Second); err != nil {
		appLog.Fatal("Failed to schedule rate limiter cleanup", "error", err)
	}
	scheduler.Start()

	ctx, cancel := context.WithCancel(context.Background())
	shutdown.RegisterComponent("scheduler", stability.PriorityWorkers, func(context.Context) error {
		cancel()
		scheduler.Stop()
		return nil
	}, 0)

	if *watchConfig > 0 && *configPath != "" {
		watcher := config.NewConfigWatcher(*configPath, *watchConfig, appLog)
		watcher.AddCallback(func(next *config.Config) error {
			return slaService.SetDefaultPolicy(next.SLA.Policy)
		})
		go watcher.Start(ctx)
	}

	server := api.NewServer(cfg, api.Dependencies{
		Scorer:   scorer,
		Engine:   engine,
		Profiles: profiles,
		SLA:      slaService,
		Bars:     bars,
		Hub:      hub,
		Metrics:  metrics,
		Limiter:  limiter,
		DB:       db,
		Redis:    redisHealth,
	}, appLog)

	shutdown.RegisterComponent("http_server", stability.PriorityServer, server.Stop, 0)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		appLog.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			appLog.Error("API server stopped unexpectedly", "error", err)
		}
	}

	result := shutdown.Shutdown(context.Background())
	appLog.Info("qtune stopped", "success", result.Success, "duration", result.Duration)
}

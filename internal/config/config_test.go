package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qtune/internal/logger"
	"qtune/internal/testutils"
)

const sampleConfig = `
app:
  name: "qtune-test"
  env: "test"

server:
  port: 9090
  read_timeout: 5s
  write_timeout: 60s

database:
  driver: "sqlite3"
  path: ":memory:"

logging:
  level: "debug"

autotune:
  min_bars: 40
  defaults:
    max_combinations: 64
    walk_forward_slices: 4

sla:
  sync_schedule: "*/30 * * * * *"
  policy:
    freshness_warning_minutes: 60
    cooldown_seconds: 300
`

func TestLoadFromYAML(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	path := suite.CreateTempFile("config.yaml", sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "qtune-test", cfg.App.Name)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, logger.LevelDebug, cfg.Logging.Level)

	assert.Equal(t, 40, cfg.Autotune.MinBars)
	assert.Equal(t, 64, cfg.Autotune.Defaults.MaxCombinations)
	assert.Equal(t, 4, cfg.Autotune.Defaults.WalkForwardSlices)
	assert.Equal(t, 0.3, cfg.Autotune.Defaults.ValidationRatio, "unset keys keep defaults")

	assert.Equal(t, float64(60), cfg.SLA.Policy.FreshnessWarningMinutes)
	assert.Equal(t, 300, cfg.SLA.Policy.CooldownSeconds)
	assert.Equal(t, Default().SLA.Policy.PendingWarning, cfg.SLA.Policy.PendingWarning)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	path := suite.CreateTempFile("config.yaml", sampleConfig)

	t.Setenv("QTUNE_SERVER_PORT", "7070")
	t.Setenv("QTUNE_SLA_SYNC_TIMEOUT", "20s")
	t.Setenv("QTUNE_KAFKA_ENABLED", "true")
	t.Setenv("QTUNE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("QTUNE_REDIS_ADDR", "redis:6380")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 20*time.Second, cfg.SLA.SyncTimeout)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "connector-sla-events", cfg.Kafka.Topic)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestEncryptedSecretsAreRevealed(t *testing.T) {
	t.Setenv("QTUNE_ENCRYPTION_KEY", "unit-test-passphrase")
	em := NewEnvManager("", EnvPrefix)

	sealed, err := em.Seal("s3cret")
	require.NoError(t, err)
	assert.Contains(t, sealed, "ENC:")
	assert.NotContains(t, sealed, "s3cret")

	t.Setenv("QTUNE_WEBHOOK_SECRET", sealed)
	t.Setenv("QTUNE_DATABASE_PASSWORD", "plain-password")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
	assert.Equal(t, "plain-password", cfg.Database.Password)
}

func TestRevealWithWrongKeyFails(t *testing.T) {
	sealed, err := NewEnvManager("key-one", EnvPrefix).Seal("value")
	require.NoError(t, err)

	_, err = NewEnvManager("key-two", EnvPrefix).Reveal(sealed)
	assert.Error(t, err)

	plain, err := NewEnvManager("key-two", EnvPrefix).Reveal("not-encrypted")
	require.NoError(t, err)
	assert.Equal(t, "not-encrypted", plain)
}

func TestEnvManagerAccessors(t *testing.T) {
	em := NewEnvManager("k", "QTUNE_TEST_")
	t.Setenv("QTUNE_TEST_WORKERS", "6")
	t.Setenv("QTUNE_TEST_ENABLED", "yes-ish")
	t.Setenv("QTUNE_TEST_INTERVAL", "90s")

	assert.Equal(t, 6, em.GetInt("workers", 1))
	assert.True(t, em.GetBool("enabled", true), "unparsable falls back to default")
	assert.Equal(t, 90*time.Second, em.GetDuration("interval", 0))
	assert.Equal(t, "fallback", em.GetString("missing", "fallback"))

	require.NoError(t, em.SetEncryptedString("token", "abc"))
	t.Cleanup(func() { os.Unsetenv("QTUNE_TEST_TOKEN") })
	got, err := em.GetEncryptedString("token", "")
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	assert.ErrorContains(t, em.ValidateRequired([]string{"workers", "absent"}), "QTUNE_TEST_ABSENT")
}

func TestValidatorRejectsBadSections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"environment", func(c *Config) { c.App.Env = "qa" }, "无效的环境"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "无效的端口号"},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "不支持的数据库驱动"},
		{"postgres host", func(c *Config) { c.Database.Driver = "postgres"; c.Database.Host = "" }, "数据库主机不能为空"},
		{"redis lock without redis", func(c *Config) { c.SLA.UseRedisLock = true }, "需要启用 Redis"},
		{"kafka brokers", func(c *Config) { c.Kafka.Enabled = true }, "broker"},
		{"webhook url", func(c *Config) { c.Webhook.Enabled = true; c.Webhook.URL = "ftp://x" }, "Webhook"},
		{"objective weights", func(c *Config) { c.Autotune.Defaults.ObjectiveWeights.TotalReturn = -1 }, "目标权重无效"},
		{"cost model", func(c *Config) { c.Autotune.CostModel.LotSize = 0 }, "成本模型无效"},
		{"sla thresholds", func(c *Config) { c.SLA.Policy.PendingCritical = c.SLA.Policy.PendingWarning - 1 }, "SLA配置错误"},
		{"cron", func(c *Config) { c.SLA.SyncSchedule = "*/5 * * * *" }, "无效的同步调度"},
		{"leader lease", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = "localhost:6379"
			c.SLA.UseRedisLock = true
			c.SLA.LeaderLeaseTTL = 30 * time.Second
		}, "leader 租约"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := NewValidator(cfg).Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, NewValidator(Default()).Validate())

	locked := Default()
	locked.Redis.Enabled = true
	locked.Redis.Addr = "localhost:6379"
	locked.SLA.UseRedisLock = true
	assert.NoError(t, NewValidator(locked).Validate())
	assert.Equal(t, 90*time.Second, locked.SLA.LeaderLeaseTTL)
}

func TestWatcherReloadsChangedFile(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	path := suite.CreateTempFile("config.yaml", sampleConfig)

	w := NewConfigWatcher(path, time.Hour, logger.NewNop())
	var got *Config
	w.AddCallback(func(c *Config) error { got = c; return nil })

	changed, err := w.CheckAndReload()
	require.NoError(t, err)
	assert.False(t, changed, "unchanged file")

	updated := sampleConfig + "\n  sync_timeout: 5s\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	changed, err = w.CheckAndReload()
	require.NoError(t, err)
	require.True(t, changed)
	require.NotNil(t, got)
	assert.Equal(t, 5*time.Second, got.SLA.SyncTimeout)

	require.NoError(t, os.WriteFile(path, []byte("app: [broken"), 0644))
	later := future.Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	changed, err = w.CheckAndReload()
	assert.Error(t, err)
	assert.False(t, changed)
}

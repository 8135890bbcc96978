package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "postgres", cfg.Database.Password)
	assert.Equal(t, "fleetsos", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, 60, cfg.Scheduler.PollInterval)
	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	assert.Equal(t, 10, cfg.Scheduler.PerAlertTimeout)
	assert.Equal(t, 1, cfg.Scheduler.MaxEscalationLevel)

	assert.Equal(t, "fleet-sos:alertcfg:", cfg.Resolver.CacheKeyPrefix)
	assert.Equal(t, 15, cfg.Resolver.CacheTTL)

	assert.Equal(t, "", cfg.Notify.GatewayURL)
	assert.Equal(t, 10, cfg.Notify.SendTimeout)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// 设置环境变量
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_PORT", "15432")
	os.Setenv("DB_USER", "test-user")
	os.Setenv("DB_PASSWORD", "test-password")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("REDIS_PASSWORD", "test-redis-password")
	os.Setenv("SCHEDULER_POLL_INTERVAL", "30")
	os.Setenv("SCHEDULER_MAX_ESCALATION_LEVELS", "3")
	os.Setenv("CONFIG_CACHE_TTL", "5")
	os.Setenv("NOTIFY_GATEWAY_URL", "https://gateway.example.com")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("LOG_FORMAT", "console")

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证环境变量覆盖
	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 15432, cfg.Database.Port)
	assert.Equal(t, "test-user", cfg.Database.User)
	assert.Equal(t, "test-password", cfg.Database.Password)
	assert.Equal(t, "test-db", cfg.Database.Database)

	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "test-redis-password", cfg.Redis.Password)

	assert.Equal(t, 30, cfg.Scheduler.PollInterval)
	assert.Equal(t, 3, cfg.Scheduler.MaxEscalationLevel)
	assert.Equal(t, 5, cfg.Resolver.CacheTTL)
	assert.Equal(t, "https://gateway.example.com", cfg.Notify.GatewayURL)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// 清理环境变量
	os.Clearenv()
}

func TestGetDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db-host",
		Port:     5433,
		User:     "u",
		Password: "p",
		Database: "d",
		SSLMode:  "require",
	}
	assert.Equal(t, "host=db-host port=5433 user=u password=p dbname=d sslmode=require", cfg.GetDSN())
}

func TestGetEnvInt(t *testing.T) {
	os.Clearenv()
	assert.Equal(t, 42, getEnvInt("TEST_INT", 42))

	os.Setenv("TEST_INT", "7")
	assert.Equal(t, 7, getEnvInt("TEST_INT", 42))

	// 非法值回退到默认
	os.Setenv("TEST_INT", "not-a-number")
	assert.Equal(t, 42, getEnvInt("TEST_INT", 42))

	os.Unsetenv("TEST_INT")
}

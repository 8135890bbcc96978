package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config 告警服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig

	// 升级调度器配置
	Scheduler struct {
		PollInterval       int // 扫描间隔（秒），默认 60秒
		BatchSize          int // 单批处理的告警数量，默认 50
		PerAlertTimeout    int // 单个告警处理超时（秒），默认 10秒
		MaxEscalationLevel int // 自动升级的最大级别，默认 1（单次升级）
	}

	// 配置解析器缓存配置
	Resolver struct {
		CacheKeyPrefix string // 缓存键前缀，如 "fleet-sos:alertcfg:"
		CacheTTL       int    // 缓存 TTL（秒），默认 15秒
	}

	// 通知网关配置
	Notify struct {
		GatewayURL   string // 通知网关地址（为空时使用 Nop 发送器）
		GatewayToken string // 网关认证 Token
		SendTimeout  int    // 单次发送超时（秒），默认 10秒
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "fleetsos")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	// 调度器配置
	cfg.Scheduler.PollInterval = getEnvInt("SCHEDULER_POLL_INTERVAL", 60)
	cfg.Scheduler.BatchSize = getEnvInt("SCHEDULER_BATCH_SIZE", 50)
	cfg.Scheduler.PerAlertTimeout = getEnvInt("SCHEDULER_PER_ALERT_TIMEOUT", 10)
	cfg.Scheduler.MaxEscalationLevel = getEnvInt("SCHEDULER_MAX_ESCALATION_LEVELS", 1)

	// 解析器缓存配置
	cfg.Resolver.CacheKeyPrefix = getEnv("CONFIG_CACHE_PREFIX", "fleet-sos:alertcfg:")
	cfg.Resolver.CacheTTL = getEnvInt("CONFIG_CACHE_TTL", 15)

	// 通知网关配置
	cfg.Notify.GatewayURL = getEnv("NOTIFY_GATEWAY_URL", "")
	cfg.Notify.GatewayToken = getEnv("NOTIFY_GATEWAY_TOKEN", "")
	cfg.Notify.SendTimeout = getEnvInt("NOTIFY_SEND_TIMEOUT", 10)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

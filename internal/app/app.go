package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"fleet-sos/internal/config"
	"fleet-sos/internal/database"
	"fleet-sos/internal/notifier"
	"fleet-sos/internal/redisclient"
	"fleet-sos/internal/repository"
	"fleet-sos/internal/resolver"
	"fleet-sos/internal/scheduler"
	"fleet-sos/internal/service"
	"fleet-sos/internal/store"
)

// App SOS 告警服务（整合各层）
type App struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	alertsRepo        *repository.PostgresAlertsRepository
	escalationsRepo   *repository.PostgresEscalationsRepository
	notificationsRepo *repository.PostgresNotificationsRepository
	configsRepo       *repository.PostgresAlertConfigsRepository
	resolver          *resolver.Resolver
	dispatcher        *notifier.Dispatcher

	AlertService  *service.AlertService
	ConfigService *service.AlertConfigService
	Scheduler     *scheduler.Scheduler
}

// New 创建告警服务
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redisclient.NewRedisClient(&cfg.Redis)
	if err := redisclient.Ping(context.Background(), redisClient); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	alertsRepo := repository.NewPostgresAlertsRepository(db, logger)
	escalationsRepo := repository.NewPostgresEscalationsRepository(db, logger)
	notificationsRepo := repository.NewPostgresNotificationsRepository(db, logger)
	configsRepo := repository.NewPostgresAlertConfigsRepository(db, logger)

	// 4. 配置解析器（Redis 短 TTL 缓存）
	rsv := resolver.NewResolver(
		configsRepo,
		store.NewRedisKV(redisClient),
		cfg.Resolver.CacheKeyPrefix,
		time.Duration(cfg.Resolver.CacheTTL)*time.Second,
		logger,
	)

	// 5. 通知派发（未配置网关时使用 Nop 发送器）
	var sender notifier.Sender
	if cfg.Notify.GatewayURL != "" {
		sender = notifier.NewGatewaySender(cfg.Notify.GatewayURL, cfg.Notify.GatewayToken, logger)
	} else {
		logger.Warn("NOTIFY_GATEWAY_URL not set, notifications are log-only")
		sender = notifier.NewNopSender(logger)
	}
	dispatcher := notifier.NewDispatcher(
		notificationsRepo,
		sender,
		time.Duration(cfg.Notify.SendTimeout)*time.Second,
		logger,
	)

	// 6. 业务服务
	alertSvc := service.NewAlertService(alertsRepo, escalationsRepo, rsv, dispatcher, logger)
	configSvc := service.NewAlertConfigService(configsRepo, rsv, sender, logger)

	// 7. 升级调度器
	sched := scheduler.NewScheduler(alertsRepo, escalationsRepo, rsv, alertSvc, scheduler.Options{
		PollInterval:    time.Duration(cfg.Scheduler.PollInterval) * time.Second,
		BatchSize:       cfg.Scheduler.BatchSize,
		PerAlertTimeout: time.Duration(cfg.Scheduler.PerAlertTimeout) * time.Second,
		MaxLevel:        cfg.Scheduler.MaxEscalationLevel,
	}, logger)

	return &App{
		config:            cfg,
		db:                db,
		redisClient:       redisClient,
		logger:            logger,
		alertsRepo:        alertsRepo,
		escalationsRepo:   escalationsRepo,
		notificationsRepo: notificationsRepo,
		configsRepo:       configsRepo,
		resolver:          rsv,
		dispatcher:        dispatcher,
		AlertService:      alertSvc,
		ConfigService:     configSvc,
		Scheduler:         sched,
	}, nil
}

// Start 启动后台组件
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("Starting fleet-sos service")
	a.Scheduler.Start(ctx)
	return nil
}

// Stop 停止服务并释放资源
func (a *App) Stop() error {
	a.logger.Info("Stopping fleet-sos service")

	a.Scheduler.Stop()

	if err := a.redisClient.Close(); err != nil {
		a.logger.Error("Failed to close redis client", zap.Error(err))
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("Failed to close database", zap.Error(err))
		return err
	}
	return nil
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleet-sos/internal/models"
	"fleet-sos/internal/repository"
	"fleet-sos/internal/resolver"
	"fleet-sos/internal/service"
)

// Options 调度器参数
type Options struct {
	PollInterval    time.Duration // 扫描间隔，默认 60秒
	BatchSize       int           // 单批处理的告警数量，默认 50
	PerAlertTimeout time.Duration // 单个告警处理超时，默认 10秒
	MaxLevel        int           // 自动升级的最大级别，默认 1（单次升级）
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 60 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.PerAlertTimeout <= 0 {
		o.PerAlertTimeout = 10 * time.Second
	}
	if o.MaxLevel <= 0 {
		o.MaxLevel = 1
	}
}

// Scheduler 升级调度器：周期扫描未关闭告警，超过配置阈值时自动升级，
// 并对 RESOLVED 告警执行误报自动关闭兜底扫描。
//
// 幂等性依赖 (alert_id, escalation_level) 唯一约束：多实例或重复 tick
// 并发升级同一告警时恰好一次成功，其余收到级别冲突后忽略。
type Scheduler struct {
	alerts      repository.AlertsRepository
	escalations repository.EscalationsRepository
	resolver    *resolver.Resolver
	alertSvc    *service.AlertService
	opts        Options
	logger      *zap.Logger

	// 可注入时钟（测试用）
	now func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewScheduler 创建升级调度器
func NewScheduler(
	alerts repository.AlertsRepository,
	escalations repository.EscalationsRepository,
	rsv *resolver.Resolver,
	alertSvc *service.AlertService,
	opts Options,
	logger *zap.Logger,
) *Scheduler {
	opts.withDefaults()
	return &Scheduler{
		alerts:      alerts,
		escalations: escalations,
		resolver:    rsv,
		alertSvc:    alertSvc,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
		stopChan:    make(chan struct{}),
	}
}

// SetClock 注入时钟（测试用）
func (s *Scheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Start 启动调度循环
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Escalation scheduler started",
		zap.Duration("poll_interval", s.opts.PollInterval),
		zap.Int("batch_size", s.opts.BatchSize),
		zap.Int("max_level", s.opts.MaxLevel),
	)
}

// Stop 停止调度循环并等待当前 tick 完成
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("Escalation scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 执行一轮扫描（循环周期调用，测试可直接调用）
func (s *Scheduler) Tick(ctx context.Context) {
	open, err := s.alerts.ListOpenAlerts(ctx, s.opts.BatchSize)
	if err != nil {
		s.logger.Error("Failed to list open alerts", zap.Error(err))
		return
	}
	if len(open) == 0 {
		return
	}

	var escalated, closed, failed int
	for _, alert := range open {
		alertCtx, cancel := context.WithTimeout(ctx, s.opts.PerAlertTimeout)
		didEscalate, didClose, err := s.evaluate(alertCtx, alert)
		cancel()

		// 单个告警失败不影响本轮其余告警
		if err != nil {
			failed++
			s.logger.Error("Failed to evaluate alert",
				zap.String("tenant_id", alert.TenantID),
				zap.String("alert_id", alert.AlertID),
				zap.Error(err),
			)
			continue
		}
		if didEscalate {
			escalated++
		}
		if didClose {
			closed++
		}
	}

	if escalated > 0 || closed > 0 || failed > 0 {
		s.logger.Info("Scheduler tick completed",
			zap.Int("scanned", len(open)),
			zap.Int("escalated", escalated),
			zap.Int("auto_closed", closed),
			zap.Int("failed", failed),
		)
	}
}

// evaluate 评估单个告警：升级判定 + 误报自动关闭兜底
func (s *Scheduler) evaluate(ctx context.Context, alert *models.Alert) (escalated, closed bool, err error) {
	cfg, err := s.resolver.Resolve(ctx, alert.TenantID, nil, alert.AlertType)
	if err != nil {
		if errors.Is(err, resolver.ErrNoConfiguration) {
			// 配置缺口不是告警的错，跳过
			return false, false, nil
		}
		return false, false, err
	}

	// RESOLVED 告警的误报自动关闭兜底（主路径在状态机内，这里覆盖漏网场景）
	// 以 resolved_at 判定解决耗时，tick 到达的早晚不影响判定结果
	if alert.Status == models.StatusResolved {
		if cfg.AutoCloseFalseAlarmSeconds != nil && alert.ResolvedAt != nil {
			elapsed := int(alert.ResolvedAt.Sub(alert.TriggeredAt).Seconds())
			if elapsed <= *cfg.AutoCloseFalseAlarmSeconds {
				if err := s.autoClose(ctx, alert, elapsed); err != nil {
					return false, false, err
				}
				return false, true, nil
			}
		}
		return false, false, nil
	}

	// 仅对等待响应的告警做升级判定
	if alert.Status != models.StatusTriggered && alert.Status != models.StatusAcknowledged {
		return false, false, nil
	}
	if !cfg.EnableEscalation || cfg.EscalationThresholdSeconds <= 0 {
		return false, false, nil
	}

	maxLevel, lastEscalatedAt, err := s.escalations.MaxEscalationLevel(ctx, alert.AlertID)
	if err != nil {
		return false, false, err
	}
	if maxLevel >= s.opts.MaxLevel {
		return false, false, nil
	}

	// 级别 1 从触发时间起算，后续级别从上次升级时间重新起算
	base := alert.TriggeredAt
	if maxLevel > 0 && lastEscalatedAt != nil {
		base = *lastEscalatedAt
	}

	elapsed := s.now().Sub(base)
	if elapsed < time.Duration(cfg.EscalationThresholdSeconds)*time.Second {
		return false, false, nil
	}

	_, err = s.alertSvc.EscalateAlert(ctx, alert.TenantID, alert.AlertID, service.EscalateAlertRequest{
		IsAutomatic: true,
	})
	if err != nil {
		// 并发 tick 竞争失败或告警刚被关闭，均为正常情况
		if errors.Is(err, service.ErrEscalationLevelConflict) || errors.Is(err, service.ErrInvalidTransition) {
			return false, false, nil
		}
		return false, false, err
	}

	s.logger.Info("Alert auto-escalated",
		zap.String("tenant_id", alert.TenantID),
		zap.String("alert_id", alert.AlertID),
		zap.Int("level", maxLevel+1),
		zap.Duration("elapsed", elapsed),
	)
	return true, false, nil
}

// autoClose 误报自动关闭（调度器兜底路径）
func (s *Scheduler) autoClose(ctx context.Context, alert *models.Alert, elapsedSeconds int) error {
	updates := map[string]interface{}{
		"status":                  models.StatusClosed,
		"closed_at":               s.now(),
		"resolution_time_seconds": elapsedSeconds,
		"is_false_alarm":          true,
	}
	err := s.alerts.TransitionAlert(ctx, alert.TenantID, alert.AlertID,
		[]string{string(models.StatusResolved)}, updates)
	if err != nil {
		if errors.Is(err, repository.ErrStaleStatus) || errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}

	s.logger.Info("Alert auto-closed as false alarm",
		zap.String("tenant_id", alert.TenantID),
		zap.String("alert_id", alert.AlertID),
		zap.Int("resolution_time_seconds", elapsedSeconds),
	)
	return nil
}

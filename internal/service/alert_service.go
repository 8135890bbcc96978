package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleet-sos/internal/models"
	"fleet-sos/internal/notifier"
	"fleet-sos/internal/repository"
	"fleet-sos/internal/resolver"
)

// AlertService 告警生命周期服务：封装状态机、升级和通知派发
type AlertService struct {
	alerts      repository.AlertsRepository
	escalations repository.EscalationsRepository
	resolver    *resolver.Resolver
	dispatcher  *notifier.Dispatcher
	logger      *zap.Logger

	// 可注入时钟（测试用）
	now func() time.Time
}

// NewAlertService 创建告警服务
func NewAlertService(
	alerts repository.AlertsRepository,
	escalations repository.EscalationsRepository,
	rsv *resolver.Resolver,
	dispatcher *notifier.Dispatcher,
	logger *zap.Logger,
) *AlertService {
	return &AlertService{
		alerts:      alerts,
		escalations: escalations,
		resolver:    rsv,
		dispatcher:  dispatcher,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (s *AlertService) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// TriggerAlertRequest 触发告警入参
type TriggerAlertRequest struct {
	EmployeeID   string
	TeamID       *string // 配置解析上下文（可选）
	BookingID    *string
	AlertType    models.AlertType
	Severity     models.AlertSeverity
	Latitude     float64
	Longitude    float64
	TriggerNotes *string
	EvidenceURLs []string
}

// TriggerAlert 触发告警
// 员工已有未关闭告警时返回 ErrActiveAlertExists；
// 租户无匹配配置时返回 ErrNoConfigurationFound（配置缺口，不创建告警）
func (s *AlertService) TriggerAlert(ctx context.Context, tenantID string, req TriggerAlertRequest) (*models.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if req.EmployeeID == "" {
		return nil, fmt.Errorf("%w: employee_id is required", ErrValidation)
	}
	if !models.ValidAlertType(req.AlertType) {
		return nil, fmt.Errorf("%w: unknown alert type %q", ErrValidation, req.AlertType)
	}
	if !models.ValidSeverity(req.Severity) {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrValidation, req.Severity)
	}

	// 预检：单活跃告警约束（最终由数据库唯一索引兜底）
	existing, err := s.alerts.GetActiveAlertByEmployee(ctx, tenantID, req.EmployeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active alert: %w", err)
	}
	if existing != nil {
		return nil, ErrActiveAlertExists
	}

	// 解析路由配置：无配置时拒绝触发
	cfg, err := s.resolver.Resolve(ctx, tenantID, req.TeamID, req.AlertType)
	if err != nil {
		if errors.Is(err, resolver.ErrNoConfiguration) {
			return nil, ErrNoConfigurationFound
		}
		return nil, fmt.Errorf("failed to resolve configuration: %w", err)
	}

	now := s.now()
	alert := &models.Alert{
		AlertID:          uuid.New().String(),
		TenantID:         tenantID,
		EmployeeID:       req.EmployeeID,
		BookingID:        req.BookingID,
		AlertType:        req.AlertType,
		Severity:         req.Severity,
		Status:           models.StatusTriggered,
		TriggerLatitude:  req.Latitude,
		TriggerLongitude: req.Longitude,
		TriggerNotes:     req.TriggerNotes,
		EvidenceURLs:     req.EvidenceURLs,
		TriggeredAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.alerts.CreateAlert(ctx, tenantID, alert); err != nil {
		if errors.Is(err, repository.ErrActiveAlertExists) {
			// 与并发触发竞争失败
			return nil, ErrActiveAlertExists
		}
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	s.logger.Info("Alert triggered",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alert.AlertID),
		zap.String("employee_id", req.EmployeeID),
		zap.String("alert_type", string(req.AlertType)),
		zap.String("severity", string(req.Severity)),
	)

	// 通知一级收件人（尽力而为，失败不影响触发）
	s.dispatcher.Dispatch(ctx, alert.AlertID,
		cfg.PrimaryRecipients, cfg.NotificationChannels,
		notifier.BuildSubject(alert, "TRIGGERED"),
		notifier.BuildMessage(alert, "triggered"),
	)

	return alert, nil
}

// AcknowledgeRequest 确认告警入参
type AcknowledgeRequest struct {
	AcknowledgedBy     string
	AcknowledgedByName *string
	Notes              *string
	ETAMinutes         *int
}

// AcknowledgeAlert 确认告警（仅 TRIGGERED 状态合法，重复确认返回 ErrInvalidTransition）
func (s *AlertService) AcknowledgeAlert(ctx context.Context, tenantID, alertID string, req AcknowledgeRequest) (*models.Alert, error) {
	if req.AcknowledgedBy == "" {
		return nil, fmt.Errorf("%w: acknowledged_by is required", ErrValidation)
	}

	alert, err := s.getAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	responseSeconds := int(now.Sub(alert.TriggeredAt).Seconds())

	updates := map[string]interface{}{
		"status":                models.StatusAcknowledged,
		"acknowledged_at":       now,
		"acknowledged_by":       req.AcknowledgedBy,
		"response_time_seconds": responseSeconds,
	}
	if req.AcknowledgedByName != nil {
		updates["acknowledged_by_name"] = *req.AcknowledgedByName
	}
	if req.Notes != nil {
		updates["acknowledgment_notes"] = *req.Notes
	}
	if req.ETAMinutes != nil {
		updates["estimated_arrival_minutes"] = *req.ETAMinutes
	}

	err = s.alerts.TransitionAlert(ctx, tenantID, alertID,
		[]string{string(models.StatusTriggered)}, updates)
	if err != nil {
		return nil, s.mapTransitionError(err)
	}

	s.logger.Info("Alert acknowledged",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.String("acknowledged_by", req.AcknowledgedBy),
		zap.Int("response_time_seconds", responseSeconds),
	)

	updated, err := s.getAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	s.notifyStatusChange(ctx, updated)
	return updated, nil
}

// statusTransitions update_status 允许的转移：目标状态 -> 合法的来源状态
var statusTransitions = map[models.AlertStatus][]string{
	models.StatusInProgress: {string(models.StatusAcknowledged)},
	models.StatusResolved:   {string(models.StatusAcknowledged), string(models.StatusInProgress)},
}

// UpdateAlertStatus 推进告警状态（ACKNOWLEDGED→IN_PROGRESS、IN_PROGRESS→RESOLVED、
// 以及 ACKNOWLEDGED→RESOLVED 直达）。到达 RESOLVED 且解决耗时不超过配置的
// auto_close_false_alarm_seconds 时自动关闭并标记误报
func (s *AlertService) UpdateAlertStatus(ctx context.Context, tenantID, alertID string, newStatus models.AlertStatus, notes *string) (*models.Alert, error) {
	fromStatuses, ok := statusTransitions[newStatus]
	if !ok {
		return nil, fmt.Errorf("%w: cannot transition to %s", ErrInvalidTransition, newStatus)
	}

	if _, err := s.getAlert(ctx, tenantID, alertID); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"status": newStatus}
	if newStatus == models.StatusResolved {
		updates["resolved_at"] = s.now()
		if notes != nil {
			updates["resolution_notes"] = *notes
		}
	}

	err := s.alerts.TransitionAlert(ctx, tenantID, alertID, fromStatuses, updates)
	if err != nil {
		return nil, s.mapTransitionError(err)
	}

	s.logger.Info("Alert status updated",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.String("new_status", string(newStatus)),
	)

	updated, err := s.getAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	s.notifyStatusChange(ctx, updated)

	// 快速解决视作误报的自动关闭捷径
	if newStatus == models.StatusResolved {
		if closed, err := s.maybeAutoClose(ctx, updated); err == nil && closed != nil {
			return closed, nil
		}
	}

	return updated, nil
}

// maybeAutoClose RESOLVED 告警的误报自动关闭
// 解决耗时 ≤ 配置阈值时关闭并标记 is_false_alarm，此路径豁免关闭备注门槛。
// 返回 (nil, nil) 表示未触发自动关闭
func (s *AlertService) maybeAutoClose(ctx context.Context, alert *models.Alert) (*models.Alert, error) {
	cfg, err := s.resolver.Resolve(ctx, alert.TenantID, nil, alert.AlertType)
	if err != nil {
		return nil, nil
	}
	if cfg.AutoCloseFalseAlarmSeconds == nil {
		return nil, nil
	}

	// 以解决时刻计算耗时，避免把评估延迟算进解决时间
	resolvedAt := s.now()
	if alert.ResolvedAt != nil {
		resolvedAt = *alert.ResolvedAt
	}
	elapsed := int(resolvedAt.Sub(alert.TriggeredAt).Seconds())
	if elapsed > *cfg.AutoCloseFalseAlarmSeconds {
		return nil, nil
	}

	updates := map[string]interface{}{
		"status":                  models.StatusClosed,
		"closed_at":               s.now(),
		"resolution_time_seconds": elapsed,
		"is_false_alarm":          true,
	}
	err = s.alerts.TransitionAlert(ctx, alert.TenantID, alert.AlertID,
		[]string{string(models.StatusResolved)}, updates)
	if err != nil {
		// 竞争失败时保持 RESOLVED，不视为错误
		s.logger.Warn("Auto-close lost the race",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		return nil, nil
	}

	s.logger.Info("Alert auto-closed as false alarm",
		zap.String("tenant_id", alert.TenantID),
		zap.String("alert_id", alert.AlertID),
		zap.Int("resolution_time_seconds", elapsed),
	)

	return s.getAlert(ctx, alert.TenantID, alert.AlertID)
}

// CloseAlertRequest 关闭告警入参
type CloseAlertRequest struct {
	ClosedBy     string
	ClosedByName *string
	ClosureNotes *string
	IsFalseAlarm bool
}

// CloseAlert 关闭告警（任何非终态均可关闭）
// 配置要求关闭备注而未提供时返回 ErrClosureNotesRequired
func (s *AlertService) CloseAlert(ctx context.Context, tenantID, alertID string, req CloseAlertRequest) (*models.Alert, error) {
	if req.ClosedBy == "" {
		return nil, fmt.Errorf("%w: closed_by is required", ErrValidation)
	}

	alert, err := s.getAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: alert is already closed", ErrInvalidTransition)
	}

	// 关闭备注门槛
	if cfg, err := s.resolver.Resolve(ctx, tenantID, nil, alert.AlertType); err == nil {
		if cfg.RequireClosureNotes && (req.ClosureNotes == nil || *req.ClosureNotes == "") {
			return nil, ErrClosureNotesRequired
		}
	}

	now := s.now()
	resolutionSeconds := int(now.Sub(alert.TriggeredAt).Seconds())

	updates := map[string]interface{}{
		"status":                  models.StatusClosed,
		"closed_at":               now,
		"closed_by":               req.ClosedBy,
		"resolution_time_seconds": resolutionSeconds,
		"is_false_alarm":          req.IsFalseAlarm,
	}
	if req.ClosedByName != nil {
		updates["closed_by_name"] = *req.ClosedByName
	}
	if req.ClosureNotes != nil {
		updates["resolution_notes"] = *req.ClosureNotes
	}

	err = s.alerts.TransitionAlert(ctx, tenantID, alertID, models.ActiveStatuses(), updates)
	if err != nil {
		return nil, s.mapTransitionError(err)
	}

	s.logger.Info("Alert closed",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.String("closed_by", req.ClosedBy),
		zap.Bool("is_false_alarm", req.IsFalseAlarm),
		zap.Int("resolution_time_seconds", resolutionSeconds),
	)

	updated, err := s.getAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	s.notifyStatusChange(ctx, updated)
	return updated, nil
}

// EscalateAlertRequest 升级告警入参
type EscalateAlertRequest struct {
	Level       *int // 省略时自动取当前最高级别 + 1
	Recipients  []models.Recipient
	Reason      *string
	IsAutomatic bool
}

// EscalateAlert 升级告警（仅非终态合法）
// 级别必须为当前最高级别 + 1，(alert_id, level) 冲突返回 ErrEscalationLevelConflict
func (s *AlertService) EscalateAlert(ctx context.Context, tenantID, alertID string, req EscalateAlertRequest) (*models.Escalation, error) {
	alert, err := s.getAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot escalate a closed alert", ErrInvalidTransition)
	}

	maxLevel, _, err := s.escalations.MaxEscalationLevel(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation level: %w", err)
	}

	level := maxLevel + 1
	if req.Level != nil {
		if *req.Level != maxLevel+1 {
			return nil, fmt.Errorf("%w: expected level %d, got %d", ErrEscalationLevelConflict, maxLevel+1, *req.Level)
		}
		level = *req.Level
	}

	var cfg *models.AlertConfiguration
	if c, err := s.resolver.Resolve(ctx, tenantID, nil, alert.AlertType); err == nil {
		cfg = c
	}

	// 收件人快照：手动升级可显式覆盖，默认取配置的升级收件人
	recipients := req.Recipients
	if len(recipients) == 0 && cfg != nil {
		recipients = cfg.EscalationRecipients
	}

	now := s.now()
	esc := &models.Escalation{
		EscalationID: uuid.New().String(),
		AlertID:      alertID,
		Level:        level,
		EscalatedTo:  recipients,
		EscalatedAt:  now,
		Reason:       req.Reason,
		IsAutomatic:  req.IsAutomatic,
		CreatedAt:    now,
	}

	if err := s.escalations.CreateEscalation(ctx, esc); err != nil {
		if errors.Is(err, repository.ErrEscalationLevelExists) {
			// 并发升级竞争失败（调度器重复 tick 等），幂等处理
			return nil, ErrEscalationLevelConflict
		}
		return nil, fmt.Errorf("failed to create escalation: %w", err)
	}

	if req.IsAutomatic && !alert.AutoEscalated {
		err := s.alerts.TransitionAlert(ctx, tenantID, alertID,
			models.ActiveStatuses(), map[string]interface{}{"auto_escalated": true})
		if err != nil {
			s.logger.Warn("Failed to flag alert as auto-escalated",
				zap.String("alert_id", alertID), zap.Error(err))
		}
	}

	s.logger.Info("Alert escalated",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.Int("level", level),
		zap.Bool("is_automatic", req.IsAutomatic),
	)

	// 升级通知：升级收件人快照必达；notify_on_escalation 仅控制是否同时告知一级收件人
	subject := notifier.SubjectForEscalation(alert, level)
	message := notifier.BuildMessage(alert, fmt.Sprintf("escalated to level %d", level))

	var allowed []models.NotificationChannel
	if cfg != nil {
		allowed = cfg.NotificationChannels
	}
	if len(recipients) > 0 {
		s.dispatcher.Dispatch(ctx, alertID, recipients, allowed, subject, message)
	}
	if cfg != nil && cfg.NotifyOnEscalation {
		s.dispatcher.Dispatch(ctx, alertID, cfg.PrimaryRecipients, allowed, subject, message)
	}

	return esc, nil
}

// GetAlert 获取告警详情
func (s *AlertService) GetAlert(ctx context.Context, tenantID, alertID string) (*models.Alert, error) {
	return s.getAlert(ctx, tenantID, alertID)
}

// ListAlerts 列表查询（过滤 + 分页）
func (s *AlertService) ListAlerts(ctx context.Context, tenantID string, filters repository.AlertFilters, page, size int) ([]*models.Alert, int, error) {
	return s.alerts.ListAlerts(ctx, tenantID, filters, page, size)
}

// GetActiveAlerts 获取租户当前全部未关闭告警
func (s *AlertService) GetActiveAlerts(ctx context.Context, tenantID string) ([]*models.Alert, error) {
	filters := repository.AlertFilters{Statuses: models.ActiveStatuses()}
	alerts, _, err := s.alerts.ListAlerts(ctx, tenantID, filters, 1, 500)
	return alerts, err
}

// TimelineEvent 告警时间线事件
type TimelineEvent struct {
	EventType string    `json:"event_type"` // TRIGGERED / ACKNOWLEDGED / ESCALATED / CLOSED
	Timestamp time.Time `json:"timestamp"`
	Actor     *string   `json:"actor,omitempty"`
	Details   *string   `json:"details,omitempty"`
}

// GetAlertTimeline 按时间顺序返回告警的关键事件
func (s *AlertService) GetAlertTimeline(ctx context.Context, tenantID, alertID string) ([]TimelineEvent, error) {
	alert, err := s.getAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	events := []TimelineEvent{
		{EventType: "TRIGGERED", Timestamp: alert.TriggeredAt, Details: alert.TriggerNotes},
	}

	if alert.AcknowledgedAt != nil {
		events = append(events, TimelineEvent{
			EventType: "ACKNOWLEDGED",
			Timestamp: *alert.AcknowledgedAt,
			Actor:     alert.AcknowledgedByName,
			Details:   alert.AcknowledgmentNotes,
		})
	}

	escalations, err := s.escalations.ListEscalations(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	for _, esc := range escalations {
		details := fmt.Sprintf("Escalated to level %d", esc.Level)
		if esc.Reason != nil {
			details = fmt.Sprintf("%s: %s", details, *esc.Reason)
		}
		events = append(events, TimelineEvent{
			EventType: "ESCALATED",
			Timestamp: esc.EscalatedAt,
			Details:   &details,
		})
	}

	if alert.ClosedAt != nil {
		events = append(events, TimelineEvent{
			EventType: "CLOSED",
			Timestamp: *alert.ClosedAt,
			Actor:     alert.ClosedByName,
			Details:   alert.ResolutionNotes,
		})
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// AlertMetrics 告警统计摘要
type AlertMetrics struct {
	TotalAlerts int            `json:"total_alerts"`
	ByStatus    map[string]int `json:"by_status"`
	BySeverity  map[string]int `json:"by_severity"`
	ByType      map[string]int `json:"by_type"`

	AvgResponseTimeSeconds   *float64 `json:"avg_response_time_seconds,omitempty"`
	AvgResolutionTimeSeconds *float64 `json:"avg_resolution_time_seconds,omitempty"`

	FalseAlarmCount int     `json:"false_alarm_count"`
	FalseAlarmRate  float64 `json:"false_alarm_rate"`
	EscalatedCount  int     `json:"escalated_count"`
	EscalationRate  float64 `json:"escalation_rate"`
}

// GetAlertMetrics 统计时间段内的告警指标
func (s *AlertService) GetAlertMetrics(ctx context.Context, tenantID string, startTime, endTime *time.Time) (*AlertMetrics, error) {
	filters := repository.AlertFilters{StartTime: startTime, EndTime: endTime}

	// 分页拉全量
	const pageSize = 500
	alerts := []*models.Alert{}
	for page := 1; ; page++ {
		batch, total, err := s.alerts.ListAlerts(ctx, tenantID, filters, page, pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list alerts: %w", err)
		}
		alerts = append(alerts, batch...)
		if len(alerts) >= total || len(batch) == 0 {
			break
		}
	}

	metrics := &AlertMetrics{
		TotalAlerts: len(alerts),
		ByStatus:    map[string]int{},
		BySeverity:  map[string]int{},
		ByType:      map[string]int{},
	}

	var responseSum, resolutionSum float64
	var responseCount, resolutionCount int

	for _, a := range alerts {
		metrics.ByStatus[string(a.Status)]++
		metrics.BySeverity[string(a.Severity)]++
		metrics.ByType[string(a.AlertType)]++

		if a.ResponseTimeSeconds != nil {
			responseSum += float64(*a.ResponseTimeSeconds)
			responseCount++
		}
		if a.ResolutionTimeSeconds != nil {
			resolutionSum += float64(*a.ResolutionTimeSeconds)
			resolutionCount++
		}
		if a.IsFalseAlarm {
			metrics.FalseAlarmCount++
		}
		if a.AutoEscalated {
			metrics.EscalatedCount++
		}
	}

	if responseCount > 0 {
		avg := responseSum / float64(responseCount)
		metrics.AvgResponseTimeSeconds = &avg
	}
	if resolutionCount > 0 {
		avg := resolutionSum / float64(resolutionCount)
		metrics.AvgResolutionTimeSeconds = &avg
	}
	if metrics.TotalAlerts > 0 {
		metrics.FalseAlarmRate = float64(metrics.FalseAlarmCount) / float64(metrics.TotalAlerts)
		metrics.EscalationRate = float64(metrics.EscalatedCount) / float64(metrics.TotalAlerts)
	}

	return metrics, nil
}

// GetAlertEscalations 获取告警的升级记录
func (s *AlertService) GetAlertEscalations(ctx context.Context, tenantID, alertID string) ([]*models.Escalation, error) {
	if _, err := s.getAlert(ctx, tenantID, alertID); err != nil {
		return nil, err
	}
	return s.escalations.ListEscalations(ctx, alertID)
}

// getAlert 读取并做租户校验（仓库未命中统一映射为 ErrAlertNotFound）
func (s *AlertService) getAlert(ctx context.Context, tenantID, alertID string) (*models.Alert, error) {
	alert, err := s.alerts.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// mapTransitionError 仓库层转移失败映射为业务错误
func (s *AlertService) mapTransitionError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrAlertNotFound
	case errors.Is(err, repository.ErrStaleStatus):
		return ErrInvalidTransition
	default:
		return fmt.Errorf("failed to transition alert: %w", err)
	}
}

// notifyStatusChange 状态变更通知（配置启用 notify_on_status_change 时发给全部收件人）
func (s *AlertService) notifyStatusChange(ctx context.Context, alert *models.Alert) {
	cfg, err := s.resolver.Resolve(ctx, alert.TenantID, nil, alert.AlertType)
	if err != nil {
		return
	}
	if !cfg.NotifyOnStatusChange {
		return
	}

	recipients := append([]models.Recipient{}, cfg.PrimaryRecipients...)
	recipients = append(recipients, cfg.EscalationRecipients...)

	s.dispatcher.Dispatch(ctx, alert.AlertID,
		recipients, cfg.NotificationChannels,
		notifier.SubjectForStatusChange(alert, alert.Status),
		notifier.BuildMessage(alert, fmt.Sprintf("status changed to %s", alert.Status)),
	)
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleet-sos/internal/models"
	"fleet-sos/internal/notifier"
	"fleet-sos/internal/repository"
	"fleet-sos/internal/resolver"
)

// AlertConfigService 告警配置管理服务
// 任何写操作成功后整体失效该租户的解析缓存
type AlertConfigService struct {
	configs  repository.AlertConfigsRepository
	resolver *resolver.Resolver
	sender   notifier.Sender
	logger   *zap.Logger

	now func() time.Time
}

// NewAlertConfigService 创建配置服务
func NewAlertConfigService(
	configs repository.AlertConfigsRepository,
	rsv *resolver.Resolver,
	sender notifier.Sender,
	logger *zap.Logger,
) *AlertConfigService {
	return &AlertConfigService{
		configs:  configs,
		resolver: rsv,
		sender:   sender,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateConfig 创建配置
func (s *AlertConfigService) CreateConfig(ctx context.Context, tenantID string, cfg *models.AlertConfiguration) (*models.AlertConfiguration, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrValidation)
	}
	cfg.TenantID = tenantID
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := s.now()
	if cfg.ConfigID == "" {
		cfg.ConfigID = uuid.New().String()
	}
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	if cfg.EnableEscalation && cfg.EscalationThresholdSeconds == 0 {
		cfg.EscalationThresholdSeconds = 300
	}

	if err := s.configs.CreateConfig(ctx, tenantID, cfg); err != nil {
		return nil, fmt.Errorf("failed to create configuration: %w", err)
	}

	s.invalidate(ctx, tenantID)
	s.logger.Info("Alert configuration created",
		zap.String("tenant_id", tenantID),
		zap.String("config_id", cfg.ConfigID),
		zap.String("config_name", cfg.Name),
	)
	return cfg, nil
}

// GetConfig 获取配置
func (s *AlertConfigService) GetConfig(ctx context.Context, tenantID, configID string) (*models.AlertConfiguration, error) {
	cfg, err := s.configs.GetConfig(ctx, tenantID, configID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return cfg, nil
}

// ListConfigs 列表查询
func (s *AlertConfigService) ListConfigs(ctx context.Context, tenantID string, teamID *string, activeOnly bool) ([]*models.AlertConfiguration, error) {
	return s.configs.ListConfigs(ctx, tenantID, teamID, activeOnly)
}

// UpdateConfigRequest 部分更新入参（nil 字段保持不变）
type UpdateConfigRequest struct {
	Name                       *string
	Description                *string
	ApplicableAlertTypes       []models.AlertType
	PrimaryRecipients          []models.Recipient
	EnableEscalation           *bool
	EscalationThresholdSeconds *int
	EscalationRecipients       []models.Recipient
	NotificationChannels       []models.NotificationChannel
	NotifyOnStatusChange       *bool
	NotifyOnEscalation         *bool
	AutoCloseFalseAlarmSeconds *int
	RequireClosureNotes        *bool
	EmergencyContacts          []models.EmergencyContact
	Priority                   *int
	IsActive                   *bool
	UpdatedBy                  *string
}

// UpdateConfig 部分更新配置
func (s *AlertConfigService) UpdateConfig(ctx context.Context, tenantID, configID string, req UpdateConfigRequest) (*models.AlertConfiguration, error) {
	existing, err := s.GetConfig(ctx, tenantID, configID)
	if err != nil {
		return nil, err
	}

	// 收件人渠道必须落在更新后的 notification_channels 内（保留的收件人同样受约束）
	channels := existing.NotificationChannels
	if req.NotificationChannels != nil {
		channels = req.NotificationChannels
	}

	updates := map[string]interface{}{}

	if req.Name != nil {
		updates["config_name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.ApplicableAlertTypes != nil {
		data, err := json.Marshal(req.ApplicableAlertTypes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal applicable_alert_types: %w", err)
		}
		updates["applicable_alert_types"] = data
	}
	if req.PrimaryRecipients != nil {
		for i := range req.PrimaryRecipients {
			if err := req.PrimaryRecipients[i].Validate(channels); err != nil {
				return nil, fmt.Errorf("%w: primary_recipients[%d]: %v", ErrValidation, i, err)
			}
		}
		data, err := json.Marshal(req.PrimaryRecipients)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal primary_recipients: %w", err)
		}
		updates["primary_recipients"] = data
	}
	if req.EnableEscalation != nil {
		updates["enable_escalation"] = *req.EnableEscalation
	}
	if req.EscalationThresholdSeconds != nil {
		if *req.EscalationThresholdSeconds <= 0 {
			return nil, fmt.Errorf("%w: escalation_threshold_seconds must be positive", ErrValidation)
		}
		updates["escalation_threshold_seconds"] = *req.EscalationThresholdSeconds
	}
	if req.EscalationRecipients != nil {
		for i := range req.EscalationRecipients {
			if err := req.EscalationRecipients[i].Validate(channels); err != nil {
				return nil, fmt.Errorf("%w: escalation_recipients[%d]: %v", ErrValidation, i, err)
			}
		}
		data, err := json.Marshal(req.EscalationRecipients)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal escalation_recipients: %w", err)
		}
		updates["escalation_recipients"] = data
	}
	if req.NotificationChannels != nil {
		for _, ch := range req.NotificationChannels {
			if !models.ValidChannel(ch) {
				return nil, fmt.Errorf("%w: unknown notification channel %q", ErrValidation, ch)
			}
		}
		// 渠道收窄时保留的收件人不能越界
		if req.PrimaryRecipients == nil {
			for i := range existing.PrimaryRecipients {
				if err := existing.PrimaryRecipients[i].Validate(channels); err != nil {
					return nil, fmt.Errorf("%w: primary_recipients[%d]: %v", ErrValidation, i, err)
				}
			}
		}
		if req.EscalationRecipients == nil {
			for i := range existing.EscalationRecipients {
				if err := existing.EscalationRecipients[i].Validate(channels); err != nil {
					return nil, fmt.Errorf("%w: escalation_recipients[%d]: %v", ErrValidation, i, err)
				}
			}
		}
		data, err := json.Marshal(req.NotificationChannels)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notification_channels: %w", err)
		}
		updates["notification_channels"] = data
	}
	if req.NotifyOnStatusChange != nil {
		updates["notify_on_status_change"] = *req.NotifyOnStatusChange
	}
	if req.NotifyOnEscalation != nil {
		updates["notify_on_escalation"] = *req.NotifyOnEscalation
	}
	if req.AutoCloseFalseAlarmSeconds != nil {
		if *req.AutoCloseFalseAlarmSeconds <= 0 {
			return nil, fmt.Errorf("%w: auto_close_false_alarm_seconds must be positive", ErrValidation)
		}
		updates["auto_close_false_alarm_seconds"] = *req.AutoCloseFalseAlarmSeconds
	}
	if req.RequireClosureNotes != nil {
		updates["require_closure_notes"] = *req.RequireClosureNotes
	}
	if req.EmergencyContacts != nil {
		data, err := json.Marshal(req.EmergencyContacts)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal emergency_contacts: %w", err)
		}
		updates["emergency_contacts"] = data
	}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.UpdatedBy != nil {
		updates["updated_by"] = *req.UpdatedBy
	}

	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no fields to update", ErrValidation)
	}

	if err := s.configs.UpdateConfig(ctx, tenantID, configID, updates); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to update configuration: %w", err)
	}

	s.invalidate(ctx, tenantID)
	s.logger.Info("Alert configuration updated",
		zap.String("tenant_id", tenantID),
		zap.String("config_id", configID),
	)
	return s.GetConfig(ctx, tenantID, configID)
}

// DeleteConfig 软删除配置（标记 is_active=false，历史告警不受影响）
func (s *AlertConfigService) DeleteConfig(ctx context.Context, tenantID, configID string, deletedBy *string) error {
	if err := s.configs.DeactivateConfig(ctx, tenantID, configID, deletedBy); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrConfigNotFound
		}
		return fmt.Errorf("failed to deactivate configuration: %w", err)
	}

	s.invalidate(ctx, tenantID)
	s.logger.Info("Alert configuration deactivated",
		zap.String("tenant_id", tenantID),
		zap.String("config_id", configID),
	)
	return nil
}

// TestDelivery 测试通知的单次投递结果
type TestDelivery struct {
	RecipientName string                     `json:"recipient_name"`
	Channel       models.NotificationChannel `json:"channel"`
	Sent          bool                       `json:"sent"`
	Error         *string                    `json:"error,omitempty"`
}

// TestNotificationResult 测试通知结果
type TestNotificationResult struct {
	ConfigID   string         `json:"config_id"`
	DryRun     bool           `json:"dry_run"`
	Deliveries []TestDelivery `json:"deliveries"`
}

// TestNotification 测试配置的通知路由
// dryRun 时仅展开投递计划不实际发送；非 dryRun 时向一级收件人发送测试消息
func (s *AlertConfigService) TestNotification(ctx context.Context, tenantID, configID string, dryRun bool) (*TestNotificationResult, error) {
	cfg, err := s.GetConfig(ctx, tenantID, configID)
	if err != nil {
		return nil, err
	}

	subject := fmt.Sprintf("Test notification - %s", cfg.Name)
	message := fmt.Sprintf("This is a test notification for alert configuration %q. No action is required.", cfg.Name)

	result := &TestNotificationResult{
		ConfigID:   configID,
		DryRun:     dryRun,
		Deliveries: []TestDelivery{},
	}

	for _, dv := range notifier.FanOut(cfg.PrimaryRecipients, cfg.NotificationChannels) {
		delivery := TestDelivery{RecipientName: dv.Recipient.Name, Channel: dv.Channel}

		if !dryRun {
			if err := s.sender.Send(ctx, dv.Recipient, dv.Channel, subject, message); err != nil {
				reason := err.Error()
				delivery.Error = &reason
			} else {
				delivery.Sent = true
			}
		}
		result.Deliveries = append(result.Deliveries, delivery)
	}

	s.logger.Info("Test notification executed",
		zap.String("tenant_id", tenantID),
		zap.String("config_id", configID),
		zap.Bool("dry_run", dryRun),
		zap.Int("deliveries", len(result.Deliveries)),
	)
	return result, nil
}

// invalidate 失效租户的解析缓存（失败仅记日志，TTL 会兜底）
func (s *AlertConfigService) invalidate(ctx context.Context, tenantID string) {
	if s.resolver == nil {
		return
	}
	if err := s.resolver.InvalidateTenant(ctx, tenantID); err != nil {
		s.logger.Warn("Failed to invalidate resolver cache",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
}

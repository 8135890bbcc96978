package models

import (
	"fmt"
	"time"
)

// Recipient 收件人（值对象，存储于配置的 JSONB 字段）
type Recipient struct {
	Name     string                `json:"name"`
	Email    string                `json:"email,omitempty"`
	Phone    string                `json:"phone,omitempty"`
	Role     string                `json:"role,omitempty"` // Manager, Security, Admin 等
	Channels []NotificationChannel `json:"channels"`
}

// Validate 校验收件人（配置写入时执行，避免派发时才发现脏数据）
// allowedChannels 为空时不限制渠道归属
func (r *Recipient) Validate(allowedChannels []NotificationChannel) error {
	if r.Name == "" {
		return fmt.Errorf("recipient name is required")
	}
	if r.Email == "" && r.Phone == "" {
		return fmt.Errorf("recipient %q must have email or phone", r.Name)
	}
	if len(r.Channels) == 0 {
		return fmt.Errorf("recipient %q must have at least one channel", r.Name)
	}
	for _, ch := range r.Channels {
		if !ValidChannel(ch) {
			return fmt.Errorf("recipient %q has unknown channel %q", r.Name, ch)
		}
		if len(allowedChannels) > 0 && !containsChannel(allowedChannels, ch) {
			return fmt.Errorf("recipient %q channel %q is not in the configuration's notification_channels", r.Name, ch)
		}
	}
	return nil
}

// EmergencyContact 紧急联系人（仅用于展示，不参与通知派发）
type EmergencyContact struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Service string `json:"service,omitempty"` // Police, Ambulance, Fire 等
}

// AlertConfiguration 告警路由与升级策略（对应 alert_configurations 表）
// 作用域 = (tenant_id, team_id)，team_id 为空表示租户级配置
type AlertConfiguration struct {
	// 主键和作用域
	ConfigID string  `db:"config_id"` // UUID, PRIMARY KEY
	TenantID string  `db:"tenant_id"` // VARCHAR(50), NOT NULL
	TeamID   *string `db:"team_id"`   // UUID, nullable（NULL = 租户级）

	Name        string `db:"config_name"` // VARCHAR(200), NOT NULL
	Description string `db:"description"` // TEXT

	// 生效的告警类型（空 = 全部类型）
	ApplicableAlertTypes []AlertType `db:"applicable_alert_types"` // JSONB

	// 一级收件人
	PrimaryRecipients []Recipient `db:"primary_recipients"` // JSONB, NOT NULL

	// 升级规则
	EnableEscalation           bool        `db:"enable_escalation"`
	EscalationThresholdSeconds int         `db:"escalation_threshold_seconds"` // 默认 300秒
	EscalationRecipients       []Recipient `db:"escalation_recipients"`        // JSONB

	// 通知偏好
	NotificationChannels []NotificationChannel `db:"notification_channels"` // JSONB, NOT NULL
	NotifyOnStatusChange bool                  `db:"notify_on_status_change"`
	NotifyOnEscalation   bool                  `db:"notify_on_escalation"`

	// 高级设置
	AutoCloseFalseAlarmSeconds *int `db:"auto_close_false_alarm_seconds"` // 快速解决视作误报自动关闭
	RequireClosureNotes        bool `db:"require_closure_notes"`

	// 紧急联系人（仅展示）
	EmergencyContacts []EmergencyContact `db:"emergency_contacts"` // JSONB

	Priority int  `db:"priority"`  // 数值越大优先级越高
	IsActive bool `db:"is_active"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	CreatedBy *string   `db:"created_by"`
	UpdatedBy *string   `db:"updated_by"`
}

// AppliesTo 配置是否适用于指定告警类型（空列表 = 匹配全部）
func (c *AlertConfiguration) AppliesTo(t AlertType) bool {
	if len(c.ApplicableAlertTypes) == 0 {
		return true
	}
	for _, at := range c.ApplicableAlertTypes {
		if at == t {
			return true
		}
	}
	return false
}

// Validate 校验配置完整性（写入时执行）
func (c *AlertConfiguration) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("config_name is required")
	}
	if len(c.NotificationChannels) == 0 {
		return fmt.Errorf("notification_channels must not be empty")
	}
	for _, ch := range c.NotificationChannels {
		if !ValidChannel(ch) {
			return fmt.Errorf("unknown notification channel %q", ch)
		}
	}
	for _, t := range c.ApplicableAlertTypes {
		if !ValidAlertType(t) {
			return fmt.Errorf("unknown alert type %q", t)
		}
	}
	if len(c.PrimaryRecipients) == 0 {
		return fmt.Errorf("primary_recipients must not be empty")
	}
	for i := range c.PrimaryRecipients {
		if err := c.PrimaryRecipients[i].Validate(c.NotificationChannels); err != nil {
			return fmt.Errorf("primary_recipients[%d]: %w", i, err)
		}
	}
	if c.EnableEscalation {
		if c.EscalationThresholdSeconds <= 0 {
			return fmt.Errorf("escalation_threshold_seconds must be positive when escalation is enabled")
		}
		if len(c.EscalationRecipients) == 0 {
			return fmt.Errorf("escalation_recipients must not be empty when escalation is enabled")
		}
	}
	for i := range c.EscalationRecipients {
		if err := c.EscalationRecipients[i].Validate(c.NotificationChannels); err != nil {
			return fmt.Errorf("escalation_recipients[%d]: %w", i, err)
		}
	}
	if c.AutoCloseFalseAlarmSeconds != nil && *c.AutoCloseFalseAlarmSeconds <= 0 {
		return fmt.Errorf("auto_close_false_alarm_seconds must be positive when set")
	}
	return nil
}

func containsChannel(list []NotificationChannel, ch NotificationChannel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

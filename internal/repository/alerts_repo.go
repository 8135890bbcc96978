package repository

import (
	"context"
	"time"

	"fleet-sos/internal/models"
)

// AlertFilters 告警查询过滤条件
type AlertFilters struct {
	// 触发人/行程过滤
	EmployeeID *string // 员工ID
	BookingID  *string // 预订ID

	// 状态过滤
	Status   *string  // 单个状态
	Statuses []string // 状态列表（IN 查询）

	// 类型和级别过滤
	AlertType *string // 告警类型
	Severity  *string // 严重级别

	// 时间段过滤
	StartTime *time.Time // 开始时间（triggered_at >= StartTime）
	EndTime   *time.Time // 结束时间（triggered_at <= EndTime）

	// 误报过滤
	IsFalseAlarm *bool
}

// AlertsRepository 告警仓库接口
type AlertsRepository interface {
	// 创建告警（员工存在未关闭告警时返回 ErrActiveAlertExists）
	CreateAlert(ctx context.Context, tenantID string, alert *models.Alert) error

	// 获取单个告警（需验证 tenant_id，未命中返回 ErrNotFound）
	GetAlert(ctx context.Context, tenantID, alertID string) (*models.Alert, error)

	// 列表查询（支持多条件过滤、分页，按 triggered_at 倒序）
	ListAlerts(ctx context.Context, tenantID string, filters AlertFilters, page, size int) ([]*models.Alert, int, error)

	// 获取员工当前未关闭的告警（不存在时返回 nil, nil）
	GetActiveAlertByEmployee(ctx context.Context, tenantID, employeeID string) (*models.Alert, error)

	// 扫描所有租户的非终态告警（升级调度器输入，按 triggered_at 升序）
	ListOpenAlerts(ctx context.Context, limit int) ([]*models.Alert, error)

	// 条件状态转移（compare-and-swap）：仅当当前状态在 fromStatuses 内时应用 updates。
	// 0 行命中时区分两种失败：告警不存在（ErrNotFound）或状态已被并发修改（ErrStaleStatus）
	TransitionAlert(ctx context.Context, tenantID, alertID string, fromStatuses []string, updates map[string]interface{}) error
}

// EscalationsRepository 升级记录仓库接口
type EscalationsRepository interface {
	// 创建升级记录（(alert_id, level) 冲突时返回 ErrEscalationLevelExists）
	CreateEscalation(ctx context.Context, esc *models.Escalation) error

	// 获取告警的全部升级记录（按 escalated_at 升序）
	ListEscalations(ctx context.Context, alertID string) ([]*models.Escalation, error)

	// 获取告警当前最高升级级别及其时间（无升级记录时返回 0, nil）
	MaxEscalationLevel(ctx context.Context, alertID string) (int, *time.Time, error)
}

// NotificationsRepository 通知记录仓库接口
type NotificationsRepository interface {
	// 创建通知记录
	CreateNotification(ctx context.Context, n *models.Notification) error

	// 更新通知投递状态（SENT 时记录 sent_at，DELIVERED 时记录 delivered_at，
	// FAILED/BOUNCED 时记录 failure_reason）
	UpdateNotificationStatus(ctx context.Context, notificationID string, status models.NotificationStatus, failureReason *string) error

	// 获取告警的全部通知记录（按 created_at 升序）
	ListNotifications(ctx context.Context, alertID string) ([]*models.Notification, error)
}

// AlertConfigsRepository 告警配置仓库接口
type AlertConfigsRepository interface {
	// 创建配置
	CreateConfig(ctx context.Context, tenantID string, cfg *models.AlertConfiguration) error

	// 获取单个配置（需验证 tenant_id，未命中返回 ErrNotFound）
	GetConfig(ctx context.Context, tenantID, configID string) (*models.AlertConfiguration, error)

	// 列表查询（可按 team_id 过滤；activeOnly 时仅返回 is_active 的配置，
	// 按 priority 倒序）
	ListConfigs(ctx context.Context, tenantID string, teamID *string, activeOnly bool) ([]*models.AlertConfiguration, error)

	// 获取租户的全部生效配置（解析器输入）
	ListActiveConfigs(ctx context.Context, tenantID string) ([]*models.AlertConfiguration, error)

	// 部分更新（allow-list 字段）
	UpdateConfig(ctx context.Context, tenantID, configID string, updates map[string]interface{}) error

	// 软删除（标记 is_active=false，历史告警不受影响）
	DeactivateConfig(ctx context.Context, tenantID, configID string, updatedBy *string) error
}

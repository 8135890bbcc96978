package models

import (
	"time"
)

// AlertStatus 告警生命周期状态
type AlertStatus string

const (
	StatusTriggered    AlertStatus = "TRIGGERED"    // 初始状态（SOS 按下）
	StatusAcknowledged AlertStatus = "ACKNOWLEDGED" // 响应人已确认
	StatusInProgress   AlertStatus = "IN_PROGRESS"  // 处理中
	StatusResolved     AlertStatus = "RESOLVED"     // 已解决，待关闭
	StatusClosed       AlertStatus = "CLOSED"       // 已关闭（含误报关闭，见 is_false_alarm）
)

// IsTerminal 是否为终态（终态告警不再接受任何状态变更）
func (s AlertStatus) IsTerminal() bool {
	return s == StatusClosed
}

// ActiveStatuses 非终态状态列表（用于 SQL IN 查询）
func ActiveStatuses() []string {
	return []string{
		string(StatusTriggered),
		string(StatusAcknowledged),
		string(StatusInProgress),
		string(StatusResolved),
	}
}

// AlertSeverity 告警严重级别
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "CRITICAL"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityLow      AlertSeverity = "LOW"
)

// ValidSeverity 校验严重级别取值
func ValidSeverity(s AlertSeverity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// AlertType 告警类型
type AlertType string

const (
	TypeSOS            AlertType = "SOS"             // 紧急求救按钮
	TypeSafetyConcern  AlertType = "SAFETY_CONCERN"  // 安全隐患上报
	TypeRouteDeviation AlertType = "ROUTE_DEVIATION" // 车辆偏离路线
	TypeDelayed        AlertType = "DELAYED"         // 严重延误
	TypeAccident       AlertType = "ACCIDENT"        // 交通事故
	TypeMedical        AlertType = "MEDICAL"         // 医疗紧急情况
	TypeOther          AlertType = "OTHER"
)

// ValidAlertType 校验告警类型取值
func ValidAlertType(t AlertType) bool {
	switch t {
	case TypeSOS, TypeSafetyConcern, TypeRouteDeviation, TypeDelayed, TypeAccident, TypeMedical, TypeOther:
		return true
	}
	return false
}

// NotificationChannel 通知渠道
type NotificationChannel string

const (
	ChannelEmail    NotificationChannel = "EMAIL"
	ChannelSMS      NotificationChannel = "SMS"
	ChannelPush     NotificationChannel = "PUSH"
	ChannelVoice    NotificationChannel = "VOICE"
	ChannelWhatsApp NotificationChannel = "WHATSAPP"
)

// ValidChannel 校验通知渠道取值
func ValidChannel(c NotificationChannel) bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelVoice, ChannelWhatsApp:
		return true
	}
	return false
}

// NotificationStatus 通知投递状态
type NotificationStatus string

const (
	NotifyPending   NotificationStatus = "PENDING"
	NotifySent      NotificationStatus = "SENT"
	NotifyDelivered NotificationStatus = "DELIVERED"
	NotifyFailed    NotificationStatus = "FAILED"
	NotifyBounced   NotificationStatus = "BOUNCED"
)

// Alert 告警领域模型（对应 alerts 表）
type Alert struct {
	// 主键
	AlertID string `db:"alert_id"` // UUID, PRIMARY KEY

	// 租户和触发人
	TenantID   string  `db:"tenant_id"`   // VARCHAR(50), NOT NULL
	EmployeeID string  `db:"employee_id"` // UUID, NOT NULL（触发告警的员工）
	BookingID  *string `db:"booking_id"`  // UUID, nullable（关联的行程预订）

	// 告警属性
	AlertType AlertType     `db:"alert_type"` // VARCHAR(30), NOT NULL
	Severity  AlertSeverity `db:"severity"`   // VARCHAR(20), NOT NULL
	Status    AlertStatus   `db:"status"`     // VARCHAR(20), NOT NULL

	// 触发位置
	TriggerLatitude  float64  `db:"trigger_latitude"`
	TriggerLongitude float64  `db:"trigger_longitude"`
	TriggerNotes     *string  `db:"trigger_notes"` // TEXT, nullable
	EvidenceURLs     []string `db:"evidence_urls"` // JSONB（照片/录音等附件地址）

	// 时间信息
	TriggeredAt    time.Time  `db:"triggered_at"`    // TIMESTAMPTZ, NOT NULL
	AcknowledgedAt *time.Time `db:"acknowledged_at"` // TIMESTAMPTZ, nullable，一经设置不可变
	ResolvedAt     *time.Time `db:"resolved_at"`     // TIMESTAMPTZ, nullable，进入 RESOLVED 时设置
	ClosedAt       *time.Time `db:"closed_at"`       // TIMESTAMPTZ, nullable，一经设置不可变

	// 确认信息
	AcknowledgedBy          *string `db:"acknowledged_by"`           // UUID, nullable
	AcknowledgedByName      *string `db:"acknowledged_by_name"`      // VARCHAR(255), nullable
	AcknowledgmentNotes     *string `db:"acknowledgment_notes"`      // TEXT, nullable
	EstimatedArrivalMinutes *int    `db:"estimated_arrival_minutes"` // 响应人预计到达时间

	// 关闭信息
	ClosedBy        *string `db:"closed_by"`        // UUID, nullable
	ClosedByName    *string `db:"closed_by_name"`   // VARCHAR(255), nullable
	ResolutionNotes *string `db:"resolution_notes"` // TEXT, nullable

	// 派生指标
	ResponseTimeSeconds   *int `db:"response_time_seconds"`   // acknowledged_at - triggered_at
	ResolutionTimeSeconds *int `db:"resolution_time_seconds"` // closed_at - triggered_at

	// 标志位
	IsFalseAlarm  bool `db:"is_false_alarm"`
	AutoEscalated bool `db:"auto_escalated"`

	// 时间戳
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Escalation 升级记录（告警的子实体，创建后不可变）
type Escalation struct {
	EscalationID string      `db:"escalation_id"` // UUID, PRIMARY KEY
	AlertID      string      `db:"alert_id"`      // UUID, NOT NULL
	Level        int         `db:"escalation_level"` // 1, 2, 3... 每个告警内严格递增
	EscalatedTo  []Recipient `db:"escalated_to"`  // JSONB（收件人快照）
	EscalatedAt  time.Time   `db:"escalated_at"`  // TIMESTAMPTZ, NOT NULL
	Reason       *string     `db:"reason"`        // TEXT, nullable
	IsAutomatic  bool        `db:"is_automatic"`
	CreatedAt    time.Time   `db:"created_at"`
}

// Notification 通知记录（告警的子实体）
type Notification struct {
	NotificationID string `db:"notification_id"` // UUID, PRIMARY KEY
	AlertID        string `db:"alert_id"`        // UUID, NOT NULL

	// 收件人信息（快照，不引用配置）
	RecipientName  string  `db:"recipient_name"`
	RecipientEmail *string `db:"recipient_email"`
	RecipientPhone *string `db:"recipient_phone"`
	RecipientRole  *string `db:"recipient_role"`

	Channel NotificationChannel `db:"channel"`
	Status  NotificationStatus  `db:"status"`

	Subject string `db:"subject"`
	Message string `db:"message"`

	// 投递追踪
	SentAt        *time.Time `db:"sent_at"`
	DeliveredAt   *time.Time `db:"delivered_at"`
	FailureReason *string    `db:"failure_reason"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

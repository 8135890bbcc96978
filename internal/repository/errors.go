package repository

import "errors"

// 仓库层哨兵错误（服务层据此映射到面向调用方的错误分类）
var (
	// ErrNotFound 记录不存在或不属于该租户（跨租户访问统一按不存在处理，避免泄露存在性）
	ErrNotFound = errors.New("record not found")

	// ErrStaleStatus 条件更新未命中：告警存在但状态不在期望的源状态集合内
	// （并发转移竞争中落败的一方会收到此错误）
	ErrStaleStatus = errors.New("alert status changed concurrently")

	// ErrActiveAlertExists 员工已有未关闭的告警（唯一约束 uq_alerts_active_employee）
	ErrActiveAlertExists = errors.New("employee already has an active alert")

	// ErrEscalationLevelExists 该告警已存在同级别升级记录（唯一约束 uq_escalations_alert_level）
	ErrEscalationLevelExists = errors.New("escalation level already exists for alert")
)

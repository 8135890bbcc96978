package service

import "errors"

// 业务错误码，调用方（HTTP 层等）据此映射响应
var (
	// ErrAlertNotFound 告警不存在（含跨租户访问，视同不存在）
	ErrAlertNotFound = errors.New("alert not found")

	// ErrConfigNotFound 配置不存在
	ErrConfigNotFound = errors.New("alert configuration not found")

	// ErrActiveAlertExists 员工已有未关闭的告警
	ErrActiveAlertExists = errors.New("employee already has an active alert")

	// ErrNoConfigurationFound 租户无匹配的生效配置（配置缺口，非系统故障）
	ErrNoConfigurationFound = errors.New("no alert configuration found for tenant")

	// ErrInvalidTransition 非法状态转移
	ErrInvalidTransition = errors.New("invalid alert status transition")

	// ErrClosureNotesRequired 配置要求关闭备注但未提供
	ErrClosureNotesRequired = errors.New("closure notes are required")

	// ErrEscalationLevelConflict 升级级别已存在或不连续
	ErrEscalationLevelConflict = errors.New("escalation level conflict")

	// ErrValidation 入参校验失败
	ErrValidation = errors.New("validation failed")
)

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"fleet-sos/internal/models"

	"go.uber.org/zap"
)

// PostgresAlertConfigsRepository 告警配置仓库 PostgreSQL 实现
type PostgresAlertConfigsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAlertConfigsRepository 创建告警配置仓库
func NewPostgresAlertConfigsRepository(db *sql.DB, logger *zap.Logger) *PostgresAlertConfigsRepository {
	return &PostgresAlertConfigsRepository{
		db:     db,
		logger: logger,
	}
}

// 确保实现了接口
var _ AlertConfigsRepository = (*PostgresAlertConfigsRepository)(nil)

// configColumns 配置表的查询列（与 scanConfig 的字段顺序保持一致）
const configColumns = `
	config_id,
	tenant_id,
	team_id,
	config_name,
	description,
	applicable_alert_types,
	primary_recipients,
	enable_escalation,
	escalation_threshold_seconds,
	escalation_recipients,
	notification_channels,
	notify_on_status_change,
	notify_on_escalation,
	auto_close_false_alarm_seconds,
	require_closure_notes,
	emergency_contacts,
	priority,
	is_active,
	created_at,
	updated_at,
	created_by,
	updated_by`

// scanConfig 扫描单行配置（处理可空列和 JSONB 列）
func scanConfig(row rowScanner) (*models.AlertConfiguration, error) {
	var cfg models.AlertConfiguration
	var teamID, createdBy, updatedBy sql.NullString
	var description sql.NullString
	var autoClose sql.NullInt64
	var applicableTypes, primaryRecipients, escalationRecipients []byte
	var channels, emergencyContacts []byte

	err := row.Scan(
		&cfg.ConfigID,
		&cfg.TenantID,
		&teamID,
		&cfg.Name,
		&description,
		&applicableTypes,
		&primaryRecipients,
		&cfg.EnableEscalation,
		&cfg.EscalationThresholdSeconds,
		&escalationRecipients,
		&channels,
		&cfg.NotifyOnStatusChange,
		&cfg.NotifyOnEscalation,
		&autoClose,
		&cfg.RequireClosureNotes,
		&emergencyContacts,
		&cfg.Priority,
		&cfg.IsActive,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
		&createdBy,
		&updatedBy,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if teamID.Valid {
		cfg.TeamID = &teamID.String
	}
	if description.Valid {
		cfg.Description = description.String
	}
	if autoClose.Valid {
		v := int(autoClose.Int64)
		cfg.AutoCloseFalseAlarmSeconds = &v
	}
	if createdBy.Valid {
		cfg.CreatedBy = &createdBy.String
	}
	if updatedBy.Valid {
		cfg.UpdatedBy = &updatedBy.String
	}

	// 处理 JSONB 字段
	if len(applicableTypes) > 0 {
		if err := json.Unmarshal(applicableTypes, &cfg.ApplicableAlertTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal applicable_alert_types: %w", err)
		}
	}
	if len(primaryRecipients) > 0 {
		if err := json.Unmarshal(primaryRecipients, &cfg.PrimaryRecipients); err != nil {
			return nil, fmt.Errorf("failed to unmarshal primary_recipients: %w", err)
		}
	}
	if len(escalationRecipients) > 0 {
		if err := json.Unmarshal(escalationRecipients, &cfg.EscalationRecipients); err != nil {
			return nil, fmt.Errorf("failed to unmarshal escalation_recipients: %w", err)
		}
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &cfg.NotificationChannels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification_channels: %w", err)
		}
	}
	if len(emergencyContacts) > 0 {
		if err := json.Unmarshal(emergencyContacts, &cfg.EmergencyContacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal emergency_contacts: %w", err)
		}
	}

	return &cfg, nil
}

// CreateConfig 创建配置
func (r *PostgresAlertConfigsRepository) CreateConfig(ctx context.Context, tenantID string, cfg *models.AlertConfiguration) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.TenantID != tenantID {
		return fmt.Errorf("config.tenant_id must match tenant_id parameter")
	}

	applicableTypes, err := json.Marshal(cfg.ApplicableAlertTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal applicable_alert_types: %w", err)
	}
	primaryRecipients, err := json.Marshal(cfg.PrimaryRecipients)
	if err != nil {
		return fmt.Errorf("failed to marshal primary_recipients: %w", err)
	}
	escalationRecipients, err := json.Marshal(cfg.EscalationRecipients)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation_recipients: %w", err)
	}
	channels, err := json.Marshal(cfg.NotificationChannels)
	if err != nil {
		return fmt.Errorf("failed to marshal notification_channels: %w", err)
	}
	emergencyContacts, err := json.Marshal(cfg.EmergencyContacts)
	if err != nil {
		return fmt.Errorf("failed to marshal emergency_contacts: %w", err)
	}

	query := `
		INSERT INTO alert_configurations (
			config_id,
			tenant_id,
			team_id,
			config_name,
			description,
			applicable_alert_types,
			primary_recipients,
			enable_escalation,
			escalation_threshold_seconds,
			escalation_recipients,
			notification_channels,
			notify_on_status_change,
			notify_on_escalation,
			auto_close_false_alarm_seconds,
			require_closure_notes,
			emergency_contacts,
			priority,
			is_active,
			created_at,
			updated_at,
			created_by,
			updated_by
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
	`

	_, err = r.db.ExecContext(ctx,
		query,
		cfg.ConfigID,
		cfg.TenantID,
		cfg.TeamID,
		cfg.Name,
		cfg.Description,
		applicableTypes,
		primaryRecipients,
		cfg.EnableEscalation,
		cfg.EscalationThresholdSeconds,
		escalationRecipients,
		channels,
		cfg.NotifyOnStatusChange,
		cfg.NotifyOnEscalation,
		cfg.AutoCloseFalseAlarmSeconds,
		cfg.RequireClosureNotes,
		emergencyContacts,
		cfg.Priority,
		cfg.IsActive,
		cfg.CreatedAt,
		cfg.UpdatedAt,
		cfg.CreatedBy,
		cfg.UpdatedBy,
	)

	if err != nil {
		return fmt.Errorf("failed to create alert configuration: %w", err)
	}

	return nil
}

// GetConfig 获取单个配置（需验证 tenant_id）
func (r *PostgresAlertConfigsRepository) GetConfig(ctx context.Context, tenantID, configID string) (*models.AlertConfiguration, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if configID == "" {
		return nil, fmt.Errorf("config_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alert_configurations
		WHERE config_id = $1
		  AND tenant_id = $2
	`, configColumns)

	cfg, err := scanConfig(r.db.QueryRowContext(ctx, query, configID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get alert configuration: %w", err)
	}

	return cfg, nil
}

// ListConfigs 列表查询（可按 team_id 过滤，按 priority 倒序）
func (r *PostgresAlertConfigsRepository) ListConfigs(ctx context.Context, tenantID string, teamID *string, activeOnly bool) ([]*models.AlertConfiguration, error) {
	if tenantID == "" {
		return []*models.AlertConfiguration{}, nil
	}

	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	argN := 2

	if teamID != nil {
		where = append(where, fmt.Sprintf("team_id = $%d", argN))
		args = append(args, *teamID)
		argN++
	}
	if activeOnly {
		where = append(where, "is_active = TRUE")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alert_configurations
		WHERE %s
		ORDER BY priority DESC, updated_at DESC
	`, configColumns, strings.Join(where, " AND "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert configurations: %w", err)
	}
	defer rows.Close()

	configs := []*models.AlertConfiguration{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert configuration: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert configurations: %w", err)
	}

	return configs, nil
}

// ListActiveConfigs 获取租户的全部生效配置（解析器输入）
func (r *PostgresAlertConfigsRepository) ListActiveConfigs(ctx context.Context, tenantID string) ([]*models.AlertConfiguration, error) {
	return r.ListConfigs(ctx, tenantID, nil, true)
}

// configAllowedFields 允许更新的字段
// JSONB 字段由调用方传入已序列化的 []byte
var configAllowedFields = map[string]bool{
	"config_name":                    true,
	"description":                    true,
	"team_id":                        true,
	"applicable_alert_types":         true,
	"primary_recipients":             true,
	"enable_escalation":              true,
	"escalation_threshold_seconds":   true,
	"escalation_recipients":          true,
	"notification_channels":          true,
	"notify_on_status_change":        true,
	"notify_on_escalation":           true,
	"auto_close_false_alarm_seconds": true,
	"require_closure_notes":          true,
	"emergency_contacts":             true,
	"priority":                       true,
	"is_active":                      true,
	"updated_by":                     true,
}

// UpdateConfig 部分更新（需验证 tenant_id）
func (r *PostgresAlertConfigsRepository) UpdateConfig(ctx context.Context, tenantID, configID string, updates map[string]interface{}) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if configID == "" {
		return fmt.Errorf("config_id is required")
	}
	if len(updates) == 0 {
		return fmt.Errorf("updates cannot be empty")
	}

	setParts := []string{}
	args := []interface{}{}
	argN := 1

	for field, value := range updates {
		if !configAllowedFields[field] {
			return fmt.Errorf("field '%s' is not allowed to update", field)
		}
		setParts = append(setParts, fmt.Sprintf("%s = $%d", field, argN))
		args = append(args, value)
		argN++
	}

	setParts = append(setParts, "updated_at = CURRENT_TIMESTAMP")

	args = append(args, configID, tenantID)
	query := fmt.Sprintf(`
		UPDATE alert_configurations
		SET %s
		WHERE config_id = $%d AND tenant_id = $%d
	`, strings.Join(setParts, ", "), argN, argN+1)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update alert configuration: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeactivateConfig 软删除（标记 is_active=false，历史告警不受影响）
func (r *PostgresAlertConfigsRepository) DeactivateConfig(ctx context.Context, tenantID, configID string, updatedBy *string) error {
	updates := map[string]interface{}{
		"is_active": false,
	}
	if updatedBy != nil {
		updates["updated_by"] = *updatedBy
	}
	return r.UpdateConfig(ctx, tenantID, configID, updates)
}

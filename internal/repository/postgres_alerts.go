package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"fleet-sos/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresAlertsRepository 告警仓库 PostgreSQL 实现
type PostgresAlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAlertsRepository 创建告警仓库
func NewPostgresAlertsRepository(db *sql.DB, logger *zap.Logger) *PostgresAlertsRepository {
	return &PostgresAlertsRepository{
		db:     db,
		logger: logger,
	}
}

// 确保实现了接口
var _ AlertsRepository = (*PostgresAlertsRepository)(nil)

// alertColumns 告警表的查询列（与 scanAlert 的字段顺序保持一致）
const alertColumns = `
	alert_id,
	tenant_id,
	employee_id,
	booking_id,
	alert_type,
	severity,
	status,
	trigger_latitude,
	trigger_longitude,
	trigger_notes,
	evidence_urls,
	triggered_at,
	acknowledged_at,
	acknowledged_by,
	acknowledged_by_name,
	acknowledgment_notes,
	estimated_arrival_minutes,
	resolved_at,
	closed_at,
	closed_by,
	closed_by_name,
	resolution_notes,
	response_time_seconds,
	resolution_time_seconds,
	is_false_alarm,
	auto_escalated,
	created_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAlert 扫描单行告警（处理可空列和 JSONB 列）
func scanAlert(row rowScanner) (*models.Alert, error) {
	var alert models.Alert
	var bookingID, triggerNotes sql.NullString
	var acknowledgedAt, resolvedAt, closedAt sql.NullTime
	var acknowledgedBy, acknowledgedByName, acknowledgmentNotes sql.NullString
	var closedBy, closedByName, resolutionNotes sql.NullString
	var estimatedArrival, responseTime, resolutionTime sql.NullInt64
	var evidenceURLs []byte

	err := row.Scan(
		&alert.AlertID,
		&alert.TenantID,
		&alert.EmployeeID,
		&bookingID,
		&alert.AlertType,
		&alert.Severity,
		&alert.Status,
		&alert.TriggerLatitude,
		&alert.TriggerLongitude,
		&triggerNotes,
		&evidenceURLs,
		&alert.TriggeredAt,
		&acknowledgedAt,
		&acknowledgedBy,
		&acknowledgedByName,
		&acknowledgmentNotes,
		&estimatedArrival,
		&resolvedAt,
		&closedAt,
		&closedBy,
		&closedByName,
		&resolutionNotes,
		&responseTime,
		&resolutionTime,
		&alert.IsFalseAlarm,
		&alert.AutoEscalated,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if bookingID.Valid {
		alert.BookingID = &bookingID.String
	}
	if triggerNotes.Valid {
		alert.TriggerNotes = &triggerNotes.String
	}
	if acknowledgedAt.Valid {
		alert.AcknowledgedAt = &acknowledgedAt.Time
	}
	if acknowledgedBy.Valid {
		alert.AcknowledgedBy = &acknowledgedBy.String
	}
	if acknowledgedByName.Valid {
		alert.AcknowledgedByName = &acknowledgedByName.String
	}
	if acknowledgmentNotes.Valid {
		alert.AcknowledgmentNotes = &acknowledgmentNotes.String
	}
	if estimatedArrival.Valid {
		v := int(estimatedArrival.Int64)
		alert.EstimatedArrivalMinutes = &v
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	if closedAt.Valid {
		alert.ClosedAt = &closedAt.Time
	}
	if closedBy.Valid {
		alert.ClosedBy = &closedBy.String
	}
	if closedByName.Valid {
		alert.ClosedByName = &closedByName.String
	}
	if resolutionNotes.Valid {
		alert.ResolutionNotes = &resolutionNotes.String
	}
	if responseTime.Valid {
		v := int(responseTime.Int64)
		alert.ResponseTimeSeconds = &v
	}
	if resolutionTime.Valid {
		v := int(resolutionTime.Int64)
		alert.ResolutionTimeSeconds = &v
	}

	// 处理 JSONB 字段
	if len(evidenceURLs) > 0 {
		if err := json.Unmarshal(evidenceURLs, &alert.EvidenceURLs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence_urls: %w", err)
		}
	}

	return &alert, nil
}

// CreateAlert 创建告警（员工已有未关闭告警时返回 ErrActiveAlertExists）
func (r *PostgresAlertsRepository) CreateAlert(ctx context.Context, tenantID string, alert *models.Alert) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.TenantID != tenantID {
		return fmt.Errorf("alert.tenant_id must match tenant_id parameter")
	}

	evidenceJSON, err := json.Marshal(alert.EvidenceURLs)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence_urls: %w", err)
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			tenant_id,
			employee_id,
			booking_id,
			alert_type,
			severity,
			status,
			trigger_latitude,
			trigger_longitude,
			trigger_notes,
			evidence_urls,
			triggered_at,
			is_false_alarm,
			auto_escalated,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	_, err = r.db.ExecContext(ctx,
		query,
		alert.AlertID,
		alert.TenantID,
		alert.EmployeeID,
		alert.BookingID,
		alert.AlertType,
		alert.Severity,
		alert.Status,
		alert.TriggerLatitude,
		alert.TriggerLongitude,
		alert.TriggerNotes,
		evidenceJSON,
		alert.TriggeredAt,
		alert.IsFalseAlarm,
		alert.AutoEscalated,
		alert.CreatedAt,
		alert.UpdatedAt,
	)

	if err != nil {
		// 唯一约束冲突：该员工已有未关闭的告警
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrActiveAlertExists
		}
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// GetAlert 根据 alert_id 获取单个告警（需验证 tenant_id）
func (r *PostgresAlertsRepository) GetAlert(ctx context.Context, tenantID, alertID string) (*models.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE alert_id = $1
		  AND tenant_id = $2
	`, alertColumns)

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// buildAlertWhere 构建 WHERE 子句（ListAlerts 等查询方法共用）
func buildAlertWhere(tenantID string, filters AlertFilters, args *[]interface{}, argN *int) []string {
	where := []string{fmt.Sprintf("tenant_id = $%d", *argN)}
	*args = append(*args, tenantID)
	*argN++

	if filters.EmployeeID != nil {
		where = append(where, fmt.Sprintf("employee_id = $%d", *argN))
		*args = append(*args, *filters.EmployeeID)
		*argN++
	}
	if filters.BookingID != nil {
		where = append(where, fmt.Sprintf("booking_id = $%d", *argN))
		*args = append(*args, *filters.BookingID)
		*argN++
	}
	if filters.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", *argN))
		*args = append(*args, *filters.Status)
		*argN++
	}
	if len(filters.Statuses) > 0 {
		where = append(where, fmt.Sprintf("status = ANY($%d)", *argN))
		*args = append(*args, pq.Array(filters.Statuses))
		*argN++
	}
	if filters.AlertType != nil {
		where = append(where, fmt.Sprintf("alert_type = $%d", *argN))
		*args = append(*args, *filters.AlertType)
		*argN++
	}
	if filters.Severity != nil {
		where = append(where, fmt.Sprintf("severity = $%d", *argN))
		*args = append(*args, *filters.Severity)
		*argN++
	}
	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("triggered_at >= $%d", *argN))
		*args = append(*args, *filters.StartTime)
		*argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("triggered_at <= $%d", *argN))
		*args = append(*args, *filters.EndTime)
		*argN++
	}
	if filters.IsFalseAlarm != nil {
		where = append(where, fmt.Sprintf("is_false_alarm = $%d", *argN))
		*args = append(*args, *filters.IsFalseAlarm)
		*argN++
	}

	return where
}

// ListAlerts 列表查询（支持多条件过滤、分页）
func (r *PostgresAlertsRepository) ListAlerts(ctx context.Context, tenantID string, filters AlertFilters, page, size int) ([]*models.Alert, int, error) {
	if tenantID == "" {
		return []*models.Alert{}, 0, nil
	}

	args := []interface{}{}
	argN := 1
	where := buildAlertWhere(tenantID, filters, &args, &argN)
	whereClause := "WHERE " + strings.Join(where, " AND ")

	// 计算总数
	queryCount := fmt.Sprintf(`SELECT COUNT(*) FROM alerts %s`, whereClause)

	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	// 分页处理
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		%s
		ORDER BY triggered_at DESC
		LIMIT $%d OFFSET $%d
	`, alertColumns, whereClause, argN, argN+1)

	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, total, nil
}

// GetActiveAlertByEmployee 获取员工当前未关闭的告警（不存在时返回 nil, nil）
func (r *PostgresAlertsRepository) GetActiveAlertByEmployee(ctx context.Context, tenantID, employeeID string) (*models.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if employeeID == "" {
		return nil, fmt.Errorf("employee_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE tenant_id = $1
		  AND employee_id = $2
		  AND status = ANY($3)
		ORDER BY triggered_at DESC
		LIMIT 1
	`, alertColumns)

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, tenantID, employeeID, pq.Array(models.ActiveStatuses())))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query active alert: %w", err)
	}

	return alert, nil
}

// ListOpenAlerts 扫描所有租户的非终态告警（升级调度器输入）
func (r *PostgresAlertsRepository) ListOpenAlerts(ctx context.Context, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 500
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE status = ANY($1)
		ORDER BY triggered_at ASC
		LIMIT $2
	`, alertColumns)

	rows, err := r.db.QueryContext(ctx, query, pq.Array(models.ActiveStatuses()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query open alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate open alerts: %w", err)
	}

	return alerts, nil
}

// transitionAllowedFields 状态转移允许更新的字段
var transitionAllowedFields = map[string]bool{
	"status":                    true,
	"acknowledged_at":           true,
	"acknowledged_by":           true,
	"acknowledged_by_name":      true,
	"acknowledgment_notes":      true,
	"estimated_arrival_minutes": true,
	"resolved_at":               true,
	"closed_at":                 true,
	"closed_by":                 true,
	"closed_by_name":            true,
	"resolution_notes":          true,
	"response_time_seconds":     true,
	"resolution_time_seconds":   true,
	"is_false_alarm":            true,
	"auto_escalated":            true,
}

// TransitionAlert 条件状态转移（compare-and-swap）
// 仅当当前状态在 fromStatuses 内时应用 updates，保证同一告警的转移串行化：
// 并发的两个转移恰好一个成功，另一个收到 ErrStaleStatus
func (r *PostgresAlertsRepository) TransitionAlert(ctx context.Context, tenantID, alertID string, fromStatuses []string, updates map[string]interface{}) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if len(fromStatuses) == 0 {
		return fmt.Errorf("fromStatuses cannot be empty")
	}
	if len(updates) == 0 {
		return fmt.Errorf("updates cannot be empty")
	}

	// 构建 SET 子句
	setParts := []string{}
	args := []interface{}{}
	argN := 1

	for field, value := range updates {
		if !transitionAllowedFields[field] {
			return fmt.Errorf("field '%s' is not allowed to update", field)
		}
		setParts = append(setParts, fmt.Sprintf("%s = $%d", field, argN))
		args = append(args, value)
		argN++
	}

	// 自动更新 updated_at
	setParts = append(setParts, "updated_at = CURRENT_TIMESTAMP")

	args = append(args, alertID, tenantID, pq.Array(fromStatuses))
	whereClause := fmt.Sprintf("alert_id = $%d AND tenant_id = $%d AND status = ANY($%d)", argN, argN+1, argN+2)

	query := fmt.Sprintf(`
		UPDATE alerts
		SET %s
		WHERE %s
	`, strings.Join(setParts, ", "), whereClause)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// 0 行命中：区分"告警不存在"与"状态已被并发修改"
	var currentStatus string
	err = r.db.QueryRowContext(ctx,
		`SELECT status FROM alerts WHERE alert_id = $1 AND tenant_id = $2`,
		alertID, tenantID,
	).Scan(&currentStatus)

	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to check alert status: %w", err)
	}

	r.logger.Debug("Alert transition lost the race",
		zap.String("alert_id", alertID),
		zap.String("current_status", currentStatus),
	)

	return ErrStaleStatus
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fleet-sos/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresEscalationsRepository 升级记录仓库 PostgreSQL 实现
type PostgresEscalationsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresEscalationsRepository 创建升级记录仓库
func NewPostgresEscalationsRepository(db *sql.DB, logger *zap.Logger) *PostgresEscalationsRepository {
	return &PostgresEscalationsRepository{
		db:     db,
		logger: logger,
	}
}

// 确保实现了接口
var _ EscalationsRepository = (*PostgresEscalationsRepository)(nil)

// CreateEscalation 创建升级记录
// (alert_id, escalation_level) 唯一约束保证并发调度器 tick 不会重复创建同级升级
func (r *PostgresEscalationsRepository) CreateEscalation(ctx context.Context, esc *models.Escalation) error {
	if esc == nil {
		return fmt.Errorf("escalation is required")
	}
	if esc.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if esc.Level < 1 {
		return fmt.Errorf("escalation_level must be >= 1")
	}

	recipientsJSON, err := json.Marshal(esc.EscalatedTo)
	if err != nil {
		return fmt.Errorf("failed to marshal escalated_to: %w", err)
	}

	query := `
		INSERT INTO alert_escalations (
			escalation_id,
			alert_id,
			escalation_level,
			escalated_to,
			escalated_at,
			reason,
			is_automatic,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err = r.db.ExecContext(ctx,
		query,
		esc.EscalationID,
		esc.AlertID,
		esc.Level,
		recipientsJSON,
		esc.EscalatedAt,
		esc.Reason,
		esc.IsAutomatic,
		esc.CreatedAt,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrEscalationLevelExists
		}
		return fmt.Errorf("failed to create escalation: %w", err)
	}

	return nil
}

// ListEscalations 获取告警的全部升级记录（按 escalated_at 升序）
func (r *PostgresEscalationsRepository) ListEscalations(ctx context.Context, alertID string) ([]*models.Escalation, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			escalation_id,
			alert_id,
			escalation_level,
			escalated_to,
			escalated_at,
			reason,
			is_automatic,
			created_at
		FROM alert_escalations
		WHERE alert_id = $1
		ORDER BY escalated_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	escalations := []*models.Escalation{}
	for rows.Next() {
		var esc models.Escalation
		var reason sql.NullString
		var recipients []byte

		err := rows.Scan(
			&esc.EscalationID,
			&esc.AlertID,
			&esc.Level,
			&recipients,
			&esc.EscalatedAt,
			&reason,
			&esc.IsAutomatic,
			&esc.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}

		if reason.Valid {
			esc.Reason = &reason.String
		}
		if len(recipients) > 0 {
			if err := json.Unmarshal(recipients, &esc.EscalatedTo); err != nil {
				return nil, fmt.Errorf("failed to unmarshal escalated_to: %w", err)
			}
		}

		escalations = append(escalations, &esc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalations: %w", err)
	}

	return escalations, nil
}

// MaxEscalationLevel 获取告警当前最高升级级别及其时间（无升级记录时返回 0, nil）
func (r *PostgresEscalationsRepository) MaxEscalationLevel(ctx context.Context, alertID string) (int, *time.Time, error) {
	if alertID == "" {
		return 0, nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT escalation_level, escalated_at
		FROM alert_escalations
		WHERE alert_id = $1
		ORDER BY escalation_level DESC
		LIMIT 1
	`

	var level int
	var escalatedAt time.Time
	err := r.db.QueryRowContext(ctx, query, alertID).Scan(&level, &escalatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("failed to query max escalation level: %w", err)
	}

	return level, &escalatedAt, nil
}

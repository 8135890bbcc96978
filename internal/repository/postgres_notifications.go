package repository

import (
	"context"
	"database/sql"
	"fmt"

	"fleet-sos/internal/models"

	"go.uber.org/zap"
)

// PostgresNotificationsRepository 通知记录仓库 PostgreSQL 实现
type PostgresNotificationsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresNotificationsRepository 创建通知记录仓库
func NewPostgresNotificationsRepository(db *sql.DB, logger *zap.Logger) *PostgresNotificationsRepository {
	return &PostgresNotificationsRepository{
		db:     db,
		logger: logger,
	}
}

// 确保实现了接口
var _ NotificationsRepository = (*PostgresNotificationsRepository)(nil)

// CreateNotification 创建通知记录
func (r *PostgresNotificationsRepository) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n == nil {
		return fmt.Errorf("notification is required")
	}
	if n.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		INSERT INTO alert_notifications (
			notification_id,
			alert_id,
			recipient_name,
			recipient_email,
			recipient_phone,
			recipient_role,
			channel,
			status,
			subject,
			message,
			sent_at,
			delivered_at,
			failure_reason,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		n.NotificationID,
		n.AlertID,
		n.RecipientName,
		n.RecipientEmail,
		n.RecipientPhone,
		n.RecipientRole,
		n.Channel,
		n.Status,
		n.Subject,
		n.Message,
		n.SentAt,
		n.DeliveredAt,
		n.FailureReason,
		n.CreatedAt,
		n.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	return nil
}

// UpdateNotificationStatus 更新通知投递状态
func (r *PostgresNotificationsRepository) UpdateNotificationStatus(ctx context.Context, notificationID string, status models.NotificationStatus, failureReason *string) error {
	if notificationID == "" {
		return fmt.Errorf("notification_id is required")
	}

	var query string
	args := []interface{}{status, notificationID}

	switch status {
	case models.NotifySent:
		query = `
			UPDATE alert_notifications
			SET status = $1, sent_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE notification_id = $2
		`
	case models.NotifyDelivered:
		query = `
			UPDATE alert_notifications
			SET status = $1, delivered_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE notification_id = $2
		`
	case models.NotifyFailed, models.NotifyBounced:
		query = `
			UPDATE alert_notifications
			SET status = $1, failure_reason = $3, updated_at = CURRENT_TIMESTAMP
			WHERE notification_id = $2
		`
		args = append(args, failureReason)
	default:
		query = `
			UPDATE alert_notifications
			SET status = $1, updated_at = CURRENT_TIMESTAMP
			WHERE notification_id = $2
		`
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update notification status: %w", err)
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

// ListNotifications 获取告警的全部通知记录（按 created_at 升序）
func (r *PostgresNotificationsRepository) ListNotifications(ctx context.Context, alertID string) ([]*models.Notification, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			notification_id,
			alert_id,
			recipient_name,
			recipient_email,
			recipient_phone,
			recipient_role,
			channel,
			status,
			subject,
			message,
			sent_at,
			delivered_at,
			failure_reason,
			created_at,
			updated_at
		FROM alert_notifications
		WHERE alert_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notifications := []*models.Notification{}
	for rows.Next() {
		var n models.Notification
		var email, phone, role, failureReason sql.NullString
		var sentAt, deliveredAt sql.NullTime

		err := rows.Scan(
			&n.NotificationID,
			&n.AlertID,
			&n.RecipientName,
			&email,
			&phone,
			&role,
			&n.Channel,
			&n.Status,
			&n.Subject,
			&n.Message,
			&sentAt,
			&deliveredAt,
			&failureReason,
			&n.CreatedAt,
			&n.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}

		if email.Valid {
			n.RecipientEmail = &email.String
		}
		if phone.Valid {
			n.RecipientPhone = &phone.String
		}
		if role.Valid {
			n.RecipientRole = &role.String
		}
		if sentAt.Valid {
			n.SentAt = &sentAt.Time
		}
		if deliveredAt.Valid {
			n.DeliveredAt = &deliveredAt.Time
		}
		if failureReason.Valid {
			n.FailureReason = &failureReason.String
		}

		notifications = append(notifications, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}

	return notifications, nil
}

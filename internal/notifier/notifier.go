package notifier

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleet-sos/internal/models"
	"fleet-sos/internal/repository"
)

// Sender 单次投递能力接口（按渠道投递一条通知）
type Sender interface {
	Send(ctx context.Context, recipient models.Recipient, channel models.NotificationChannel, subject, message string) error
}

// Delivery 一次待投递的 (收件人, 渠道) 组合
type Delivery struct {
	Recipient models.Recipient
	Channel   models.NotificationChannel
}

// FanOut 展开投递计划：每个收件人 × (收件人渠道 ∩ 配置允许渠道)
// allowed 为空时不限制渠道
func FanOut(recipients []models.Recipient, allowed []models.NotificationChannel) []Delivery {
	allowedSet := map[models.NotificationChannel]bool{}
	for _, ch := range allowed {
		allowedSet[ch] = true
	}

	deliveries := []Delivery{}
	for _, r := range recipients {
		for _, ch := range r.Channels {
			if len(allowed) > 0 && !allowedSet[ch] {
				continue
			}
			deliveries = append(deliveries, Delivery{Recipient: r, Channel: ch})
		}
	}
	return deliveries
}

// Dispatcher 通知派发器
// 派发是尽力而为的：单条投递失败只记录 FAILED，不影响调用方的业务操作
type Dispatcher struct {
	notifications repository.NotificationsRepository
	sender        Sender
	sendTimeout   time.Duration
	logger        *zap.Logger
}

// NewDispatcher 创建通知派发器
func NewDispatcher(notifications repository.NotificationsRepository, sender Sender, sendTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		notifications: notifications,
		sender:        sender,
		sendTimeout:   sendTimeout,
		logger:        logger,
	}
}

// Dispatch 派发通知：展开收件人 × 渠道，逐条记录 PENDING → SENT/FAILED
// 返回成功和失败的条数，永不返回 error
func (d *Dispatcher) Dispatch(ctx context.Context, alertID string, recipients []models.Recipient, allowed []models.NotificationChannel, subject, message string) (sent, failed int) {
	deliveries := FanOut(recipients, allowed)

	for _, dv := range deliveries {
		now := time.Now()
		n := &models.Notification{
			NotificationID: uuid.New().String(),
			AlertID:        alertID,
			RecipientName:  dv.Recipient.Name,
			Channel:        dv.Channel,
			Status:         models.NotifyPending,
			Subject:        subject,
			Message:        message,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if dv.Recipient.Email != "" {
			email := dv.Recipient.Email
			n.RecipientEmail = &email
		}
		if dv.Recipient.Phone != "" {
			phone := dv.Recipient.Phone
			n.RecipientPhone = &phone
		}
		if dv.Recipient.Role != "" {
			role := dv.Recipient.Role
			n.RecipientRole = &role
		}

		if err := d.notifications.CreateNotification(ctx, n); err != nil {
			d.logger.Error("Failed to record notification",
				zap.String("alert_id", alertID),
				zap.String("recipient", dv.Recipient.Name),
				zap.Error(err),
			)
			failed++
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := d.sender.Send(sendCtx, dv.Recipient, dv.Channel, subject, message)
		cancel()

		if err != nil {
			reason := err.Error()
			if uerr := d.notifications.UpdateNotificationStatus(ctx, n.NotificationID, models.NotifyFailed, &reason); uerr != nil {
				d.logger.Error("Failed to mark notification FAILED",
					zap.String("notification_id", n.NotificationID),
					zap.Error(uerr),
				)
			}
			d.logger.Warn("Notification delivery failed",
				zap.String("alert_id", alertID),
				zap.String("recipient", dv.Recipient.Name),
				zap.String("channel", string(dv.Channel)),
				zap.Error(err),
			)
			failed++
			continue
		}

		if err := d.notifications.UpdateNotificationStatus(ctx, n.NotificationID, models.NotifySent, nil); err != nil {
			d.logger.Error("Failed to mark notification SENT",
				zap.String("notification_id", n.NotificationID),
				zap.Error(err),
			)
		}
		sent++
	}

	if sent > 0 || failed > 0 {
		d.logger.Info("Notifications dispatched",
			zap.String("alert_id", alertID),
			zap.Int("sent", sent),
			zap.Int("failed", failed),
		)
	}
	return sent, failed
}

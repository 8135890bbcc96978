package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"fleet-sos/internal/models"
)

// GatewaySender 通过外部通知网关投递（邮件/短信/推送等由网关按渠道路由）
type GatewaySender struct {
	client *resty.Client
	logger *zap.Logger
}

// NewGatewaySender 创建网关投递器
func NewGatewaySender(baseURL, token string, logger *zap.Logger) *GatewaySender {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &GatewaySender{
		client: client,
		logger: logger,
	}
}

var _ Sender = (*GatewaySender)(nil)

// sendRequest 网关的投递请求体
type sendRequest struct {
	Channel        string `json:"channel"`
	RecipientName  string `json:"recipient_name"`
	RecipientEmail string `json:"recipient_email,omitempty"`
	RecipientPhone string `json:"recipient_phone,omitempty"`
	Subject        string `json:"subject,omitempty"`
	Message        string `json:"message"`
}

// Send 投递单条通知
func (s *GatewaySender) Send(ctx context.Context, recipient models.Recipient, channel models.NotificationChannel, subject, message string) error {
	req := sendRequest{
		Channel:        string(channel),
		RecipientName:  recipient.Name,
		RecipientEmail: recipient.Email,
		RecipientPhone: recipient.Phone,
		Subject:        subject,
		Message:        message,
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		Post("/api/v1/send/" + strings.ToLower(string(channel)))
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}

// NopSender 空投递器（本地开发和测试用，仅记录日志）
type NopSender struct {
	logger *zap.Logger
}

// NewNopSender 创建空投递器
func NewNopSender(logger *zap.Logger) *NopSender {
	return &NopSender{logger: logger}
}

var _ Sender = (*NopSender)(nil)

// Send 仅记录日志，永远成功
func (s *NopSender) Send(_ context.Context, recipient models.Recipient, channel models.NotificationChannel, subject, _ string) error {
	s.logger.Info("Notification (nop)",
		zap.String("recipient", recipient.Name),
		zap.String("channel", string(channel)),
		zap.String("subject", subject),
	)
	return nil
}

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleet-sos/internal/models"
	"fleet-sos/internal/notifier"
	"fleet-sos/internal/repository"
	"fleet-sos/internal/resolver"
	"fleet-sos/internal/service"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type nopSender struct{}

func (nopSender) Send(context.Context, models.Recipient, models.NotificationChannel, string, string) error {
	return nil
}

type fixture struct {
	alerts      *repository.MemoryAlertsRepo
	escalations *repository.MemoryEscalationsRepo
	configs     *repository.MemoryAlertConfigsRepo
	clock       *fakeClock
	svc         *service.AlertService
	scheduler   *Scheduler
}

func newFixture(t *testing.T, maxLevel int) *fixture {
	logger := zap.NewNop()
	f := &fixture{
		alerts:      repository.NewMemoryAlertsRepo(),
		escalations: repository.NewMemoryEscalationsRepo(),
		configs:     repository.NewMemoryAlertConfigsRepo(),
		clock:       newFakeClock(),
	}
	rsv := resolver.NewResolver(f.configs, nil, "alertcfg:", time.Minute, logger)
	dispatcher := notifier.NewDispatcher(repository.NewMemoryNotificationsRepo(), nopSender{}, time.Second, logger)
	f.svc = service.NewAlertService(f.alerts, f.escalations, rsv, dispatcher, logger)
	f.svc.SetClock(f.clock.Now)

	f.scheduler = NewScheduler(f.alerts, f.escalations, rsv, f.svc, Options{
		PollInterval: time.Minute,
		BatchSize:    50,
		MaxLevel:     maxLevel,
	}, logger)
	f.scheduler.SetClock(f.clock.Now)
	return f
}

func (f *fixture) addConfig(t *testing.T, mutate func(*models.AlertConfiguration)) {
	cfg := &models.AlertConfiguration{
		ConfigID: "config-001",
		TenantID: "tenant-001",
		Name:     "Tenant-wide routing",
		PrimaryRecipients: []models.Recipient{
			{Name: "Ops Manager", Email: "ops@example.com", Channels: []models.NotificationChannel{models.ChannelEmail}},
		},
		EnableEscalation:           true,
		EscalationThresholdSeconds: 300,
		EscalationRecipients: []models.Recipient{
			{Name: "Security Lead", Phone: "+6591234567", Channels: []models.NotificationChannel{models.ChannelSMS}},
		},
		NotificationChannels: []models.NotificationChannel{models.ChannelEmail, models.ChannelSMS},
		NotifyOnEscalation:   true,
		IsActive:             true,
		UpdatedAt:            f.clock.Now(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, f.configs.CreateConfig(context.Background(), cfg.TenantID, cfg))
}

func (f *fixture) trigger(t *testing.T, employeeID string) *models.Alert {
	alert, err := f.svc.TriggerAlert(context.Background(), "tenant-001", service.TriggerAlertRequest{
		EmployeeID: employeeID,
		AlertType:  models.TypeSOS,
		Severity:   models.SeverityCritical,
	})
	require.NoError(t, err)
	return alert
}

func TestTick_EscalatesAfterThreshold(t *testing.T) {
	f := newFixture(t, 1)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")
	ctx := context.Background()

	// T=200s：未到阈值，不升级
	f.clock.Advance(200 * time.Second)
	f.scheduler.Tick(ctx)

	escalations, err := f.escalations.ListEscalations(ctx, alert.AlertID)
	require.NoError(t, err)
	assert.Empty(t, escalations)

	// T=301s：超过 300 秒阈值，恰好创建一条 level-1 升级
	f.clock.Advance(101 * time.Second)
	f.scheduler.Tick(ctx)

	escalations, err = f.escalations.ListEscalations(ctx, alert.AlertID)
	require.NoError(t, err)
	require.Len(t, escalations, 1)
	assert.Equal(t, 1, escalations[0].Level)
	assert.True(t, escalations[0].IsAutomatic)

	got, err := f.svc.GetAlert(ctx, "tenant-001", alert.AlertID)
	require.NoError(t, err)
	assert.True(t, got.AutoEscalated)

	// 单次升级默认：后续 tick 不再升级
	f.clock.Advance(600 * time.Second)
	f.scheduler.Tick(ctx)

	escalations, err = f.escalations.ListEscalations(ctx, alert.AlertID)
	require.NoError(t, err)
	assert.Len(t, escalations, 1)
}

func TestTick_RepeatEscalationResetsFromPrevious(t *testing.T) {
	f := newFixture(t, 3)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")
	ctx := context.Background()

	// T=301s：level 1
	f.clock.Advance(301 * time.Second)
	f.scheduler.Tick(ctx)

	// 级别 2 的计时从 level-1 的升级时间重新起算：
	// T=500s（距上次升级 199s）不升级
	f.clock.Advance(199 * time.Second)
	f.scheduler.Tick(ctx)

	escalations, err := f.escalations.ListEscalations(ctx, alert.AlertID)
	require.NoError(t, err)
	assert.Len(t, escalations, 1)

	// T=602s（距上次升级 301s）升到 level 2
	f.clock.Advance(102 * time.Second)
	f.scheduler.Tick(ctx)

	escalations, err = f.escalations.ListEscalations(ctx, alert.AlertID)
	require.NoError(t, err)
	require.Len(t, escalations, 2)
	assert.Equal(t, 2, escalations[1].Level)
}

func TestTick_SkipsIneligibleAlerts(t *testing.T) {
	f := newFixture(t, 1)
	f.addConfig(t, nil)
	ctx := context.Background()

	// 升级未启用的租户配置
	disabled := &models.AlertConfiguration{
		ConfigID: "config-002",
		TenantID: "tenant-002",
		Name:     "No escalation",
		PrimaryRecipients: []models.Recipient{
			{Name: "Ops", Email: "ops@t2.example.com", Channels: []models.NotificationChannel{models.ChannelEmail}},
		},
		NotificationChannels: []models.NotificationChannel{models.ChannelEmail},
		IsActive:             true,
	}
	require.NoError(t, f.configs.CreateConfig(ctx, "tenant-002", disabled))

	noEscalation, err := f.svc.TriggerAlert(ctx, "tenant-002", service.TriggerAlertRequest{
		EmployeeID: "emp-020",
		AlertType:  models.TypeSOS,
		Severity:   models.SeverityHigh,
	})
	require.NoError(t, err)

	// 已确认但仍在阈值内的告警
	acked := f.trigger(t, "emp-001")
	_, err = f.svc.AcknowledgeAlert(ctx, "tenant-001", acked.AlertID, service.AcknowledgeRequest{AcknowledgedBy: "user-007"})
	require.NoError(t, err)

	f.clock.Advance(301 * time.Second)
	f.scheduler.Tick(ctx)

	// 无升级配置的告警不升级
	escalations, err := f.escalations.ListEscalations(ctx, noEscalation.AlertID)
	require.NoError(t, err)
	assert.Empty(t, escalations)

	// ACKNOWLEDGED 告警超阈值仍会升级
	escalations, err = f.escalations.ListEscalations(ctx, acked.AlertID)
	require.NoError(t, err)
	assert.Len(t, escalations, 1)
}

func TestTick_ClosedAlertNotEscalated(t *testing.T) {
	f := newFixture(t, 1)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")
	ctx := context.Background()

	_, err := f.svc.CloseAlert(ctx, "tenant-001", alert.AlertID, service.CloseAlertRequest{ClosedBy: "user-001"})
	require.NoError(t, err)

	f.clock.Advance(301 * time.Second)
	f.scheduler.Tick(ctx)

	escalations, err := f.escalations.ListEscalations(ctx, alert.AlertID)
	require.NoError(t, err)
	assert.Empty(t, escalations)
}

func TestTick_AutoCloseSweep(t *testing.T) {
	f := newFixture(t, 1)
	f.addConfig(t, func(cfg *models.AlertConfiguration) {
		autoClose := 120
		cfg.AutoCloseFalseAlarmSeconds = &autoClose
	})
	ctx := context.Background()

	alert := f.trigger(t, "emp-001")
	_, err := f.svc.AcknowledgeAlert(ctx, "tenant-001", alert.AlertID, service.AcknowledgeRequest{AcknowledgedBy: "user-007"})
	require.NoError(t, err)

	// 状态机内联自动关闭被绕过的场景：直接把状态置为 RESOLVED
	f.clock.Advance(90 * time.Second)
	err = f.alerts.TransitionAlert(ctx, "tenant-001", alert.AlertID,
		[]string{string(models.StatusAcknowledged)},
		map[string]interface{}{"status": models.StatusResolved, "resolved_at": f.clock.Now()})
	require.NoError(t, err)

	f.scheduler.Tick(ctx)

	got, err := f.svc.GetAlert(ctx, "tenant-001", alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.True(t, got.IsFalseAlarm)
}

func TestTick_AutoCloseSweep_LateTickUsesResolvedAt(t *testing.T) {
	f := newFixture(t, 1)
	f.addConfig(t, func(cfg *models.AlertConfiguration) {
		autoClose := 120
		cfg.AutoCloseFalseAlarmSeconds = &autoClose
	})
	ctx := context.Background()

	alert := f.trigger(t, "emp-001")
	_, err := f.svc.AcknowledgeAlert(ctx, "tenant-001", alert.AlertID, service.AcknowledgeRequest{AcknowledgedBy: "user-007"})
	require.NoError(t, err)

	// 触发后 60 秒解决（阈值内）
	f.clock.Advance(60 * time.Second)
	err = f.alerts.TransitionAlert(ctx, "tenant-001", alert.AlertID,
		[]string{string(models.StatusAcknowledged)},
		map[string]interface{}{"status": models.StatusResolved, "resolved_at": f.clock.Now()})
	require.NoError(t, err)

	// tick 迟到（触发后 300 秒才扫到），仍按解决时刻判定
	f.clock.Advance(240 * time.Second)
	f.scheduler.Tick(ctx)

	got, err := f.svc.GetAlert(ctx, "tenant-001", alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.True(t, got.IsFalseAlarm)
	require.NotNil(t, got.ResolutionTimeSeconds)
	assert.Equal(t, 60, *got.ResolutionTimeSeconds)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, 1)
	f.addConfig(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.scheduler.Start(ctx)
	f.scheduler.Start(ctx) // 重复启动无副作用
	f.scheduler.Stop()
	f.scheduler.Stop() // 重复停止无副作用
}

package service

import (
	"context"
	"strings"
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
)

// fakeClock 可推进的测试时钟
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

// okSender 计数投递器
type okSender struct {
	mu    sync.Mutex
	sends int
}

func (s *okSender) Send(context.Context, models.Recipient, models.NotificationChannel, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	return nil
}

func (s *okSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

type fixture struct {
	alerts        *repository.MemoryAlertsRepo
	escalations   *repository.MemoryEscalationsRepo
	notifications *repository.MemoryNotificationsRepo
	configs       *repository.MemoryAlertConfigsRepo
	sender        *okSender
	clock         *fakeClock
	svc           *AlertService
}

func newFixture(t *testing.T) *fixture {
	logger := zap.NewNop()
	f := &fixture{
		alerts:        repository.NewMemoryAlertsRepo(),
		escalations:   repository.NewMemoryEscalationsRepo(),
		notifications: repository.NewMemoryNotificationsRepo(),
		configs:       repository.NewMemoryAlertConfigsRepo(),
		sender:        &okSender{},
		clock:         newFakeClock(),
	}
	rsv := resolver.NewResolver(f.configs, nil, "alertcfg:", time.Minute, logger)
	dispatcher := notifier.NewDispatcher(f.notifications, f.sender, time.Second, logger)
	f.svc = NewAlertService(f.alerts, f.escalations, rsv, dispatcher, logger)
	f.svc.SetClock(f.clock.Now)
	return f
}

func (f *fixture) addConfig(t *testing.T, mutate func(*models.AlertConfiguration)) *models.AlertConfiguration {
	cfg := &models.AlertConfiguration{
		ConfigID: "config-001",
		TenantID: "tenant-001",
		Name:     "Default routing",
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
		Priority:             1,
		IsActive:             true,
		UpdatedAt:            f.clock.Now(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, f.configs.CreateConfig(context.Background(), cfg.TenantID, cfg))
	return cfg
}

func (f *fixture) trigger(t *testing.T, employeeID string) *models.Alert {
	alert, err := f.svc.TriggerAlert(context.Background(), "tenant-001", TriggerAlertRequest{
		EmployeeID: employeeID,
		AlertType:  models.TypeSOS,
		Severity:   models.SeverityCritical,
		Latitude:   1.3521,
		Longitude:  103.8198,
	})
	require.NoError(t, err)
	return alert
}

func TestTriggerAlert(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)

	notes := "Driver pressed the SOS button"
	booking := "booking-042"
	alert, err := f.svc.TriggerAlert(context.Background(), "tenant-001", TriggerAlertRequest{
		EmployeeID:   "emp-001",
		BookingID:    &booking,
		AlertType:    models.TypeSOS,
		Severity:     models.SeverityCritical,
		Latitude:     1.3521,
		Longitude:    103.8198,
		TriggerNotes: &notes,
		EvidenceURLs: []string{"https://cdn.example.com/p1.jpg"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, alert.AlertID)
	assert.Equal(t, models.StatusTriggered, alert.Status)
	assert.Equal(t, f.clock.Now(), alert.TriggeredAt)
	assert.Nil(t, alert.AcknowledgedAt)
	assert.False(t, alert.IsFalseAlarm)

	// 一级收件人收到触发通知
	assert.Equal(t, 1, f.sender.count())
	notifications, err := f.notifications.ListNotifications(context.Background(), alert.AlertID)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, models.NotifySent, notifications[0].Status)
	assert.Equal(t, "Ops Manager", notifications[0].RecipientName)
}

func TestTriggerAlert_NoConfiguration(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.TriggerAlert(context.Background(), "tenant-001", TriggerAlertRequest{
		EmployeeID: "emp-010",
		AlertType:  models.TypeSOS,
		Severity:   models.SeverityCritical,
	})
	assert.ErrorIs(t, err, ErrNoConfigurationFound)
}

func TestTriggerAlert_SingleActiveAlert(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)

	alert := f.trigger(t, "emp-001")

	// 未关闭前重复触发被拒绝
	_, err := f.svc.TriggerAlert(context.Background(), "tenant-001", TriggerAlertRequest{
		EmployeeID: "emp-001",
		AlertType:  models.TypeMedical,
		Severity:   models.SeverityHigh,
	})
	assert.ErrorIs(t, err, ErrActiveAlertExists)

	// 关闭后可再次触发
	_, err = f.svc.CloseAlert(context.Background(), "tenant-001", alert.AlertID, CloseAlertRequest{
		ClosedBy: "user-001",
	})
	require.NoError(t, err)

	_, err = f.svc.TriggerAlert(context.Background(), "tenant-001", TriggerAlertRequest{
		EmployeeID: "emp-001",
		AlertType:  models.TypeMedical,
		Severity:   models.SeverityHigh,
	})
	assert.NoError(t, err)
}

func TestTriggerAlert_Validation(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)

	_, err := f.svc.TriggerAlert(context.Background(), "tenant-001", TriggerAlertRequest{
		AlertType: models.TypeSOS,
		Severity:  models.SeverityCritical,
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.TriggerAlert(context.Background(), "tenant-001", TriggerAlertRequest{
		EmployeeID: "emp-001",
		AlertType:  "EXPLOSION",
		Severity:   models.SeverityCritical,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAcknowledgeAlert(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")

	f.clock.Advance(90 * time.Second)

	name := "Jamie Responder"
	notes := "On my way"
	eta := 15
	acked, err := f.svc.AcknowledgeAlert(context.Background(), "tenant-001", alert.AlertID, AcknowledgeRequest{
		AcknowledgedBy:     "user-007",
		AcknowledgedByName: &name,
		Notes:              &notes,
		ETAMinutes:         &eta,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedAt)
	require.NotNil(t, acked.ResponseTimeSeconds)
	assert.Equal(t, 90, *acked.ResponseTimeSeconds)
	require.NotNil(t, acked.EstimatedArrivalMinutes)
	assert.Equal(t, 15, *acked.EstimatedArrivalMinutes)

	// 重复确认不幂等，第二次失败
	_, err = f.svc.AcknowledgeAlert(context.Background(), "tenant-001", alert.AlertID, AcknowledgeRequest{
		AcknowledgedBy: "user-008",
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateAlertStatus(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")

	// TRIGGERED 不能直接进入 IN_PROGRESS
	_, err := f.svc.UpdateAlertStatus(context.Background(), "tenant-001", alert.AlertID, models.StatusInProgress, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.AcknowledgeAlert(context.Background(), "tenant-001", alert.AlertID, AcknowledgeRequest{AcknowledgedBy: "user-007"})
	require.NoError(t, err)

	updated, err := f.svc.UpdateAlertStatus(context.Background(), "tenant-001", alert.AlertID, models.StatusInProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, updated.Status)

	updated, err = f.svc.UpdateAlertStatus(context.Background(), "tenant-001", alert.AlertID, models.StatusResolved, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, updated.Status)

	// update_status 不能用于关闭
	_, err = f.svc.UpdateAlertStatus(context.Background(), "tenant-001", alert.AlertID, models.StatusClosed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateAlertStatus_DirectResolve(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")

	_, err := f.svc.AcknowledgeAlert(context.Background(), "tenant-001", alert.AlertID, AcknowledgeRequest{AcknowledgedBy: "user-007"})
	require.NoError(t, err)

	// ACKNOWLEDGED → RESOLVED 直达
	updated, err := f.svc.UpdateAlertStatus(context.Background(), "tenant-001", alert.AlertID, models.StatusResolved, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, updated.Status)
}

func TestCloseAlert(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")

	f.clock.Advance(90 * time.Second)
	acked, err := f.svc.AcknowledgeAlert(context.Background(), "tenant-001", alert.AlertID, AcknowledgeRequest{AcknowledgedBy: "user-007"})
	require.NoError(t, err)

	f.clock.Advance(1710 * time.Second) // T=1800s
	notes := "Situation handled, employee safe"
	closed, err := f.svc.CloseAlert(context.Background(), "tenant-001", alert.AlertID, CloseAlertRequest{
		ClosedBy:     "user-007",
		ClosureNotes: &notes,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusClosed, closed.Status)
	require.NotNil(t, closed.ResolutionTimeSeconds)
	assert.Equal(t, 1800, *closed.ResolutionTimeSeconds)
	assert.False(t, closed.IsFalseAlarm)

	// 时间戳单调：triggered ≤ acknowledged ≤ closed，且确认时间不被关闭覆盖
	require.NotNil(t, closed.AcknowledgedAt)
	require.NotNil(t, closed.ClosedAt)
	assert.True(t, !closed.TriggeredAt.After(*closed.AcknowledgedAt))
	assert.True(t, !closed.AcknowledgedAt.After(*closed.ClosedAt))
	assert.Equal(t, *acked.AcknowledgedAt, *closed.AcknowledgedAt)
}

func TestCloseAlert_FromAnyNonTerminal(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)

	// TRIGGERED 直接关闭（误报场景）
	alert := f.trigger(t, "emp-001")
	closed, err := f.svc.CloseAlert(context.Background(), "tenant-001", alert.AlertID, CloseAlertRequest{
		ClosedBy:     "user-001",
		IsFalseAlarm: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)
	assert.True(t, closed.IsFalseAlarm)
}

func TestCloseAlert_AlreadyClosed(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")

	_, err := f.svc.CloseAlert(context.Background(), "tenant-001", alert.AlertID, CloseAlertRequest{ClosedBy: "user-001"})
	require.NoError(t, err)

	// 重复关闭失败，原关闭信息不受影响
	_, err = f.svc.CloseAlert(context.Background(), "tenant-001", alert.AlertID, CloseAlertRequest{ClosedBy: "user-002"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := f.svc.GetAlert(context.Background(), "tenant-001", alert.AlertID)
	require.NoError(t, err)
	require.NotNil(t, got.ClosedBy)
	assert.Equal(t, "user-001", *got.ClosedBy)
}

func TestCloseAlert_NotesRequired(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, func(cfg *models.AlertConfiguration) {
		cfg.RequireClosureNotes = true
	})
	alert := f.trigger(t, "emp-001")

	_, err := f.svc.CloseAlert(context.Background(), "tenant-001", alert.AlertID, CloseAlertRequest{ClosedBy: "user-001"})
	assert.ErrorIs(t, err, ErrClosureNotesRequired)

	empty := ""
	_, err = f.svc.CloseAlert(context.Background(), "tenant-001", alert.AlertID, CloseAlertRequest{
		ClosedBy:     "user-001",
		ClosureNotes: &empty,
	})
	assert.ErrorIs(t, err, ErrClosureNotesRequired)

	notes := "resolved on site"
	closed, err := f.svc.CloseAlert(context.Background(), "tenant-001", alert.AlertID, CloseAlertRequest{
		ClosedBy:     "user-001",
		ClosureNotes: &notes,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)
}

func TestAutoCloseFalseAlarm(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, func(cfg *models.AlertConfiguration) {
		autoClose := 120
		cfg.AutoCloseFalseAlarmSeconds = &autoClose
		cfg.RequireClosureNotes = true // 自动关闭豁免备注门槛
	})
	alert := f.trigger(t, "emp-001")

	_, err := f.svc.AcknowledgeAlert(context.Background(), "tenant-001", alert.AlertID, AcknowledgeRequest{AcknowledgedBy: "user-007"})
	require.NoError(t, err)

	// 90 秒内解决：自动关闭并标记误报
	f.clock.Advance(90 * time.Second)
	updated, err := f.svc.UpdateAlertStatus(context.Background(), "tenant-001", alert.AlertID, models.StatusResolved, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, updated.Status)
	assert.True(t, updated.IsFalseAlarm)
	require.NotNil(t, updated.ResolutionTimeSeconds)
	assert.Equal(t, 90, *updated.ResolutionTimeSeconds)
}

func TestAutoCloseFalseAlarm_OverThreshold(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, func(cfg *models.AlertConfiguration) {
		autoClose := 120
		cfg.AutoCloseFalseAlarmSeconds = &autoClose
	})
	alert := f.trigger(t, "emp-001")

	_, err := f.svc.AcknowledgeAlert(context.Background(), "tenant-001", alert.AlertID, AcknowledgeRequest{AcknowledgedBy: "user-007"})
	require.NoError(t, err)

	// 200 秒后解决：超过阈值，保持 RESOLVED
	f.clock.Advance(200 * time.Second)
	updated, err := f.svc.UpdateAlertStatus(context.Background(), "tenant-001", alert.AlertID, models.StatusResolved, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, updated.Status)
	assert.False(t, updated.IsFalseAlarm)
}

func TestEscalateAlert(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")
	before := f.sender.count()

	reason := "no response from primary"
	esc, err := f.svc.EscalateAlert(context.Background(), "tenant-001", alert.AlertID, EscalateAlertRequest{
		Reason:      &reason,
		IsAutomatic: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, esc.Level)
	assert.True(t, esc.IsAutomatic)
	require.Len(t, esc.EscalatedTo, 1)
	assert.Equal(t, "Security Lead", esc.EscalatedTo[0].Name)

	got, err := f.svc.GetAlert(context.Background(), "tenant-001", alert.AlertID)
	require.NoError(t, err)
	assert.True(t, got.AutoEscalated)

	// notify_on_escalation：升级收件人 + 一级收件人都收到通知
	assert.Equal(t, before+2, f.sender.count())

	// 下一级自动取 2
	esc2, err := f.svc.EscalateAlert(context.Background(), "tenant-001", alert.AlertID, EscalateAlertRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, esc2.Level)
}

func TestEscalateAlert_NotifyOnEscalationOffStillNotifiesEscalationRecipients(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, func(cfg *models.AlertConfiguration) {
		cfg.NotifyOnEscalation = false
	})
	alert := f.trigger(t, "emp-001")
	before := f.sender.count()

	_, err := f.svc.EscalateAlert(context.Background(), "tenant-001", alert.AlertID, EscalateAlertRequest{
		IsAutomatic: true,
	})
	require.NoError(t, err)

	// notify_on_escalation 只控制是否额外告知一级收件人，升级收件人必达
	assert.Equal(t, before+1, f.sender.count())

	notifs, err := f.notifications.ListNotifications(context.Background(), alert.AlertID)
	require.NoError(t, err)
	found := false
	for _, n := range notifs {
		if !strings.Contains(n.Subject, "ESCALATED") {
			continue // 触发时的通知
		}
		if n.RecipientName == "Security Lead" && n.Channel == models.ChannelSMS {
			found = true
		}
		assert.NotEqual(t, "Ops Manager", n.RecipientName, "primary recipients must not be notified when notify_on_escalation is off")
	}
	assert.True(t, found, "escalation recipient should receive the escalation notice")
}

func TestEscalateAlert_LevelConflict(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")

	wrong := 5
	_, err := f.svc.EscalateAlert(context.Background(), "tenant-001", alert.AlertID, EscalateAlertRequest{Level: &wrong})
	assert.ErrorIs(t, err, ErrEscalationLevelConflict)
}

func TestEscalateAlert_ClosedAlert(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")

	_, err := f.svc.CloseAlert(context.Background(), "tenant-001", alert.AlertID, CloseAlertRequest{ClosedBy: "user-001"})
	require.NoError(t, err)

	_, err = f.svc.EscalateAlert(context.Background(), "tenant-001", alert.AlertID, EscalateAlertRequest{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")

	// 其他租户访问视同不存在
	_, err := f.svc.GetAlert(context.Background(), "tenant-002", alert.AlertID)
	assert.ErrorIs(t, err, ErrAlertNotFound)

	_, err = f.svc.CloseAlert(context.Background(), "tenant-002", alert.AlertID, CloseAlertRequest{ClosedBy: "user-001"})
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestGetAlertTimeline(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)
	alert := f.trigger(t, "emp-001")

	f.clock.Advance(60 * time.Second)
	_, err := f.svc.AcknowledgeAlert(context.Background(), "tenant-001", alert.AlertID, AcknowledgeRequest{AcknowledgedBy: "user-007"})
	require.NoError(t, err)

	f.clock.Advance(300 * time.Second)
	_, err = f.svc.EscalateAlert(context.Background(), "tenant-001", alert.AlertID, EscalateAlertRequest{IsAutomatic: true})
	require.NoError(t, err)

	f.clock.Advance(600 * time.Second)
	_, err = f.svc.CloseAlert(context.Background(), "tenant-001", alert.AlertID, CloseAlertRequest{ClosedBy: "user-007"})
	require.NoError(t, err)

	events, err := f.svc.GetAlertTimeline(context.Background(), "tenant-001", alert.AlertID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "TRIGGERED", events[0].EventType)
	assert.Equal(t, "ACKNOWLEDGED", events[1].EventType)
	assert.Equal(t, "ESCALATED", events[2].EventType)
	assert.Equal(t, "CLOSED", events[3].EventType)
	for i := 1; i < len(events); i++ {
		assert.True(t, !events[i].Timestamp.Before(events[i-1].Timestamp))
	}
}

func TestGetAlertMetrics(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)

	// 告警一：确认后关闭
	a1 := f.trigger(t, "emp-001")
	f.clock.Advance(100 * time.Second)
	_, err := f.svc.AcknowledgeAlert(context.Background(), "tenant-001", a1.AlertID, AcknowledgeRequest{AcknowledgedBy: "user-007"})
	require.NoError(t, err)
	f.clock.Advance(100 * time.Second)
	_, err = f.svc.CloseAlert(context.Background(), "tenant-001", a1.AlertID, CloseAlertRequest{ClosedBy: "user-007"})
	require.NoError(t, err)

	// 告警二：误报关闭
	a2 := f.trigger(t, "emp-002")
	_, err = f.svc.CloseAlert(context.Background(), "tenant-001", a2.AlertID, CloseAlertRequest{ClosedBy: "user-007", IsFalseAlarm: true})
	require.NoError(t, err)

	// 告警三：仍然活跃
	f.trigger(t, "emp-003")

	metrics, err := f.svc.GetAlertMetrics(context.Background(), "tenant-001", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, metrics.TotalAlerts)
	assert.Equal(t, 2, metrics.ByStatus["CLOSED"])
	assert.Equal(t, 1, metrics.ByStatus["TRIGGERED"])
	assert.Equal(t, 3, metrics.ByType["SOS"])
	assert.Equal(t, 1, metrics.FalseAlarmCount)
	assert.InDelta(t, 1.0/3.0, metrics.FalseAlarmRate, 0.001)
	require.NotNil(t, metrics.AvgResponseTimeSeconds)
	assert.InDelta(t, 100.0, *metrics.AvgResponseTimeSeconds, 0.001)
}

func TestGetActiveAlerts(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, nil)

	a1 := f.trigger(t, "emp-001")
	f.trigger(t, "emp-002")
	_, err := f.svc.CloseAlert(context.Background(), "tenant-001", a1.AlertID, CloseAlertRequest{ClosedBy: "user-007"})
	require.NoError(t, err)

	active, err := f.svc.GetActiveAlerts(context.Background(), "tenant-001")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "emp-002", active[0].EmployeeID)
}

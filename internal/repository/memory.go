package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"fleet-sos/internal/models"
)

// In-memory implementations of the repository interfaces. They mirror the
// Postgres semantics (tenant checks, CAS transitions, unique escalation
// levels) and back the service and scheduler tests without a database.

// MemoryAlertsRepo in-memory AlertsRepository.
type MemoryAlertsRepo struct {
	mu     sync.RWMutex
	alerts map[string]*models.Alert // alertID -> Alert
}

func NewMemoryAlertsRepo() *MemoryAlertsRepo {
	return &MemoryAlertsRepo{alerts: map[string]*models.Alert{}}
}

var _ AlertsRepository = (*MemoryAlertsRepo)(nil)

func copyAlert(a *models.Alert) *models.Alert {
	cp := *a
	if a.EvidenceURLs != nil {
		cp.EvidenceURLs = append([]string(nil), a.EvidenceURLs...)
	}
	return &cp
}

func (r *MemoryAlertsRepo) CreateAlert(_ context.Context, tenantID string, alert *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.alerts {
		if a.TenantID == tenantID && a.EmployeeID == alert.EmployeeID && !a.Status.IsTerminal() {
			return ErrActiveAlertExists
		}
	}
	r.alerts[alert.AlertID] = copyAlert(alert)
	return nil
}

func (r *MemoryAlertsRepo) GetAlert(_ context.Context, tenantID, alertID string) (*models.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.alerts[alertID]
	if !ok || a.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyAlert(a), nil
}

func matchesFilters(a *models.Alert, f AlertFilters) bool {
	if f.EmployeeID != nil && a.EmployeeID != *f.EmployeeID {
		return false
	}
	if f.BookingID != nil && (a.BookingID == nil || *a.BookingID != *f.BookingID) {
		return false
	}
	if f.Status != nil && string(a.Status) != *f.Status {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if string(a.Status) == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.AlertType != nil && string(a.AlertType) != *f.AlertType {
		return false
	}
	if f.Severity != nil && string(a.Severity) != *f.Severity {
		return false
	}
	if f.StartTime != nil && a.TriggeredAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && a.TriggeredAt.After(*f.EndTime) {
		return false
	}
	if f.IsFalseAlarm != nil && a.IsFalseAlarm != *f.IsFalseAlarm {
		return false
	}
	return true
}

func (r *MemoryAlertsRepo) ListAlerts(_ context.Context, tenantID string, filters AlertFilters, page, size int) ([]*models.Alert, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := []*models.Alert{}
	for _, a := range r.alerts {
		if a.TenantID != tenantID {
			continue
		}
		if !matchesFilters(a, filters) {
			continue
		}
		all = append(all, copyAlert(a))
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].TriggeredAt.After(all[j].TriggeredAt)
	})

	total := len(all)
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (r *MemoryAlertsRepo) GetActiveAlertByEmployee(_ context.Context, tenantID, employeeID string) (*models.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.Alert
	for _, a := range r.alerts {
		if a.TenantID != tenantID || a.EmployeeID != employeeID || a.Status.IsTerminal() {
			continue
		}
		if latest == nil || a.TriggeredAt.After(latest.TriggeredAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyAlert(latest), nil
}

func (r *MemoryAlertsRepo) ListOpenAlerts(_ context.Context, limit int) ([]*models.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}

	open := []*models.Alert{}
	for _, a := range r.alerts {
		if !a.Status.IsTerminal() {
			open = append(open, copyAlert(a))
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].TriggeredAt.Before(open[j].TriggeredAt)
	})
	if len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func (r *MemoryAlertsRepo) TransitionAlert(_ context.Context, tenantID, alertID string, fromStatuses []string, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.alerts[alertID]
	if !ok || a.TenantID != tenantID {
		return ErrNotFound
	}

	inFrom := false
	for _, s := range fromStatuses {
		if string(a.Status) == s {
			inFrom = true
			break
		}
	}
	if !inFrom {
		return ErrStaleStatus
	}

	for field, value := range updates {
		switch field {
		case "status":
			a.Status = models.AlertStatus(toString(value))
		case "acknowledged_at":
			t := value.(time.Time)
			a.AcknowledgedAt = &t
		case "acknowledged_by":
			s := toString(value)
			a.AcknowledgedBy = &s
		case "acknowledged_by_name":
			s := toString(value)
			a.AcknowledgedByName = &s
		case "acknowledgment_notes":
			s := toString(value)
			a.AcknowledgmentNotes = &s
		case "estimated_arrival_minutes":
			n := value.(int)
			a.EstimatedArrivalMinutes = &n
		case "resolved_at":
			t := value.(time.Time)
			a.ResolvedAt = &t
		case "closed_at":
			t := value.(time.Time)
			a.ClosedAt = &t
		case "closed_by":
			s := toString(value)
			a.ClosedBy = &s
		case "closed_by_name":
			s := toString(value)
			a.ClosedByName = &s
		case "resolution_notes":
			s := toString(value)
			a.ResolutionNotes = &s
		case "response_time_seconds":
			n := value.(int)
			a.ResponseTimeSeconds = &n
		case "resolution_time_seconds":
			n := value.(int)
			a.ResolutionTimeSeconds = &n
		case "is_false_alarm":
			a.IsFalseAlarm = value.(bool)
		case "auto_escalated":
			a.AutoEscalated = value.(bool)
		default:
			return ErrStaleStatus
		}
	}
	a.UpdatedAt = time.Now()
	return nil
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case models.AlertStatus:
		return string(s)
	}
	return ""
}

// MemoryEscalationsRepo in-memory EscalationsRepository.
type MemoryEscalationsRepo struct {
	mu          sync.RWMutex
	escalations map[string][]*models.Escalation // alertID -> escalations
}

func NewMemoryEscalationsRepo() *MemoryEscalationsRepo {
	return &MemoryEscalationsRepo{escalations: map[string][]*models.Escalation{}}
}

var _ EscalationsRepository = (*MemoryEscalationsRepo)(nil)

func (r *MemoryEscalationsRepo) CreateEscalation(_ context.Context, esc *models.Escalation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.escalations[esc.AlertID] {
		if e.Level == esc.Level {
			return ErrEscalationLevelExists
		}
	}
	cp := *esc
	cp.EscalatedTo = append([]models.Recipient(nil), esc.EscalatedTo...)
	r.escalations[esc.AlertID] = append(r.escalations[esc.AlertID], &cp)
	return nil
}

func (r *MemoryEscalationsRepo) ListEscalations(_ context.Context, alertID string) ([]*models.Escalation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*models.Escalation{}
	for _, e := range r.escalations[alertID] {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EscalatedAt.Before(out[j].EscalatedAt)
	})
	return out, nil
}

func (r *MemoryEscalationsRepo) MaxEscalationLevel(_ context.Context, alertID string) (int, *time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	max := 0
	var at *time.Time
	for _, e := range r.escalations[alertID] {
		if e.Level > max {
			max = e.Level
			t := e.EscalatedAt
			at = &t
		}
	}
	return max, at, nil
}

// MemoryNotificationsRepo in-memory NotificationsRepository.
type MemoryNotificationsRepo struct {
	mu            sync.RWMutex
	notifications map[string]*models.Notification // notificationID -> Notification
}

func NewMemoryNotificationsRepo() *MemoryNotificationsRepo {
	return &MemoryNotificationsRepo{notifications: map[string]*models.Notification{}}
}

var _ NotificationsRepository = (*MemoryNotificationsRepo)(nil)

func (r *MemoryNotificationsRepo) CreateNotification(_ context.Context, n *models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *n
	r.notifications[n.NotificationID] = &cp
	return nil
}

func (r *MemoryNotificationsRepo) UpdateNotificationStatus(_ context.Context, notificationID string, status models.NotificationStatus, failureReason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.notifications[notificationID]
	if !ok {
		return ErrNotFound
	}
	n.Status = status
	now := time.Now()
	switch status {
	case models.NotifySent:
		n.SentAt = &now
	case models.NotifyDelivered:
		n.DeliveredAt = &now
	case models.NotifyFailed, models.NotifyBounced:
		n.FailureReason = failureReason
	}
	n.UpdatedAt = now
	return nil
}

func (r *MemoryNotificationsRepo) ListNotifications(_ context.Context, alertID string) ([]*models.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*models.Notification{}
	for _, n := range r.notifications {
		if n.AlertID == alertID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MemoryAlertConfigsRepo in-memory AlertConfigsRepository.
type MemoryAlertConfigsRepo struct {
	mu      sync.RWMutex
	configs map[string]*models.AlertConfiguration // configID -> config
}

func NewMemoryAlertConfigsRepo() *MemoryAlertConfigsRepo {
	return &MemoryAlertConfigsRepo{configs: map[string]*models.AlertConfiguration{}}
}

var _ AlertConfigsRepository = (*MemoryAlertConfigsRepo)(nil)

func copyConfig(c *models.AlertConfiguration) *models.AlertConfiguration {
	cp := *c
	cp.ApplicableAlertTypes = append([]models.AlertType(nil), c.ApplicableAlertTypes...)
	cp.PrimaryRecipients = append([]models.Recipient(nil), c.PrimaryRecipients...)
	cp.EscalationRecipients = append([]models.Recipient(nil), c.EscalationRecipients...)
	cp.NotificationChannels = append([]models.NotificationChannel(nil), c.NotificationChannels...)
	cp.EmergencyContacts = append([]models.EmergencyContact(nil), c.EmergencyContacts...)
	return &cp
}

func (r *MemoryAlertConfigsRepo) CreateConfig(_ context.Context, tenantID string, cfg *models.AlertConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs[cfg.ConfigID] = copyConfig(cfg)
	return nil
}

func (r *MemoryAlertConfigsRepo) GetConfig(_ context.Context, tenantID, configID string) (*models.AlertConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.configs[configID]
	if !ok || c.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyConfig(c), nil
}

func (r *MemoryAlertConfigsRepo) ListConfigs(_ context.Context, tenantID string, teamID *string, activeOnly bool) ([]*models.AlertConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*models.AlertConfiguration{}
	for _, c := range r.configs {
		if c.TenantID != tenantID {
			continue
		}
		if teamID != nil && (c.TeamID == nil || *c.TeamID != *teamID) {
			continue
		}
		if activeOnly && !c.IsActive {
			continue
		}
		out = append(out, copyConfig(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (r *MemoryAlertConfigsRepo) ListActiveConfigs(ctx context.Context, tenantID string) ([]*models.AlertConfiguration, error) {
	return r.ListConfigs(ctx, tenantID, nil, true)
}

func (r *MemoryAlertConfigsRepo) UpdateConfig(_ context.Context, tenantID, configID string, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.configs[configID]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}

	for field, value := range updates {
		switch field {
		case "config_name":
			c.Name = value.(string)
		case "description":
			c.Description = value.(string)
		case "enable_escalation":
			c.EnableEscalation = value.(bool)
		case "escalation_threshold_seconds":
			c.EscalationThresholdSeconds = value.(int)
		case "notify_on_status_change":
			c.NotifyOnStatusChange = value.(bool)
		case "notify_on_escalation":
			c.NotifyOnEscalation = value.(bool)
		case "require_closure_notes":
			c.RequireClosureNotes = value.(bool)
		case "auto_close_false_alarm_seconds":
			n := value.(int)
			c.AutoCloseFalseAlarmSeconds = &n
		case "priority":
			c.Priority = value.(int)
		case "is_active":
			c.IsActive = value.(bool)
		case "updated_by":
			s := value.(string)
			c.UpdatedBy = &s
		// JSONB 列以 json.Marshal 后的 []byte 传入，与 Postgres 实现一致
		case "applicable_alert_types":
			_ = json.Unmarshal(value.([]byte), &c.ApplicableAlertTypes)
		case "primary_recipients":
			_ = json.Unmarshal(value.([]byte), &c.PrimaryRecipients)
		case "escalation_recipients":
			_ = json.Unmarshal(value.([]byte), &c.EscalationRecipients)
		case "notification_channels":
			_ = json.Unmarshal(value.([]byte), &c.NotificationChannels)
		case "emergency_contacts":
			_ = json.Unmarshal(value.([]byte), &c.EmergencyContacts)
		}
	}
	c.UpdatedAt = time.Now()
	return nil
}

// ReplaceConfig swaps a stored configuration (test helper for JSONB fields).
func (r *MemoryAlertConfigsRepo) ReplaceConfig(cfg *models.AlertConfiguration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ConfigID] = copyConfig(cfg)
}

func (r *MemoryAlertConfigsRepo) DeactivateConfig(ctx context.Context, tenantID, configID string, updatedBy *string) error {
	updates := map[string]interface{}{"is_active": false}
	if updatedBy != nil {
		updates["updated_by"] = *updatedBy
	}
	return r.UpdateConfig(ctx, tenantID, configID, updates)
}

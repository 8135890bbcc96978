package notifier

import (
	"fmt"
	"strings"

	"fleet-sos/internal/models"
)

// BuildSubject 通知标题
// statusLabel 形如 "TRIGGERED" / "ESCALATED - Level 2" / "Status Update: CLOSED"
func BuildSubject(alert *models.Alert, statusLabel string) string {
	return fmt.Sprintf("🚨 ALERT %s - #%s - %s", statusLabel, alert.AlertID, alert.AlertType)
}

// BuildMessage 通知正文
// action 形如 "triggered" / "escalated to level 2" / "status changed to CLOSED"
func BuildMessage(alert *models.Alert, action string) string {
	bookingID := "N/A"
	if alert.BookingID != nil {
		bookingID = *alert.BookingID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Alert #%s has been %s.\n\n", alert.AlertID, action)
	fmt.Fprintf(&b, "Type: %s\n", alert.AlertType)
	fmt.Fprintf(&b, "Severity: %s\n", alert.Severity)
	fmt.Fprintf(&b, "Employee ID: %s\n", alert.EmployeeID)
	fmt.Fprintf(&b, "Booking ID: %s\n", bookingID)
	fmt.Fprintf(&b, "Triggered At: %s\n", alert.TriggeredAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Location: %v, %v\n", alert.TriggerLatitude, alert.TriggerLongitude)

	if alert.TriggerNotes != nil && *alert.TriggerNotes != "" {
		fmt.Fprintf(&b, "\nNotes: %s\n", *alert.TriggerNotes)
	}

	b.WriteString("\nPlease respond immediately.")
	return b.String()
}

// SubjectForStatusChange 状态变更通知标题
func SubjectForStatusChange(alert *models.Alert, newStatus models.AlertStatus) string {
	return BuildSubject(alert, fmt.Sprintf("Status Update: %s", newStatus))
}

// SubjectForEscalation 升级通知标题
func SubjectForEscalation(alert *models.Alert, level int) string {
	return BuildSubject(alert, fmt.Sprintf("ESCALATED - Level %d", level))
}

package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/localdirectory/guardian/models"
)

// NewSecurityAlert builds the alert forwarded for a security event. Action is
// required for high and critical severities.
func NewSecurityAlert(eventType models.EventType, severity models.Severity, description string, metadata map[string]string, userID, ip string) *models.AlertPayload {
	source := models.SourceSubscriptionSecurity
	if eventType == models.EventPaymentAttempt {
		source = models.SourcePaymentFraud
	}

	alert := &models.AlertPayload{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		Severity:       severity,
		Title:          "Security Alert: " + humanize(string(eventType)),
		Description:    description,
		Metadata:       copyMetadata(metadata),
		Source:         source,
		ActionRequired: severity.AtLeastHigh(),
	}
	if userID != "" {
		alert.AffectedUsers = []string{userID}
	}
	if ip != "" {
		alert.AffectedIPs = []string{ip}
	}
	return alert
}

// NewSystemAlert builds an operational alert. Only critical system alerts
// require action.
func NewSystemAlert(title, description string, severity models.Severity, metadata map[string]string) *models.AlertPayload {
	return &models.AlertPayload{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		Severity:       severity,
		Title:          title,
		Description:    description,
		Metadata:       copyMetadata(metadata),
		Source:         models.SourceSystemHealth,
		ActionRequired: severity == models.SeverityCritical,
	}
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// humanize turns "feature_bypass_attempt" into "FEATURE BYPASS ATTEMPT".
func humanize(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "_", " "))
}

// Severity presentation shared by the chat and email channels.
const (
	colorGreen     = 0x36A64F
	colorOrange    = 0xFF9900
	colorOrangeRed = 0xFF4500
	colorRed       = 0xFF0000
)

func severityColor(s models.Severity) int {
	switch s {
	case models.SeverityLow:
		return colorGreen
	case models.SeverityMedium:
		return colorOrange
	case models.SeverityHigh:
		return colorOrangeRed
	case models.SeverityCritical:
		return colorRed
	}
	return colorOrange
}

func severityHex(s models.Severity) string {
	return fmt.Sprintf("#%06X", severityColor(s))
}

func severityEmoji(s models.Severity) string {
	switch s {
	case models.SeverityLow:
		return "ℹ️"
	case models.SeverityMedium:
		return "⚠️"
	case models.SeverityHigh:
		return "🚨"
	case models.SeverityCritical:
		return "🔥"
	}
	return "⚠️"
}

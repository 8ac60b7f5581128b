package models

import (
	"time"
)

type EventType string

const (
	EventLogin                EventType = "login"
	EventLogout               EventType = "logout"
	EventSignup               EventType = "signup"
	EventPasswordChange       EventType = "password_change"
	EventSubscriptionAccess   EventType = "subscription_access"
	EventPlanUpgrade          EventType = "plan_upgrade"
	EventPaymentAttempt       EventType = "payment_attempt"
	EventFeatureBypassAttempt EventType = "feature_bypass_attempt"
	EventUsageLimitExceeded   EventType = "usage_limit_exceeded"
	EventInvalidToken         EventType = "invalid_token"
	EventSuspiciousActivity   EventType = "suspicious_activity"
)

var eventTypes = map[EventType]bool{
	EventLogin:                true,
	EventLogout:               true,
	EventSignup:               true,
	EventPasswordChange:       true,
	EventSubscriptionAccess:   true,
	EventPlanUpgrade:          true,
	EventPaymentAttempt:       true,
	EventFeatureBypassAttempt: true,
	EventUsageLimitExceeded:   true,
	EventInvalidToken:         true,
	EventSuspiciousActivity:   true,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return eventTypes[t]
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists the tiers from least to most severe.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AtLeastHigh reports whether the severity is high or critical.
func (s Severity) AtLeastHigh() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// RequestPattern is the activity snapshot stamped on an event when it is written.
type RequestPattern struct {
	IPRequests   int `json:"ipRequests"`
	UserRequests int `json:"userRequests"`
}

// EventMetadata carries the structured context of a security event. Field names
// keep the keys consumers of the event log already read.
type EventMetadata struct {
	IsBlocked        bool              `json:"isBlocked"`
	IsSuspiciousUser bool              `json:"isSuspiciousUser"`
	RequestPattern   *RequestPattern   `json:"requestPattern,omitempty"`
	Feature          string            `json:"feature,omitempty"`
	Plan             string            `json:"plan,omitempty"`
	RequiredPlan     string            `json:"requiredPlan,omitempty"`
	FromPlan         string            `json:"fromPlan,omitempty"`
	ToPlan           string            `json:"toPlan,omitempty"`
	CurrentUsage     int64             `json:"currentUsage,omitempty"`
	Limit            int64             `json:"limit,omitempty"`
	Identifier       string            `json:"identifier,omitempty"`
	Endpoint         string            `json:"endpoint,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Pattern          string            `json:"pattern,omitempty"`
	EventCount       int               `json:"eventCount,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy so snapshots never share maps or pointers.
func (m EventMetadata) Clone() EventMetadata {
	out := m
	if m.RequestPattern != nil {
		rp := *m.RequestPattern
		out.RequestPattern = &rp
	}
	if m.Attributes != nil {
		out.Attributes = make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

type SecurityEvent struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	EventType   EventType     `json:"eventType"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Metadata    EventMetadata `json:"metadata"`
	UserID      string        `json:"userId,omitempty"`
	IPAddress   string        `json:"ipAddress,omitempty"`
	UserAgent   string        `json:"userAgent,omitempty"`
	Resolved    bool          `json:"resolved"`
}

// Clone returns a copy that is safe to hand out of a locked section.
func (e *SecurityEvent) Clone() SecurityEvent {
	out := *e
	out.Metadata = e.Metadata.Clone()
	return out
}

type AlertSource string

const (
	SourceSubscriptionSecurity AlertSource = "subscription_security"
	SourcePaymentFraud         AlertSource = "payment_fraud"
	SourceSystemHealth         AlertSource = "system_health"
)

type AlertPayload struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	Severity       Severity          `json:"severity"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Source         AlertSource       `json:"source"`
	ActionRequired bool              `json:"actionRequired"`
	AffectedUsers  []string          `json:"affectedUsers,omitempty"`
	AffectedIPs    []string          `json:"affectedIPs,omitempty"`
}

// RequestContext is what the gate extracts from an inbound request before
// consulting the core.
type RequestContext struct {
	IP          string
	UserID      string
	APIKey      string
	Endpoint    string
	Method      string
	UserAgent   string
	Fingerprint string
	Timestamp   time.Time
}

type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type APIKey struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	APIKey         string    `json:"api_key"`
	IsActive       bool      `json:"is_active"`
	RateLimit      int       `json:"rate_limit,omitempty"`
	RateWindowSecs int       `json:"rate_window_secs,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IPBlock is a persisted auto-block or manual block.
type IPBlock struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

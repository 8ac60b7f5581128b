package audit

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/localdirectory/guardian/models"
)

// Actor identifies who triggered an event.
type Actor struct {
	UserID    string
	IP        string
	UserAgent string
}

func (e *Engine) logFor(ctx context.Context, who Actor, t models.EventType, sev models.Severity, desc string, meta models.EventMetadata) {
	e.LogEvent(ctx, EventInput{
		Type:        t,
		Severity:    sev,
		Description: desc,
		Metadata:    meta,
		UserID:      who.UserID,
		IPAddress:   who.IP,
		UserAgent:   who.UserAgent,
	})
}

// LogSubscriptionAccess records an access check: low when granted, medium when denied.
func (e *Engine) LogSubscriptionAccess(ctx context.Context, who Actor, feature string, plan models.Plan, granted bool, reason string) {
	sev := models.SeverityLow
	desc := fmt.Sprintf("Subscription access granted for %s", feature)
	if !granted {
		sev = models.SeverityMedium
		desc = fmt.Sprintf("Subscription access denied for %s", feature)
	}
	e.logFor(ctx, who, models.EventSubscriptionAccess, sev, desc, models.EventMetadata{
		Feature: feature,
		Plan:    string(plan),
		Reason:  reason,
	})
}

func (e *Engine) LogPlanUpgrade(ctx context.Context, who Actor, from, to models.Plan) {
	e.logFor(ctx, who, models.EventPlanUpgrade, models.SeverityLow,
		fmt.Sprintf("Plan changed from %s to %s", from, to),
		models.EventMetadata{FromPlan: string(from), ToPlan: string(to)})
}

func (e *Engine) LogSubscriptionCancel(ctx context.Context, who Actor, plan models.Plan, reason string) {
	e.logFor(ctx, who, models.EventSubscriptionAccess, models.SeverityMedium,
		fmt.Sprintf("Subscription on %s plan cancelled", plan),
		models.EventMetadata{Plan: string(plan), Reason: reason})
}

// LogBypassAttempt is always high severity.
func (e *Engine) LogBypassAttempt(ctx context.Context, who Actor, feature string, plan, required models.Plan, endpoint string) {
	e.logFor(ctx, who, models.EventFeatureBypassAttempt, models.SeverityHigh,
		fmt.Sprintf("Attempt to access %s without the required plan", feature),
		models.EventMetadata{
			Feature:      feature,
			Plan:         string(plan),
			RequiredPlan: string(required),
			Endpoint:     endpoint,
		})
}

func (e *Engine) LogUsageLimitExceeded(ctx context.Context, who Actor, feature string, current, limit int64) {
	e.logFor(ctx, who, models.EventUsageLimitExceeded, models.SeverityMedium,
		fmt.Sprintf("Usage limit exceeded for %s", feature),
		models.EventMetadata{Feature: feature, CurrentUsage: current, Limit: limit})
}

func (e *Engine) LogInvalidToken(ctx context.Context, who Actor, endpoint, reason string) {
	e.logFor(ctx, who, models.EventInvalidToken, models.SeverityMedium,
		"Invalid authentication token",
		models.EventMetadata{Endpoint: endpoint, Reason: reason})
}

// LogPaymentAttempt records a payment: low on success, medium on failure.
func (e *Engine) LogPaymentAttempt(ctx context.Context, who Actor, amount decimal.Decimal, plan models.Plan, success bool, reason string) {
	sev := models.SeverityLow
	desc := fmt.Sprintf("Payment of %s succeeded", amount.StringFixed(2))
	if !success {
		sev = models.SeverityMedium
		desc = fmt.Sprintf("Payment of %s failed", amount.StringFixed(2))
	}
	e.logFor(ctx, who, models.EventPaymentAttempt, sev, desc, models.EventMetadata{
		Plan:       string(plan),
		Reason:     reason,
		Attributes: map[string]string{"amount": amount.StringFixed(2)},
	})
}

type actorKey struct{}

// WithActor attaches request identity for loggers further down the call chain.
func WithActor(ctx context.Context, who Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, who)
}

func ActorFrom(ctx context.Context) Actor {
	who, _ := ctx.Value(actorKey{}).(Actor)
	return who
}

// Package subscription enforces plan status, capability gating and metered
// usage limits for directory subscriptions.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localdirectory/guardian/audit"
	"github.com/localdirectory/guardian/metrics"
	"github.com/localdirectory/guardian/models"
)

const (
	maxUpdateRetries = 3
	billingPeriod    = 30 * 24 * time.Hour
)

// Caller-facing texts for store failures.
const (
	MsgNotFound  = "Subscription not found"
	MsgForbidden = "Subscription belongs to another account"
	MsgInternal  = "Internal server error"
)

// ErrForeignSubscription is returned when a business subscription is owned by
// a different user than the caller.
var ErrForeignSubscription = errors.New("subscription belongs to another user")

// AuditLogger is the part of the audit engine the enforcer reports to.
type AuditLogger interface {
	LogSubscriptionAccess(ctx context.Context, who audit.Actor, feature string, plan models.Plan, granted bool, reason string)
	LogPlanUpgrade(ctx context.Context, who audit.Actor, from, to models.Plan)
	LogSubscriptionCancel(ctx context.Context, who audit.Actor, plan models.Plan, reason string)
	LogBypassAttempt(ctx context.Context, who audit.Actor, feature string, plan, required models.Plan, endpoint string)
	LogUsageLimitExceeded(ctx context.Context, who audit.Actor, feature string, current, limit int64)
}

type AccessResult struct {
	IsValid      bool                 `json:"isValid"`
	HasAccess    bool                 `json:"hasAccess"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Error        string               `json:"error,omitempty"`
}

type FeatureRequest struct {
	UserID     string
	BusinessID string
	Capability Capability
	Endpoint   string
}

type FeatureResult struct {
	Allowed      bool        `json:"allowed"`
	Plan         models.Plan `json:"plan,omitempty"`
	RequiredPlan models.Plan `json:"requiredPlan,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Error        string      `json:"error,omitempty"`
}

type UsageResult struct {
	Success      bool         `json:"success"`
	WithinLimits bool         `json:"withinLimits"`
	LimitReached bool         `json:"limitReached,omitempty"`
	Current      int64        `json:"current"`
	Limit        models.Limit `json:"limit"`
	Error        string       `json:"error,omitempty"`
}

type ChangeResult struct {
	Success      bool                 `json:"success"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// rejection is a policy refusal whose message is safe to show the caller.
type rejection string

func (r rejection) Error() string { return string(r) }

var errLimitExceeded = errors.New("usage limit exceeded")

type Enforcer struct {
	store     Store
	audit     AuditLogger
	logger    *zap.Logger
	trialDays int
	now       func() time.Time
}

func NewEnforcer(store Store, auditLog AuditLogger, logger *zap.Logger, trialDays int) *Enforcer {
	if trialDays <= 0 {
		trialDays = 14
	}
	return &Enforcer{
		store:     store,
		audit:     auditLog,
		logger:    logger.Named("subscription"),
		trialDays: trialDays,
		now:       time.Now,
	}
}

func actorFor(ctx context.Context, userID string) audit.Actor {
	who := audit.ActorFrom(ctx)
	if userID != "" {
		who.UserID = userID
	}
	return who
}

// Lookup finds the subscription for a business when businessID is set and
// for the user otherwise, creating a starter trial when none exists. A trial
// created for a business is owned by userID, and only that user can reach the
// business subscription afterwards.
func (en *Enforcer) Lookup(ctx context.Context, userID, businessID string) (*models.Subscription, error) {
	sub, err := en.find(ctx, userID, businessID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) || userID == "" {
		return nil, err
	}

	sub = en.newTrial(userID, businessID)
	err = en.store.Create(ctx, sub)
	if errors.Is(err, ErrSubscriptionExists) {
		// A concurrent first request created it; use that one.
		return en.find(ctx, userID, businessID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trial subscription: %w", err)
	}
	en.logger.Info("starter trial created",
		zap.String("user_id", userID),
		zap.String("business_id", businessID),
		zap.String("subscription_id", sub.ID))
	return sub, nil
}

func (en *Enforcer) find(ctx context.Context, userID, businessID string) (*models.Subscription, error) {
	var (
		sub *models.Subscription
		err error
	)
	if businessID != "" {
		sub, err = en.store.FindByBusinessID(ctx, businessID)
	} else {
		sub, err = en.store.FindByUserID(ctx, userID)
	}
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	case userID != "" && sub.UserID != userID:
		return nil, ErrForeignSubscription
	}
	return sub, nil
}

func (en *Enforcer) newTrial(userID, businessID string) *models.Subscription {
	now := en.now().UTC()
	trialEnd := now.AddDate(0, 0, en.trialDays)
	limits, _ := LimitsFor(models.PlanStarter)
	return &models.Subscription{
		ID:         uuid.NewString(),
		UserID:     userID,
		BusinessID: businessID,
		Plan:       models.PlanStarter,
		Status:     models.StatusTrialing,
		Amount:     PriceFor(models.PlanStarter),
		Limits:     limits,
		Trial: models.TrialInfo{
			IsTrialing: true,
			TrialStart: &now,
			TrialEnd:   &trialEnd,
		},
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   trialEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// ValidateAccess reports whether the subscription is in a state that grants
// access. It does not check feature against the plan; see CheckFeatureAccess.
func (en *Enforcer) ValidateAccess(ctx context.Context, userID, feature, businessID string) *AccessResult {
	if userID == "" && businessID == "" {
		return &AccessResult{Error: "User ID is required"}
	}

	sub, err := en.Lookup(ctx, userID, businessID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		return &AccessResult{Error: MsgNotFound}
	case errors.Is(err, ErrForeignSubscription):
		en.logger.Warn("business subscription requested by non-owner",
			zap.String("user_id", userID),
			zap.String("business_id", businessID))
		if en.audit != nil {
			en.audit.LogSubscriptionAccess(ctx, actorFor(ctx, userID), feature, "", false, "business_not_owned")
		}
		return &AccessResult{Error: MsgForbidden}
	case err != nil:
		en.logger.Error("subscription lookup failed", zap.String("user_id", userID), zap.Error(err))
		return &AccessResult{Error: MsgInternal}
	}

	who := actorFor(ctx, sub.UserID)
	res := &AccessResult{IsValid: true, Subscription: sub}
	switch {
	case sub.Status == models.StatusCancelled || sub.Status == models.StatusPastDue:
		res.Reason = fmt.Sprintf("Subscription is %s", sub.Status)
	case sub.Trial.IsTrialing && sub.Trial.TrialEnd != nil && en.now().After(*sub.Trial.TrialEnd):
		res.Reason = "Trial period has expired"
	default:
		res.HasAccess = true
	}

	if en.audit != nil {
		en.audit.LogSubscriptionAccess(ctx, who, feature, sub.Plan, res.HasAccess, res.Reason)
	}
	return res
}

// CheckFeatureAccess gates a capability on the subscriber's plan. Denials for
// plan reasons are logged as bypass attempts.
func (en *Enforcer) CheckFeatureAccess(ctx context.Context, req FeatureRequest) *FeatureResult {
	required, known := RequiredPlan(req.Capability)
	if !known {
		return &FeatureResult{Error: "Unknown feature"}
	}

	access := en.ValidateAccess(ctx, req.UserID, string(req.Capability), req.BusinessID)
	if access.Error != "" {
		return &FeatureResult{Error: access.Error}
	}
	sub := access.Subscription
	if !access.HasAccess {
		return &FeatureResult{Plan: sub.Plan, Reason: access.Reason}
	}

	if HasCapability(sub.Plan, req.Capability) {
		return &FeatureResult{Allowed: true, Plan: sub.Plan}
	}

	if en.audit != nil {
		en.audit.LogBypassAttempt(ctx, actorFor(ctx, sub.UserID), string(req.Capability), sub.Plan, required, req.Endpoint)
	}
	return &FeatureResult{
		Plan:         sub.Plan,
		RequiredPlan: required,
		Reason:       fmt.Sprintf("Feature not available on the %s plan", sub.Plan),
	}
}

// mutate applies fn to a fresh copy of the subscription and stores it,
// retrying when another writer bumped the version first.
func (en *Enforcer) mutate(ctx context.Context, id string, fn func(sub *models.Subscription) error) (*models.Subscription, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		sub, err := en.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sub); err != nil {
			return sub, err
		}
		sub.UpdatedAt = en.now().UTC()

		err = en.store.Update(ctx, sub, sub.Version)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		en.logger.Debug("subscription version conflict, retrying",
			zap.String("subscription_id", id),
			zap.Int("attempt", attempt+1))
	}
	return nil, ErrVersionConflict
}

func (en *Enforcer) failure(op, id string, err error) string {
	var r rejection
	switch {
	case errors.As(err, &r):
		return string(r)
	case errors.Is(err, ErrSubscriptionNotFound):
		return MsgNotFound
	}
	en.logger.Error("subscription update failed",
		zap.String("op", op),
		zap.String("subscription_id", id),
		zap.Error(err))
	return MsgInternal
}

// UpdateUsage adds increment to a metered counter. An increment that would
// pass the plan limit is rejected whole and usage is left unchanged.
func (en *Enforcer) UpdateUsage(ctx context.Context, subscriptionID string, feature models.Feature, increment int64) *UsageResult {
	if increment < 0 {
		return &UsageResult{Error: "Increment must not be negative"}
	}

	var current int64
	var limit models.Limit
	sub, err := en.mutate(ctx, subscriptionID, func(sub *models.Subscription) error {
		used, ok := sub.Usage.Get(feature)
		if !ok {
			return rejection("Unknown feature")
		}
		limit, _ = sub.Limits.Get(feature)
		current = used
		next := used + increment
		if !limit.Allows(next) {
			return errLimitExceeded
		}
		sub.Usage.Set(feature, next)
		current = next
		return nil
	})

	switch {
	case err == nil:
		metrics.UsageUpdates.WithLabelValues(string(feature), "accepted").Inc()
		return &UsageResult{Success: true, WithinLimits: true, Current: current, Limit: limit}
	case errors.Is(err, errLimitExceeded):
		metrics.UsageUpdates.WithLabelValues(string(feature), "rejected").Inc()
		if en.audit != nil {
			en.audit.LogUsageLimitExceeded(ctx, actorFor(ctx, sub.UserID), string(feature), current+increment, int64(limit))
		}
		return &UsageResult{
			LimitReached: true,
			Current:      current,
			Limit:        limit,
			Error:        fmt.Sprintf("Usage limit reached for %s", feature),
		}
	default:
		metrics.UsageUpdates.WithLabelValues(string(feature), "error").Inc()
		return &UsageResult{Error: en.failure("update_usage", subscriptionID, err)}
	}
}

// UpgradeSubscription moves the subscription to plan. Downgrades are refused
// when current usage would exceed the target plan's limits.
func (en *Enforcer) UpgradeSubscription(ctx context.Context, subscriptionID string, plan models.Plan) *ChangeResult {
	limits, ok := LimitsFor(plan)
	if !ok {
		return &ChangeResult{Error: "Invalid plan"}
	}

	var from models.Plan
	sub, err := en.mutate(ctx, subscriptionID, func(sub *models.Subscription) error {
		if sub.Status == models.StatusCancelled {
			return rejection("Cannot change plan of a cancelled subscription")
		}
		if sub.Plan == plan && !sub.Trial.IsTrialing {
			return rejection(fmt.Sprintf("Subscription is already on the %s plan", plan))
		}
		for _, f := range []models.Feature{models.FeaturePhotos, models.FeatureAPICalls, models.FeatureMenuItems, models.FeatureAppointments, models.FeatureStorage} {
			used, _ := sub.Usage.Get(f)
			lim, _ := limits.Get(f)
			if !lim.Allows(used) {
				return rejection(fmt.Sprintf("Current %s usage exceeds the %s plan limit", f, plan))
			}
		}

		now := en.now().UTC()
		from = sub.Plan
		sub.Plan = plan
		sub.Limits = limits
		sub.Amount = PriceFor(plan)
		sub.Status = models.StatusActive
		if sub.Trial.IsTrialing {
			sub.Trial.IsTrialing = false
			sub.Trial.TrialEnd = &now
		}
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = now.Add(billingPeriod)
		return nil
	})
	if err != nil {
		return &ChangeResult{Error: en.failure("upgrade", subscriptionID, err)}
	}

	en.logger.Info("subscription plan changed",
		zap.String("subscription_id", sub.ID),
		zap.String("from", string(from)),
		zap.String("to", string(plan)))
	if en.audit != nil {
		en.audit.LogPlanUpgrade(ctx, actorFor(ctx, sub.UserID), from, plan)
	}
	return &ChangeResult{Success: true, Subscription: sub}
}

func (en *Enforcer) CancelSubscription(ctx context.Context, subscriptionID, reason string) *ChangeResult {
	sub, err := en.mutate(ctx, subscriptionID, func(sub *models.Subscription) error {
		if sub.Status == models.StatusCancelled {
			return rejection("Subscription is already cancelled")
		}
		now := en.now().UTC()
		sub.Status = models.StatusCancelled
		sub.CanceledAt = &now
		sub.Trial.IsTrialing = false
		return nil
	})
	if err != nil {
		return &ChangeResult{Error: en.failure("cancel", subscriptionID, err)}
	}

	en.logger.Info("subscription cancelled", zap.String("subscription_id", sub.ID), zap.String("reason", reason))
	if en.audit != nil {
		en.audit.LogSubscriptionCancel(ctx, actorFor(ctx, sub.UserID), sub.Plan, reason)
	}
	return &ChangeResult{Success: true, Subscription: sub}
}

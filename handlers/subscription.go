package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/localdirectory/guardian/audit"
	"github.com/localdirectory/guardian/middleware"
	"github.com/localdirectory/guardian/models"
	"github.com/localdirectory/guardian/subscription"
)

// PaymentLogger records the charge attempt behind a plan change.
type PaymentLogger interface {
	LogPaymentAttempt(ctx context.Context, who audit.Actor, amount decimal.Decimal, plan models.Plan, success bool, reason string)
}

// SubscriptionHandler serves the caller's own subscription. The business
// subscription is addressed with the X-Business-ID header.
type SubscriptionHandler struct {
	enforcer *subscription.Enforcer
	payments PaymentLogger
	logger   *zap.Logger
}

func NewSubscriptionHandler(enforcer *subscription.Enforcer, payments PaymentLogger, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		enforcer: enforcer,
		payments: payments,
		logger:   logger.Named("subscription.http"),
	}
}

type planInfo struct {
	Plan         models.Plan               `json:"plan"`
	Price        decimal.Decimal           `json:"price"`
	Limits       models.PlanLimits         `json:"limits"`
	Capabilities []subscription.Capability `json:"capabilities"`
}

func (h *SubscriptionHandler) GetPlans(w http.ResponseWriter, r *http.Request) {
	plans := make([]planInfo, 0, 3)
	for _, p := range []models.Plan{models.PlanStarter, models.PlanProfessional, models.PlanEnterprise} {
		limits, _ := subscription.LimitsFor(p)
		plans = append(plans, planInfo{
			Plan:         p,
			Price:        subscription.PriceFor(p),
			Limits:       limits,
			Capabilities: subscription.Capabilities(p),
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}

// current loads the caller's subscription, writing the error response itself
// when it cannot.
func (h *SubscriptionHandler) current(w http.ResponseWriter, r *http.Request) (*models.Subscription, bool) {
	sub, err := h.enforcer.Lookup(r.Context(), middleware.GetUserID(r.Context()), r.Header.Get("X-Business-ID"))
	switch {
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		respondError(w, http.StatusNotFound, subscription.MsgNotFound)
		return nil, false
	case errors.Is(err, subscription.ErrForeignSubscription):
		respondError(w, http.StatusForbidden, subscription.MsgForbidden)
		return nil, false
	case err != nil:
		h.logger.Error("subscription lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, subscription.MsgInternal)
		return nil, false
	}
	return sub, true
}

func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.current(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"subscription": sub,
		"capabilities": subscription.Capabilities(sub.Plan),
	})
}

func (h *SubscriptionHandler) ValidateAccess(w http.ResponseWriter, r *http.Request) {
	res := h.enforcer.ValidateAccess(r.Context(), middleware.GetUserID(r.Context()),
		r.URL.Query().Get("feature"), r.Header.Get("X-Business-ID"))
	respondJSON(w, resultStatus(res.Error, true), res)
}

func (h *SubscriptionHandler) CheckFeature(w http.ResponseWriter, r *http.Request) {
	res := h.enforcer.CheckFeatureAccess(r.Context(), subscription.FeatureRequest{
		UserID:     middleware.GetUserID(r.Context()),
		BusinessID: r.Header.Get("X-Business-ID"),
		Capability: subscription.Capability(chi.URLParam(r, "capability")),
		Endpoint:   r.URL.Path,
	})
	respondJSON(w, resultStatus(res.Error, true), res)
}

func (h *SubscriptionHandler) UpdateUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Feature   models.Feature `json:"feature"`
		Increment *int64         `json:"increment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	increment := int64(1)
	if req.Increment != nil {
		increment = *req.Increment
	}

	sub, ok := h.current(w, r)
	if !ok {
		return
	}

	res := h.enforcer.UpdateUsage(r.Context(), sub.ID, req.Feature, increment)
	status := resultStatus(res.Error, res.Success)
	if res.LimitReached {
		status = http.StatusForbidden
	}
	respondJSON(w, status, res)
}

func (h *SubscriptionHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan models.Plan `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, ok := h.current(w, r)
	if !ok {
		return
	}

	res := h.enforcer.UpgradeSubscription(r.Context(), sub.ID, req.Plan)
	if h.payments != nil && req.Plan.Valid() {
		h.payments.LogPaymentAttempt(r.Context(), audit.ActorFrom(r.Context()),
			subscription.PriceFor(req.Plan), req.Plan, res.Success, res.Error)
	}
	respondJSON(w, resultStatus(res.Error, res.Success), res)
}

func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sub, ok := h.current(w, r)
	if !ok {
		return
	}

	res := h.enforcer.CancelSubscription(r.Context(), sub.ID, req.Reason)
	respondJSON(w, resultStatus(res.Error, res.Success), res)
}

// resultStatus maps a result's caller-safe error text to an HTTP status.
func resultStatus(errText string, ok bool) int {
	switch {
	case errText == subscription.MsgInternal:
		return http.StatusInternalServerError
	case errText == subscription.MsgNotFound:
		return http.StatusNotFound
	case errText == subscription.MsgForbidden:
		return http.StatusForbidden
	case errText != "" || !ok:
		return http.StatusBadRequest
	}
	return http.StatusOK
}

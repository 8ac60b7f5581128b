package middleware

import (
	"context"
	"net/http"

	"github.com/localdirectory/guardian/subscription"
)

// FeatureChecker gates a capability on the caller's subscription.
type FeatureChecker interface {
	CheckFeatureAccess(ctx context.Context, req subscription.FeatureRequest) *subscription.FeatureResult
}

// RequireAdmin allows only callers whose token carries the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := GetIdentity(r.Context())
		if ident == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !ident.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireFeature admits the request only when the caller's plan unlocks c.
// The subscription is the business's when X-Business-ID is sent.
func RequireFeature(checker FeatureChecker, c subscription.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := GetIdentity(r.Context())
			if ident == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			res := checker.CheckFeatureAccess(r.Context(), subscription.FeatureRequest{
				UserID:     ident.UserID,
				BusinessID: r.Header.Get("X-Business-ID"),
				Capability: c,
				Endpoint:   r.URL.Path,
			})
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			if res.Error != "" {
				status := http.StatusForbidden
				if res.Error == subscription.MsgInternal {
					status = http.StatusInternalServerError
				}
				writeError(w, status, res.Error)
				return
			}

			body := map[string]interface{}{
				"error":   "feature not available",
				"feature": string(c),
				"reason":  res.Reason,
				"plan":    res.Plan,
			}
			if res.RequiredPlan != "" {
				body["required_plan"] = res.RequiredPlan
			}
			writeJSON(w, http.StatusForbidden, body)
		})
	}
}

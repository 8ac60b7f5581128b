package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/localdirectory/guardian/ratelimiter"
)

type RateLimitMiddleware struct {
	limiter *ratelimiter.RateLimiter
	logger  *zap.Logger
	now     func() time.Time
}

func NewRateLimitMiddleware(limiter *ratelimiter.RateLimiter, logger *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger.Named("ratelimit"),
		now:     time.Now,
	}
}

// tierPrefixes is matched in order, so longer prefixes come first.
var tierPrefixes = []struct {
	prefix string
	tier   ratelimiter.Tier
}{
	{"/admin", ratelimiter.TierAdmin},
	{"/api/auth", ratelimiter.TierAuth},
	{"/api/uploads", ratelimiter.TierUpload},
	{"/api/subscription", ratelimiter.TierSubscription},
	{"/api", ratelimiter.TierAPI},
}

// TierFor picks the rate policy for a request path.
func TierFor(path string) ratelimiter.Tier {
	for _, p := range tierPrefixes {
		if path == p.prefix || strings.HasPrefix(path, p.prefix+"/") {
			return p.tier
		}
	}
	return ratelimiter.TierPublic
}

// RateLimit counts the request against the API key, the user, or the client
// address, in that order of preference. Limiter failures let the request through.
func (m *RateLimitMiddleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tier := TierFor(r.URL.Path)
		ident := GetIdentity(ctx)

		var (
			res *ratelimiter.Result
			err error
		)
		switch {
		case ident != nil && ident.APIKey != nil && tier == ratelimiter.TierAPI:
			res, err = m.limiter.CheckAPIKey(ctx, ident.APIKey.ID, keyPolicy(ident))
		case ident != nil && ident.UserID != "":
			res, err = m.limiter.CheckUser(ctx, ident.UserID, tier)
		default:
			res, err = m.limiter.CheckIP(ctx, getClientIP(r), tier)
		}
		if err != nil {
			m.logger.Warn("rate limit check failed, allowing request",
				zap.String("tier", string(tier)),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))

		if !res.Allowed {
			writeRateLimited(w, res, m.now())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, res *ratelimiter.Result, now time.Time) {
	retryAfter := int(res.RetryAfter(now).Round(time.Second) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":       "rate limit exceeded",
		"retry_after": retryAfter,
		"reset_time":  res.ResetTime.UTC().Format(time.RFC3339),
	})
}

func keyPolicy(ident *Identity) *ratelimiter.Policy {
	if ident.APIKey.RateLimit <= 0 {
		return nil
	}
	return &ratelimiter.Policy{
		Requests: ident.APIKey.RateLimit,
		Window:   time.Duration(ident.APIKey.RateWindowSecs) * time.Second,
	}
}

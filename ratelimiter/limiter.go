package ratelimiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/localdirectory/guardian/audit"
	"github.com/localdirectory/guardian/metrics"
	"github.com/localdirectory/guardian/models"
)

const cleanupInterval = 5 * time.Minute

// EventLogger receives a suspicious_activity event for every denied check.
type EventLogger interface {
	LogEvent(ctx context.Context, in audit.EventInput)
}

type Result struct {
	Allowed       bool      `json:"allowed"`
	Limit         int       `json:"limit"`
	Remaining     int       `json:"remaining"`
	ResetTime     time.Time `json:"reset_time"`
	TotalRequests int       `json:"total_requests"`
}

// RetryAfter is the time left until the window resets.
func (r *Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

type RateLimiter struct {
	store    Store
	events   EventLogger
	logger   *zap.Logger
	policies map[Tier]Policy
	now      func() time.Time
}

func New(store Store, events EventLogger, logger *zap.Logger) *RateLimiter {
	policies := make(map[Tier]Policy, len(DefaultPolicies))
	for t, p := range DefaultPolicies {
		policies[t] = p
	}
	return &RateLimiter{
		store:    store,
		events:   events,
		logger:   logger.Named("ratelimiter"),
		policies: policies,
		now:      time.Now,
	}
}

// actor identifies who tripped a limit, for the audit event.
type actor struct {
	ip     string
	userID string
}

// CheckLimit counts one request for identifier in a fixed window of the
// given length and reports whether it stays within limit.
func (rl *RateLimiter) CheckLimit(ctx context.Context, identifier string, limit int, window time.Duration) (*Result, error) {
	return rl.check(ctx, identifier, limit, window, actor{})
}

func (rl *RateLimiter) check(ctx context.Context, key string, limit int, window time.Duration, who actor) (*Result, error) {
	now := rl.now()
	entry, err := rl.store.Hit(ctx, key, window, now)
	if err != nil {
		metrics.RateLimitDecisions.WithLabelValues("error").Inc()
		return nil, err
	}

	remaining := limit - entry.Count
	if remaining < 0 {
		remaining = 0
	}
	res := &Result{
		// A window's opening request always passes, whatever the limit.
		Allowed:       entry.Fresh || entry.Count <= limit,
		Limit:         limit,
		Remaining:     remaining,
		ResetTime:     entry.ResetTime,
		TotalRequests: entry.Count,
	}

	if res.Allowed {
		metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
		return res, nil
	}

	metrics.RateLimitDecisions.WithLabelValues("denied").Inc()
	rl.logger.Debug("rate limit exceeded",
		zap.String("key", key),
		zap.Int("limit", limit),
		zap.Int("count", entry.Count))

	if rl.events != nil {
		rl.events.LogEvent(ctx, audit.EventInput{
			Type:        models.EventSuspiciousActivity,
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("Rate limit exceeded for %s", key),
			Metadata: models.EventMetadata{
				Identifier:   key,
				Limit:        int64(limit),
				CurrentUsage: int64(entry.Count),
				Reason:       "rate_limit_exceeded",
			},
			UserID:    who.userID,
			IPAddress: who.ip,
		})
	}
	return res, nil
}

// Policy returns the configured policy for tier.
func (rl *RateLimiter) Policy(tier Tier) (Policy, error) {
	p, ok := rl.policies[tier]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return p, nil
}

func (rl *RateLimiter) CheckIP(ctx context.Context, ip string, tier Tier) (*Result, error) {
	p, err := rl.Policy(tier)
	if err != nil {
		return nil, err
	}
	return rl.check(ctx, "ip:"+ip+":"+string(tier), p.Requests, p.Window, actor{ip: ip})
}

func (rl *RateLimiter) CheckUser(ctx context.Context, userID string, tier Tier) (*Result, error) {
	p, err := rl.Policy(tier)
	if err != nil {
		return nil, err
	}
	return rl.check(ctx, "user:"+userID+":"+string(tier), p.Requests, p.Window, actor{userID: userID})
}

// CheckAPIKey applies the api tier unless override carries a positive
// request budget. The key itself never appears in stored identifiers.
func (rl *RateLimiter) CheckAPIKey(ctx context.Context, apiKey string, override *Policy) (*Result, error) {
	p, err := rl.Policy(TierAPI)
	if err != nil {
		return nil, err
	}
	if override != nil && override.Requests > 0 {
		p.Requests = override.Requests
		if override.Window > 0 {
			p.Window = override.Window
		}
	}
	return rl.check(ctx, "apikey:"+KeyFingerprint(apiKey)+":"+string(TierAPI), p.Requests, p.Window, actor{})
}

func (rl *RateLimiter) CheckEndpoint(ctx context.Context, endpoint, identifier string, tier Tier) (*Result, error) {
	p, err := rl.Policy(tier)
	if err != nil {
		return nil, err
	}
	return rl.check(ctx, "endpoint:"+endpoint+":"+identifier+":"+string(tier), p.Requests, p.Window, actor{})
}

// Reset clears identifier and all of its tier entries.
func (rl *RateLimiter) Reset(ctx context.Context, identifier string) error {
	n, err := rl.store.Reset(ctx, identifier)
	if err != nil {
		return err
	}
	rl.logger.Info("rate limit reset", zap.String("identifier", identifier), zap.Int("entries", n))
	return nil
}

func (rl *RateLimiter) GetAllLimits(ctx context.Context) (map[string]Entry, error) {
	return rl.store.All(ctx, rl.now())
}

// StartCleanup purges elapsed windows every five minutes until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := rl.store.DeleteExpired(ctx, rl.now())
				if err != nil {
					rl.logger.Warn("rate limit cleanup failed", zap.Error(err))
					continue
				}
				if n > 0 {
					rl.logger.Debug("rate limit cleanup", zap.Int("removed", n))
				}
			}
		}
	}()
}

func (rl *RateLimiter) Close() error {
	return rl.store.Close()
}

// KeyFingerprint shortens an API key to a stable, non-reversible identifier.
func KeyFingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}

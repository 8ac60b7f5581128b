package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/localdirectory/guardian/audit"
	"github.com/localdirectory/guardian/models"
)

type contextKey string

const (
	requestKey  contextKey = "request"
	identityKey contextKey = "identity"
)

// BlockChecker reports whether an address is currently blocked.
type BlockChecker interface {
	IsBlocked(ip string) bool
}

type FingerprintMiddleware struct {
	blocks BlockChecker
	logger *zap.Logger
	now    func() time.Time
}

func NewFingerprintMiddleware(blocks BlockChecker, logger *zap.Logger) *FingerprintMiddleware {
	return &FingerprintMiddleware{
		blocks: blocks,
		logger: logger.Named("gate"),
		now:    time.Now,
	}
}

// Fingerprint rejects blocked addresses and attaches the request context and
// audit actor for everything downstream.
func (m *FingerprintMiddleware) Fingerprint(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)

		if m.blocks != nil && m.blocks.IsBlocked(ip) {
			m.logger.Debug("request from blocked ip rejected",
				zap.String("ip", ip),
				zap.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, "ip blocked")
			return
		}

		rc := &models.RequestContext{
			IP:          ip,
			Endpoint:    r.URL.Path,
			Method:      r.Method,
			UserAgent:   r.UserAgent(),
			Fingerprint: generateFingerprint(r, ip),
			Timestamp:   m.now(),
		}
		ctx := context.WithValue(r.Context(), requestKey, rc)
		ctx = audit.WithActor(ctx, audit.Actor{IP: ip, UserAgent: rc.UserAgent})

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateFingerprint(r *http.Request, ip string) string {
	components := []string{
		ip,
		r.UserAgent(),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
		r.Header.Get("Accept"),
	}

	data := strings.Join(components, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// RequestFrom returns the context attached by Fingerprint, or nil.
func RequestFrom(ctx context.Context) *models.RequestContext {
	rc, _ := ctx.Value(requestKey).(*models.RequestContext)
	return rc
}

func GetFingerprint(ctx context.Context) string {
	if rc := RequestFrom(ctx); rc != nil {
		return rc.Fingerprint
	}
	return ""
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/localdirectory/guardian/audit"
	"github.com/localdirectory/guardian/models"
	"github.com/localdirectory/guardian/ratelimiter"
	"github.com/localdirectory/guardian/repository"
)

// credentialEndpoint names the per-address budget for rejected credentials.
const credentialEndpoint = "credentials"

const RoleAdmin = "admin"

// KeyLookup resolves a presented API key.
type KeyLookup interface {
	GetByKey(ctx context.Context, key string) (*models.APIKey, error)
}

// TokenAuditor records rejected credentials.
type TokenAuditor interface {
	LogInvalidToken(ctx context.Context, who audit.Actor, endpoint, reason string)
}

// FailureLimiter counts rejected credentials per client address.
type FailureLimiter interface {
	CheckEndpoint(ctx context.Context, endpoint, identifier string, tier ratelimiter.Tier) (*ratelimiter.Result, error)
}

// Claims are the bearer token claims the gate understands. user_id wins over sub.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
	APIKey *models.APIKey
}

func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

type AuthMiddleware struct {
	jwtSecret []byte
	keys      KeyLookup
	auditor   TokenAuditor
	failures  FailureLimiter
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuthMiddleware(jwtSecret string, keys KeyLookup, auditor TokenAuditor, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: []byte(jwtSecret),
		keys:      keys,
		auditor:   auditor,
		logger:    logger.Named("auth"),
		now:       time.Now,
	}
}

// WithFailureLimiter charges every rejected credential against the client
// address on the auth tier; once that budget is spent rejections turn into 429.
func (m *AuthMiddleware) WithFailureLimiter(l FailureLimiter) *AuthMiddleware {
	m.failures = l
	return m
}

// OptionalAuth attaches an identity when credentials are presented. Bad
// credentials are rejected; anonymous requests pass through.
func (m *AuthMiddleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, reason, err := m.resolve(r)
		if err != nil {
			m.logger.Error("credential lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if reason != "" {
			if m.auditor != nil {
				m.auditor.LogInvalidToken(r.Context(), audit.ActorFrom(r.Context()), r.URL.Path, reason)
			}
			if res := m.chargeFailure(r); res != nil && !res.Allowed {
				writeRateLimited(w, res, m.now())
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if ident == nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), ident)))
	})
}

func (m *AuthMiddleware) chargeFailure(r *http.Request) *ratelimiter.Result {
	if m.failures == nil {
		return nil
	}
	res, err := m.failures.CheckEndpoint(r.Context(), credentialEndpoint, getClientIP(r), ratelimiter.TierAuth)
	if err != nil {
		m.logger.Warn("credential failure count failed", zap.Error(err))
		return nil
	}
	return res
}

// Authenticate is OptionalAuth that also rejects anonymous requests.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return m.OptionalAuth(RequireIdentity(next))
}

// RequireIdentity rejects requests without an authenticated caller.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetIdentity(r.Context()) == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resolve returns the identity, or a non-empty reason when the presented
// credential is invalid.
func (m *AuthMiddleware) resolve(r *http.Request) (*Identity, string, error) {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		if m.keys == nil {
			return nil, "api_keys_disabled", nil
		}
		key, err := m.keys.GetByKey(r.Context(), apiKey)
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			return nil, "unknown_api_key", nil
		}
		if err != nil {
			return nil, "", err
		}
		if !key.IsActive {
			return nil, "inactive_api_key", nil
		}
		return &Identity{UserID: key.UserID, APIKey: key}, "", nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, "", nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, "unsupported_scheme", nil
	}

	claims := &Claims{}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, tokenFailure(err), nil
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, "missing_subject", nil
	}
	return &Identity{UserID: userID, Role: claims.Role}, "", nil
}

func tokenFailure(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token_not_yet_valid"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "token_malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature_invalid"
	}
	return "token_invalid"
}

func withIdentity(ctx context.Context, ident *Identity) context.Context {
	ctx = context.WithValue(ctx, identityKey, ident)

	who := audit.ActorFrom(ctx)
	who.UserID = ident.UserID
	ctx = audit.WithActor(ctx, who)

	if rc := RequestFrom(ctx); rc != nil {
		cp := *rc
		cp.UserID = ident.UserID
		if ident.APIKey != nil {
			cp.APIKey = ident.APIKey.ID
		}
		ctx = context.WithValue(ctx, requestKey, &cp)
	}
	return ctx
}

func GetIdentity(ctx context.Context) *Identity {
	ident, _ := ctx.Value(identityKey).(*Identity)
	return ident
}

func GetUserID(ctx context.Context) string {
	if ident := GetIdentity(ctx); ident != nil {
		return ident.UserID
	}
	return ""
}

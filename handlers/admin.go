package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/localdirectory/guardian/alerts"
	"github.com/localdirectory/guardian/audit"
	"github.com/localdirectory/guardian/middleware"
	"github.com/localdirectory/guardian/models"
	"github.com/localdirectory/guardian/ratelimiter"
)

const maxEventQuery = 500

// EventArchive is the durable event history, when one is configured.
type EventArchive interface {
	ListRecent(ctx context.Context, since time.Time, limit int) ([]models.SecurityEvent, error)
}

// Pinger is a dependency the health check pings.
type Pinger struct {
	Name string
	Ping func(ctx context.Context) error
}

type AdminHandler struct {
	engine     *audit.Engine
	limiter    *ratelimiter.RateLimiter
	dispatcher *alerts.Dispatcher
	archive    EventArchive
	requests   *middleware.RequestLogStore
	pingers    []Pinger
	logger     *zap.Logger
}

func NewAdminHandler(
	engine *audit.Engine,
	limiter *ratelimiter.RateLimiter,
	dispatcher *alerts.Dispatcher,
	archive EventArchive,
	requests *middleware.RequestLogStore,
	pingers []Pinger,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		engine:     engine,
		limiter:    limiter,
		dispatcher: dispatcher,
		archive:    archive,
		requests:   requests,
		pingers:    pingers,
		logger:     logger.Named("admin"),
	}
}

func (h *AdminHandler) GetSecurityStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.GetSecurityStatus())
}

// GetEvents filters the in-memory log. source=archive reads the durable
// history instead, which only supports since and limit.
func (h *AdminHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxEventQuery {
		limit = maxEventQuery
	}

	since, err := parseTime(q.Get("since"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "since must be RFC3339")
		return
	}
	until, err := parseTime(q.Get("until"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "until must be RFC3339")
		return
	}

	if q.Get("source") == "archive" {
		if h.archive == nil {
			respondError(w, http.StatusServiceUnavailable, "event archive not configured")
			return
		}
		if since.IsZero() {
			since = time.Now().Add(-24 * time.Hour)
		}
		events, err := h.archive.ListRecent(r.Context(), since, limit)
		if err != nil {
			h.logger.Error("archive query failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events), "source": "archive"})
		return
	}

	filter := audit.EventFilter{
		UserID:    q.Get("user_id"),
		EventType: models.EventType(q.Get("type")),
		Severity:  models.Severity(q.Get("severity")),
		Since:     since,
		Until:     until,
		Limit:     limit,
	}
	if filter.EventType != "" && !filter.EventType.Valid() {
		respondError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		respondError(w, http.StatusBadRequest, "unknown severity")
		return
	}

	events := h.engine.GetEvents(filter)
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events), "source": "memory"})
}

func (h *AdminHandler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.engine.ResolveEvent(r.Context(), id)
	switch {
	case errors.Is(err, audit.ErrEventNotFound):
		respondError(w, http.StatusNotFound, "event not found")
	case err != nil:
		h.logger.Error("resolve failed", zap.String("event_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
	default:
		respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "resolved": true})
	}
}

func (h *AdminHandler) GetBlockedIPs(w http.ResponseWriter, r *http.Request) {
	ips := h.engine.GetSecurityStatus().BlockedIPs
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"blocked_ips": ips,
		"count":       len(ips),
	})
}

func (h *AdminHandler) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP       string `json:"ip"`
		Reason   string `json:"reason"`
		Duration string `json:"duration"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if net.ParseIP(req.IP) == nil {
		respondError(w, http.StatusBadRequest, "a valid ip is required")
		return
	}

	var d time.Duration
	if req.Duration != "" {
		var err error
		d, err = time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "duration must be a positive Go duration such as 2h")
			return
		}
	}

	block := h.engine.BlockIP(r.Context(), req.IP, req.Reason, d)
	h.logger.Info("manual ip block",
		zap.String("ip", req.IP),
		zap.String("admin", middleware.GetUserID(r.Context())),
		zap.Time("expires_at", block.ExpiresAt))

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "ip blocked successfully",
		"block":   block,
	})
}

func (h *AdminHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if !h.engine.UnblockIP(r.Context(), ip) {
		respondError(w, http.StatusNotFound, "ip is not blocked")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "ip unblocked successfully",
		"ip":      ip,
	})
}

func (h *AdminHandler) ClearSuspiciousUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !h.engine.ClearSuspiciousUser(userID) {
		respondError(w, http.StatusNotFound, "user is not flagged")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "suspicious flag cleared",
		"user_id": userID,
	})
}

func (h *AdminHandler) GetRateLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := h.limiter.GetAllLimits(r.Context())
	if err != nil {
		h.logger.Error("rate limit listing failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"limits":   limits,
		"count":    len(limits),
		"policies": ratelimiter.DefaultPolicies,
	})
}

func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	if err := h.limiter.Reset(r.Context(), identifier); err != nil {
		h.logger.Error("rate limit reset failed", zap.String("identifier", identifier), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "rate limit reset",
		"identifier": identifier,
	})
}

func (h *AdminHandler) GetAlertStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.dispatcher.Stats())
}

// SendTestAlert pushes a low-severity system alert through every channel.
func (h *AdminHandler) SendTestAlert(w http.ResponseWriter, r *http.Request) {
	queued := h.dispatcher.SendSystemAlert(
		"Test alert",
		"Alert channel check requested by an administrator",
		models.SeverityLow,
		map[string]string{"requested_by": middleware.GetUserID(r.Context())},
	)
	if !queued {
		respondError(w, http.StatusTooManyRequests, "alert was not queued")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"queued": true})
}

func (h *AdminHandler) GetRecentRequests(w http.ResponseWriter, r *http.Request) {
	if h.requests == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"requests": []middleware.RequestLog{}, "count": 0})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	requests := h.requests.Recent(limit)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"count":    len(requests),
		"stats":    h.requests.Stats(),
	})
}

func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(h.pingers))
	for _, p := range h.pingers {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("dependency", p.Name), zap.Error(err))
			deps[p.Name] = "unavailable"
			status = "degraded"
			continue
		}
		deps[p.Name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":            status,
		"service":           "guardian",
		"dependencies":      deps,
		"alert_queue_depth": h.dispatcher.Stats().QueueDepth,
		"blocked_ips":       len(h.engine.GetSecurityStatus().BlockedIPs),
	})
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

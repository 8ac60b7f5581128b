package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/localdirectory/guardian/models"
	"github.com/localdirectory/guardian/repository"
)

// KeyManager issues and revokes API keys.
type KeyManager interface {
	Create(ctx context.Context, userID string, rateLimit int, window time.Duration) (*models.APIKey, error)
	GetByUserID(ctx context.Context, userID string) ([]*models.APIKey, error)
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
}

type APIKeyHandler struct {
	keys   KeyManager
	logger *zap.Logger
}

func NewAPIKeyHandler(keys KeyManager, logger *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{keys: keys, logger: logger.Named("apikeys")}
}

func (h *APIKeyHandler) available(w http.ResponseWriter) bool {
	if h.keys == nil {
		respondError(w, http.StatusServiceUnavailable, "api key storage not configured")
		return false
	}
	return true
}

// Create returns the plain key; it is not retrievable afterwards.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	var req struct {
		UserID    string `json:"user_id"`
		RateLimit int    `json:"rate_limit"`
		Window    string `json:"window"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.RateLimit < 0 {
		respondError(w, http.StatusBadRequest, "rate_limit must not be negative")
		return
	}
	var window time.Duration
	if req.Window != "" {
		var err error
		if window, err = time.ParseDuration(req.Window); err != nil || window <= 0 {
			respondError(w, http.StatusBadRequest, "window must be a positive Go duration such as 1h")
			return
		}
	}

	key, err := h.keys.Create(r.Context(), req.UserID, req.RateLimit, window)
	if err != nil {
		h.logger.Error("api key creation failed", zap.String("user_id", req.UserID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.logger.Info("api key issued", zap.String("key_id", key.ID), zap.String("user_id", key.UserID))
	respondJSON(w, http.StatusCreated, key)
}

func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	keys, err := h.keys.GetByUserID(r.Context(), userID)
	if err != nil {
		h.logger.Error("api key listing failed", zap.String("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"api_keys": keys, "count": len(keys)})
}

func (h *APIKeyHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	id := chi.URLParam(r, "id")
	h.result(w, id, h.keys.SetActive(r.Context(), id, false), "api key deactivated")
}

func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	id := chi.URLParam(r, "id")
	h.result(w, id, h.keys.Delete(r.Context(), id), "api key deleted")
}

func (h *APIKeyHandler) result(w http.ResponseWriter, id string, err error, msg string) {
	switch {
	case errors.Is(err, repository.ErrAPIKeyNotFound):
		respondError(w, http.StatusNotFound, "api key not found")
	case err != nil:
		h.logger.Error("api key update failed", zap.String("key_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
	default:
		respondJSON(w, http.StatusOK, map[string]interface{}{"message": msg, "id": id})
	}
}

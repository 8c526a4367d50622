package handlers

import (
	"net/http"
	"time"

	"food-dispatch/internal/logger"
	"food-dispatch/internal/middleware"
	"food-dispatch/internal/services"
)

// RateLimitHandler обрабатывает запросы связанные с rate limiting
type RateLimitHandler struct {
	rateLimiter *services.RateLimiterService
	log         *logger.Logger
}

// NewRateLimitHandler создает новый RateLimitHandler
func NewRateLimitHandler(rateLimiter *services.RateLimiterService, log *logger.Logger) *RateLimitHandler {
	return &RateLimitHandler{
		rateLimiter: rateLimiter,
		log:         log,
	}
}

// GetStatus возвращает текущий статус rate limit для вызывающей стороны, не расходуя лимит
func (h *RateLimitHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	subject, isVIP := middleware.RateLimitSubject(r)

	result, err := h.rateLimiter.GetStatus(r.Context(), subject, isVIP)
	if err != nil {
		h.log.WithError(err).WithField("subject", subject).Error("Failed to get rate limit status")
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to get rate limit status")
		return
	}

	response := map[string]interface{}{
		"subject":   subject,
		"limit":     result.Limit,
		"remaining": result.Remaining,
		"is_banned": !result.Allowed,
	}
	if !result.ResetAt.IsZero() {
		response["reset_at"] = result.ResetAt.Format(time.RFC3339)
	}

	// Если вызывающий забанен, добавляем дополнительную информацию
	if !result.Allowed {
		response["banned_until"] = result.BannedUntil.Format(time.RFC3339)
		response["retry_after"] = result.RetryAfter
	}

	writeJSONResponse(w, http.StatusOK, response)
}

package middleware

import (
	"fmt"
	"net/http"
	"time"

	"food-dispatch/internal/auth"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/metrics"
	"food-dispatch/internal/models"
	"food-dispatch/internal/services"

	"github.com/gorilla/mux"
)

// RateLimitSubject выбирает ключ лимита: subject токена, иначе IP.
// Администраторы получают повышенный лимит.
func RateLimitSubject(r *http.Request) (string, bool) {
	if identity, ok := auth.FromContext(r.Context()); ok {
		return "sub:" + identity.Subject, identity.Role == models.RoleAdmin
	}
	return "ip:" + ClientIP(r), false
}

// RateLimit отклоняет запросы сверх лимита с кодом 429
func RateLimit(rateLimiter *services.RateLimiterService, log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if rateLimiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, isVIP := RateLimitSubject(r)

			result, err := rateLimiter.CheckLimit(r.Context(), subject, isVIP)
			if err != nil {
				log.WithError(err).WithField("subject", subject).Error("Rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
			if !result.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", result.ResetAt.Format(time.RFC3339))
			}

			if !result.Allowed {
				metrics.RateLimitedTotal.Inc()
				w.Header().Set("Retry-After", fmt.Sprintf("%d", result.RetryAfter))

				response := map[string]interface{}{
					"error":       "rate_limit_exceeded",
					"message":     "Too many requests, retry later",
					"limit":       result.Limit,
					"retry_after": result.RetryAfter,
				}
				if !result.BannedUntil.IsZero() {
					response["banned_until"] = result.BannedUntil.Format(time.RFC3339)
				}

				log.WithField("subject", subject).
					WithField("path", r.URL.Path).
					WithField("retry_after", result.RetryAfter).
					Warn("Request blocked by rate limiter")

				writeJSON(w, http.StatusTooManyRequests, response)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

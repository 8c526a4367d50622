package middleware

import (
	"net/http"

	"food-dispatch/internal/auth"
	"food-dispatch/internal/config"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"

	"github.com/gorilla/mux"
)

// Authenticate проверяет Bearer-токен и кладет Identity в контекст.
// При выключенной аутентификации запрос проходит без личности.
func Authenticate(cfg *config.AuthConfig, log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := auth.ParseRequest(r, cfg.JWTSecret)
			if err != nil {
				log.WithError(err).WithField("path", r.URL.Path).Debug("Request rejected by authentication")
				writeJSON(w, http.StatusUnauthorized, errorBody{
					Error:   http.StatusText(http.StatusUnauthorized),
					Kind:    "external_dependency",
					Reason:  "denied",
					Message: "valid bearer token is required",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireRole пропускает только перечисленные роли. Администратор допускается всегда.
// Запросы без личности пропускаются: это возможно только при выключенной аутентификации.
func RequireRole(roles ...models.Role) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.FromContext(r.Context())
			if !ok || identity.Role == models.RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range roles {
				if identity.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSON(w, http.StatusForbidden, errorBody{
				Error:   http.StatusText(http.StatusForbidden),
				Kind:    "external_dependency",
				Reason:  "denied",
				Message: "role " + string(identity.Role) + " is not allowed here",
			})
		})
	}
}

// Package auth проверяет утверждение личности, выданное внешним провайдером аутентификации.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/models"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	errMissingAuthorization = errors.New("missing authorization")
	errInvalidScheme        = errors.New("invalid authorization header")
	errInvalidClaims        = errors.New("invalid claims")
)

// Claims описывает набор полей токена, из которых собирается Identity
type Claims struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

type identityKey struct{}

// WithIdentity кладет личность вызывающей стороны в контекст
func WithIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext достает личность из контекста
func FromContext(ctx context.Context) (*models.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*models.Identity)
	return id, ok && id != nil
}

// ParseRequest проверяет Bearer-токен из заголовка Authorization
func ParseRequest(r *http.Request, secret string) (*models.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, apperr.External("auth.ParseRequest", apperr.CollaboratorAuth, apperr.ReasonDenied, errMissingAuthorization)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, apperr.External("auth.ParseRequest", apperr.CollaboratorAuth, apperr.ReasonDenied, errInvalidScheme)
	}
	id, err := ParseToken(strings.TrimSpace(parts[1]), secret)
	if err != nil {
		return nil, apperr.External("auth.ParseRequest", apperr.CollaboratorAuth, apperr.ReasonDenied, err)
	}
	return id, nil
}

// ParseToken валидирует HS256-токен и возвращает Identity
func ParseToken(tokenStr, secret string) (*models.Identity, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}

	tok, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return nil, err
	}

	c, _ := tok.Claims.(*Claims)
	if c == nil || c.Subject == "" || c.Role == "" {
		return nil, errInvalidClaims
	}
	role := models.Role(strings.ToLower(c.Role))
	switch role {
	case models.RoleUser, models.RoleRestaurant, models.RoleCourier, models.RoleAdmin:
	default:
		return nil, errInvalidClaims
	}

	return &models.Identity{
		Subject:     c.Subject,
		Name:        c.Name,
		Email:       c.Email,
		PhoneNumber: c.PhoneNumber,
		Role:        role,
	}, nil
}

// SignToken выпускает токен для Identity. Используется локальными инструментами и тестами.
func SignToken(id models.Identity, secret string) (string, error) {
	claims := Claims{
		Name:        id.Name,
		Email:       id.Email,
		PhoneNumber: id.PhoneNumber,
		Role:        string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: id.Subject,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

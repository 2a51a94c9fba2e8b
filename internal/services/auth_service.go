package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	relay_errors "commerce-relay/pkg/errors"
	"commerce-relay/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims identify the admin calling the dead-letter API. The subject
// is recorded as resolved_by.
type OperatorClaims struct {
	OperatorID string `json:"sub"`
	jwt.RegisteredClaims
}

// AuthService validates operator bearer tokens.
type AuthService struct {
	jwtSecret []byte
	clock     func() time.Time
}

func NewAuthService(secret string) *AuthService {
	return &AuthService{jwtSecret: []byte(secret), clock: time.Now}
}

func (s *AuthService) ParseAccessToken(tokenString string) (OperatorClaims, error) {
	if tokenString == "" {
		return OperatorClaims{}, relay_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, relay_errors.ErrUnauthorized
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock))
	if err != nil {
		return OperatorClaims{}, relay_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*OperatorClaims)
	if !ok || !parsed.Valid {
		return OperatorClaims{}, relay_errors.ErrUnauthorized
	}
	if strings.TrimSpace(claims.OperatorID) == "" {
		return OperatorClaims{}, relay_errors.ErrUnauthorized
	}
	return *claims, nil
}

// IssueToken signs an HS256 operator token. Used by ops tooling and tests.
func (s *AuthService) IssueToken(operatorID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(operatorID) == "" {
		return "", relay_errors.ErrInvalidInput
	}
	now := s.clock()
	claims := OperatorClaims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// WithOperatorContext stores the operator id where the logger and the admin
// handlers look for it.
func WithOperatorContext(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, logger.OperatorIdKey, operatorID)
}

func OperatorIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(logger.OperatorIdKey).(string)
	return v, ok && v != ""
}

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, relay_errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, relay_errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, relay_errors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, relay_errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay_errors.ErrAlreadyExists),
		errors.Is(err, relay_errors.ErrConflict),
		errors.Is(err, relay_errors.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, relay_errors.ErrCouponNotActive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, relay_errors.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

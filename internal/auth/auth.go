// Package auth issues and verifies the bearer tokens that guard the admin API.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

const contextKey = "token"

var (
	ErrSecretMissing  = errors.New("jwt secret not configured")
	ErrSubjectMissing = errors.New("token subject is required")
)

// GenerateToken signs an HS256 token for subject valid for ttl.
func GenerateToken(subject, secret string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, ErrSecretMissing
	}
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, ErrSubjectMissing
	}
	now := time.Now()
	expires := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// JWTMiddleware rejects requests without a valid bearer token unless skipper
// lets them through. Without a secret every guarded request is rejected.
func JWTMiddleware(secret string, skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	if strings.TrimSpace(secret) == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				if skipper != nil && skipper(c) {
					return next(c)
				}
				return echo.NewHTTPError(http.StatusUnauthorized, ErrSecretMissing.Error())
			}
		}
	}
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: jwt.SigningMethodHS256.Alg(),
		ContextKey:    contextKey,
		Skipper:       skipper,
		NewClaimsFunc: func(echo.Context) jwt.Claims {
			return new(jwt.RegisteredClaims)
		},
		ErrorHandler: func(_ echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token").SetInternal(err)
		},
	})
}

// SubjectFromContext returns the subject of the verified token.
func SubjectFromContext(c echo.Context) (string, error) {
	token, ok := c.Get(contextKey).(*jwt.Token)
	if !ok || token == nil {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "token missing")
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "token subject missing")
	}
	return sub, nil
}

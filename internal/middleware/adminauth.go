package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	adminIssuer = "careerlens"
	adminRole   = "admin"
)

type adminCtxKey struct{}

// AdminClaims は管理APIのBearerトークンに含まれるクレーム。
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ErrInvalidAdminToken は管理トークンの検証に失敗したことを示す。
var ErrInvalidAdminToken = errors.New("invalid admin token")

// IssueAdminToken はHS256で署名した管理トークンを発行する。
func IssueAdminToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	claims := AdminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("管理トークンの署名に失敗しました: %w", err)
	}
	return signed, nil
}

// ParseAdminToken は管理トークンを検証してクレームを返す。
// 署名方式はHS256のみ受け付け、有効期限とroleを必須とする。
func ParseAdminToken(secret []byte, token string) (*AdminClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &AdminClaims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdminToken, err)
	}
	claims, ok := parsed.Claims.(*AdminClaims)
	if !ok || !parsed.Valid || claims.Role != adminRole || claims.Subject == "" {
		return nil, ErrInvalidAdminToken
	}
	return claims, nil
}

// NewAdminAuthMiddleware はAuthorization: Bearer の管理トークンを要求するミドルウェアを返す。
// 検証に成功した場合はsubjectをコンテキストとリクエストログに載せる。
func NewAdminAuthMiddleware(secret []byte, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				WriteUnauthorized(w)
				return
			}
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))

			claims, err := ParseAdminToken(secret, tok)
			if err != nil {
				logger.Warn("admin token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteUnauthorized(w)
				return
			}

			setLoggedAdmin(r.Context(), claims.Subject)
			ctx := context.WithValue(r.Context(), adminCtxKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminSubjectFromContext は認証済み管理者のsubjectを返す。
func AdminSubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(adminCtxKey{}).(string)
	return s, ok && s != ""
}

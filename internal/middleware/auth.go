// Package middleware provides the HTTP middleware chain: JWT auth, rate
// limiting, CORS and request metrics.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flowsend/engine/pkg/logger"
)

// RoleService marks the trusted service credential, allowed to operate on
// every workflow. Any other role is an end-user credential scoped to its
// own workflows.
const RoleService = "service"

// Claims are the JWT claims carried by API credentials.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Service reports whether the claims carry the trusted service role.
func (c Claims) Service() bool {
	return c.Role == RoleService
}

type contextKey int

const claimsKey contextKey = iota

// WithClaims attaches verified claims to the context.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFrom returns the verified claims attached by the auth middleware.
func ClaimsFrom(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(Claims)
	return claims, ok
}

// GetUserID returns the authenticated user id, or "" when anonymous.
func GetUserID(ctx context.Context) string {
	claims, _ := ClaimsFrom(ctx)
	return claims.UserID
}

// Auth validates HS256 bearer tokens and attaches their claims to the
// request context.
type Auth struct {
	secret    []byte
	log       *logger.Logger
	skipPaths map[string]bool
}

// NewAuth creates the auth middleware. Requests to skipPaths pass through
// unauthenticated.
func NewAuth(secret []byte, log *logger.Logger, skipPaths []string) *Auth {
	skip := make(map[string]bool, len(skipPaths))
	for _, path := range skipPaths {
		skip[path] = true
	}
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &Auth{secret: secret, log: log, skipPaths: skip}
}

// Handler returns the middleware handler.
func (m *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			unauthorized(w, "missing authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			unauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.log.WithError(err).Warn("token validation failed")
			unauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m *Auth) validateToken(tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("invalid claims")
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("token carries no user_id")
	}
	return *claims, nil
}

// SignToken issues an HS256 token for the given identity. Used by tests
// and operational tooling.
func SignToken(secret []byte, userID, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

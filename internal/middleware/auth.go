// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// PrincipalKey is the context key for the authenticated principal.
	PrincipalKey ContextKey = "principal"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// Claims represents JWT claims. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// IssueToken signs an HS256 token for userID.
func IssueToken(secret, userID string, role model.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates tokenString and returns its principal.
func ParseToken(secret, tokenString string) (model.Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return model.Principal{}, errInvalidToken
	}

	role := model.Role(claims.Role)
	switch role {
	case model.RoleAdmin, model.RoleModerator:
	default:
		role = model.RoleUser
	}
	return model.Principal{UserID: claims.Subject, Role: role}, nil
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errMissingToken
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errMissingToken
	}
	return parts[1], nil
}

// Authenticator resolves the principal of a request from the Authorization
// header, falling back to the token query parameter used by browser
// WebSocket clients.
func Authenticator(jwtSecret string) func(*http.Request) (model.Principal, error) {
	return func(r *http.Request) (model.Principal, error) {
		token, err := bearerToken(r)
		if err != nil {
			token = r.URL.Query().Get("token")
			if token == "" {
				return model.Principal{}, errMissingToken
			}
		}
		return ParseToken(jwtSecret, token)
	}
}

// Auth creates JWT authentication middleware.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				writeError(w, apperr.Unauthorized("UNAUTHORIZED", "missing authorization header"))
				return
			}
			p, err := ParseToken(jwtSecret, token)
			if err != nil {
				writeError(w, apperr.Unauthorized("UNAUTHORIZED", "invalid token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// GetPrincipal gets the authenticated principal from context.
func GetPrincipal(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(model.Principal)
	return p, ok
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	p, _ := GetPrincipal(ctx)
	return p.UserID
}

// RequireRole creates middleware that admits only the given roles.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := GetPrincipal(r.Context())
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, apperr.Forbidden("insufficient permissions"))
		})
	}
}

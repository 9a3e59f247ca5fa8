package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

type contextKey string

// AdminIDKey is the request-context key carrying the admin subject
// extracted from the bearer token. The authorization decision itself is
// made upstream; this middleware only establishes identity.
const AdminIDKey contextKey = "adminID"

// AdminAuth extracts and verifies the admin identity from the
// Authorization header and stores it in the request context.
func AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		adminID, err := validateToken(parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), AdminIDKey, adminID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminID returns the admin subject stored by AdminAuth, or "".
func AdminID(r *http.Request) string {
	if v, ok := r.Context().Value(AdminIDKey).(string); ok {
		return v
	}
	return ""
}

func validateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(viper.GetString("jwt.secret_key")), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}

	adminID := claims["admin_id"]
	if adminID == nil {
		adminID = claims["user_id"]
	}
	return fmt.Sprintf("%v", adminID), nil
}

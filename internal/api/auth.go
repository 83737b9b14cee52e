package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type ctxKey int

const userIDKey ctxKey = iota

// devUserHeader identifies the caller when no JWT secret is configured.
const devUserHeader = "X-User-ID"

func withUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func userIDFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(userIDKey).(uuid.UUID)
	return id
}

// authMiddleware resolves the caller's user id from an HS256 bearer token whose subject
// is the user id. With an empty secret it trusts the X-User-ID header instead (dev mode).
func authMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				userID uuid.UUID
				err    error
			)
			if secret == "" {
				userID, err = uuid.Parse(r.Header.Get(devUserHeader))
				if err != nil {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid " + devUserHeader + " header"})
					return
				}
			} else {
				userID, err = parseBearer(r.Header.Get("Authorization"), secret)
				if err != nil {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
		})
	}
}

func parseBearer(header, secret string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return uuid.Nil, errors.New("missing bearer token")
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return uuid.Nil, errors.New("invalid or expired token")
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, errors.New("invalid user id in token")
	}
	return id, nil
}

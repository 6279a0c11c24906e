package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type key string

const contextActorKey key = "actor"

// ActorFromContext returns the authenticated subject of the request.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(contextActorKey).(string)
	return actor, ok
}

// WithActor stores the authenticated subject in ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, contextActorKey, actor)
}

// AuthMiddleware accepts HS256 bearer tokens signed with secret and exposes
// their "sub" claim as the request actor.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	keyFunc := func(*jwt.Token) (any, error) { return []byte(secret), nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "missing or malformed token", http.StatusUnauthorized)
				return
			}

			token, err := parser.Parse(strings.TrimPrefix(authHeader, "Bearer "), keyFunc)
			if err != nil || !token.Valid {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			sub, err := token.Claims.GetSubject()
			if err != nil || sub == "" {
				http.Error(w, "token without subject", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), sub)))
		})
	}
}

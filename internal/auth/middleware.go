package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// ActorContextKey carries the authenticated admin actor's identity for
// audit logging.
const ActorContextKey contextKey = "admin_actor"

// Middleware authenticates admin-plane requests against a static operator
// key allow-list, with an optional JWT session token as an alternate
// credential.
type Middleware struct {
	headerName    string
	allowedKeys   map[string]bool
	sessionSecret string
}

// NewMiddleware constructs an admin auth Middleware.
func NewMiddleware(headerName string, allowedKeys []string, sessionSecret string) *Middleware {
	allow := make(map[string]bool, len(allowedKeys))
	for _, k := range allowedKeys {
		if k != "" {
			allow[k] = true
		}
	}
	return &Middleware{headerName: headerName, allowedKeys: allow, sessionSecret: sessionSecret}
}

// Authenticate accepts either the raw operator key in the configured
// header, or a Bearer session token signed with the session secret (the
// form GenerateSessionToken produces). No admin route issues such tokens.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get(m.headerName); key != "" {
			if !m.allowedKeys[key] {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ActorContextKey, "key:"+maskKey(key))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := ValidateSessionToken(parts[1], m.sessionSecret)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ActorContextKey, claims.Actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFromContext returns the authenticated admin actor's identity.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ActorContextKey).(string); ok {
		return v
	}
	return "unknown"
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

package auth

import (
	"net/http"
	"strings"
)

// Middleware authenticates requests with a bearer JWT and stores the
// actor in the request context. Requests below minRole are rejected.
func Middleware(secret []byte, minRole Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		actor, err := ParseJWT(token, secret)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if !RoleAtLeast(actor.Role, minRole) {
			http.Error(w, "insufficient role", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

package auth

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
)

// RequireToken middleware checks the Authorization header against the shared
// admin secret. The comparison is constant-time. Returns 401 Unauthorized on
// any mismatch.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")

		if authHeader == "" {
			log.Println("Auth: No Authorization header present")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		// Parse Authorization header: "Bearer <token>" (RFC 7235).
		// Bearer scheme is case-insensitive per RFC 7235.
		fields := strings.Fields(authHeader)
		if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") {
			log.Println("Auth: Invalid Authorization header format")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(fields[1]), []byte(token)) != 1 {
			log.Println("Auth: Token mismatch")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

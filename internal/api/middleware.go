package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pysugar/kiro-accounts/internal/db"
	"gorm.io/gorm"
)

// Authorize admits a request that carries the command API key, either as a
// Bearer token or in x-api-key, or HTTP basic auth with adminPassword when
// one is configured.
func Authorize(database *gorm.DB, adminPassword string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" && adminPassword == "" {
				// Nothing configured yet (first run).
				next.ServeHTTP(w, r)
				return
			}

			if expectedKey != "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					if equal(strings.TrimPrefix(auth, "Bearer "), expectedKey) {
						next.ServeHTTP(w, r)
						return
					}
				}
				if key := r.Header.Get("x-api-key"); key != "" && equal(key, expectedKey) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if adminPassword != "" {
				if _, pass, ok := r.BasicAuth(); ok && equal(pass, adminPassword) {
					next.ServeHTTP(w, r)
					return
				}
				w.Header().Set("WWW-Authenticate", `Basic realm="Kiro Accounts"`)
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

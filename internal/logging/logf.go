package logging

import (
	"context"
	"fmt"
	"log"
	"net/http"
)

// RequestIDHeader carries the request ID on API requests and responses.
const RequestIDHeader = "X-Request-ID"

// Logf logs with the request ID from ctx as a prefix, when there is one.
func Logf(ctx context.Context, format string, args ...any) {
	if id := GetRequestID(ctx); id != "" {
		log.Printf("[%s] %s", id, fmt.Sprintf(format, args...))
		return
	}
	log.Printf(format, args...)
}

// Middleware assigns a request ID to every request, reusing the caller's
// X-Request-ID when present.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

const requestIdHeader = "X-Request-Id"

// RequestId assigns every request an id unless the caller already sent
// one, and echoes it on the response so failures can be correlated with
// client logs.
func RequestId() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIdHeader)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(requestIdHeader, id)
			}
			w.Header().Set(requestIdHeader, id)
			next.ServeHTTP(w, r)
		})
	}
}

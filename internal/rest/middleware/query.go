package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// NormalizeQuery trims surrounding whitespace from query parameter values
// and drops the ones left empty, so handlers treat "?key=" and a missing
// key parameter the same way.
func NormalizeQuery() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			normalized := make(url.Values, len(q))
			for name, values := range q {
				for _, value := range values {
					if value = strings.TrimSpace(value); value != "" {
						normalized.Add(name, value)
					}
				}
			}
			r.URL.RawQuery = normalized.Encode()
			next.ServeHTTP(w, r)
		})
	}
}

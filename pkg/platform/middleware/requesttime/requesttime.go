// Package requesttime pins a single "now" for the lifetime of a request so
// audit timestamps and other time-sensitive reads within one request agree.
package requesttime

import (
	"net/http"
	"time"

	"gatekeeper/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request and
// stores it in the context. Read it back with requestcontext.Now.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Package device tracks a stable per-browser identifier. The upstream IdM
// uses it to correlate sessions from the same device across logins.
package device

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// CookieName is the cookie carrying the device identifier.
const CookieName = "gk_device"

const cookieMaxAge = 400 * 24 * time.Hour

type contextKeyDeviceID struct{}

// Middleware reads the device cookie, minting one on first contact, and
// stores the identifier in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := ""
		if cookie, err := r.Cookie(CookieName); err == nil {
			if _, err := uuid.Parse(cookie.Value); err == nil {
				deviceID = cookie.Value
			}
		}
		if deviceID == "" {
			deviceID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    deviceID,
				Path:     "/",
				MaxAge:   int(cookieMaxAge.Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}

		ctx := WithDeviceID(r.Context(), deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetDeviceID retrieves the device identifier from the context.
func GetDeviceID(ctx context.Context) string {
	if deviceID, ok := ctx.Value(contextKeyDeviceID{}).(string); ok {
		return deviceID
	}
	return ""
}

// WithDeviceID injects a device identifier into a context. Useful for
// service unit tests that don't run the full HTTP middleware chain.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, contextKeyDeviceID{}, deviceID)
}

package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:    "x-forwarded-for single",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9"},
			want:    "203.0.113.9",
		},
		{
			name:    "x-forwarded-for takes first hop",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1, 10.0.0.2"},
			want:    "203.0.113.9",
		},
		{
			name:    "x-real-ip",
			headers: map[string]string{"X-Real-IP": " 198.51.100.4 "},
			want:    "198.51.100.4",
		},
		{
			name:       "remote addr strips port",
			remoteAddr: "192.0.2.7:61234",
			want:       "192.0.2.7",
		},
		{
			name:       "remote addr ipv6",
			remoteAddr: "[::1]:8080",
			want:       "::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.remoteAddr != "" {
				req.RemoteAddr = tt.remoteAddr
			}
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIPFromRequest(req))
		})
	}
}

func TestClientMetadataMiddleware(t *testing.T) {
	var gotIP, gotUA string
	handler := ClientMetadata(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIP = GetClientIP(r.Context())
		gotUA = GetUserAgent(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", "198.51.100.4")
	req.Header.Set("User-Agent", "test-agent/1.0")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "198.51.100.4", gotIP)
	assert.Equal(t, "test-agent/1.0", gotUA)
}

func TestGettersOnBareContext(t *testing.T) {
	assert.Empty(t, GetClientIP(context.Background()))
	assert.Empty(t, GetUserAgent(context.Background()))
}

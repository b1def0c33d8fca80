// Package request assigns every inbound request a dedicated request id and an
// OpenTelemetry span. The request id and the trace id are deliberately
// independent identifiers: the id survives in logs and response headers even
// when tracing is sampled out.
package request

import (
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gatekeeper/pkg/requestcontext"
)

const headerRequestID = "X-Request-ID"

var tracer = otel.Tracer("gatekeeper/http")

// Middleware generates a request id (honoring one supplied by a trusted
// upstream proxy), stores it in the context, echoes it on the response, and
// wraps the request in a server span.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		ctx = requestcontext.WithRequestID(ctx, requestID)
		w.Header().Set(headerRequestID, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

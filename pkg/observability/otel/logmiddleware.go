package otelobs

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"cybersentinel/pkg/structlog"
)

// HTTPTraceLogMiddleware writes one access line per request with trace and
// correlation ids, and echoes the trace ids as response headers.
func HTTPTraceLogMiddleware(logger *structlog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = structlog.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, corrID := structlog.GetOrCreateCorrelationID(r.Context())
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-Id", corrID)

		fields := structlog.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}
		sc := trace.SpanContextFromContext(ctx)
		if sc.IsValid() {
			w.Header().Set("Trace-Id", sc.TraceID().String())
			w.Header().Set("Span-Id", sc.SpanID().String())
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}

		// websocket upgrades need the raw writer
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			fields["duration_ms"] = time.Since(start).Milliseconds()
			logger.WithContext(ctx).Info("websocket session closed", fields)
			return
		}

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		fields["status"] = sr.status
		fields["duration_ms"] = time.Since(start).Milliseconds()
		logger.WithContext(ctx).Info("access", fields)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter remembers the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithSessionID tags spans and log lines with the id returned by fn. An
// empty id is omitted.
func WithSessionID(fn func() string) MiddlewareOption {
	return func(mw *middleware) { mw.sessionID = fn }
}

type middleware struct {
	m         *Metrics
	sessionID func() string
}

// Middleware wraps the telemetry endpoint. Every request gets a server span
// named "telemetry <path>", a sample in [Metrics.TelemetryRequestDuration]
// keyed by path and status class, and a log line. Scrapes and health checks
// log at debug; server errors log at warn.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{m: m, sessionID: func() string { return "" }}
	for _, o := range opts {
		o(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sid := mw.sessionID()

		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		}
		if sid != "" {
			attrs = append(attrs, attribute.String("voxlink.session_id", sid))
		}
		ctx, span := StartSpan(r.Context(), "telemetry "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		elapsed := time.Since(start)
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.code))
		mw.m.TelemetryRequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("path", r.URL.Path),
				attribute.String("status", statusClass(sw.code)),
			),
		)

		logger := Logger(ctx)
		if sid != "" {
			logger = logger.With(slog.String("session_id", sid))
		}
		logger.Log(ctx, levelFor(r.URL.Path, sw.code), "telemetry request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.code,
			"duration", elapsed,
		)
	})
}

// statusClass maps 204 to "2xx", 503 to "5xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

func levelFor(path string, code int) slog.Level {
	switch {
	case code >= http.StatusInternalServerError:
		return slog.LevelWarn
	case path == "/metrics" || path == "/healthz" || path == "/readyz":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/pngcrypt/internal/tracing"
)

// TracingMiddleware wraps handlers with OpenTelemetry tracing. With
// redactSensitive set, session identifiers and credential headers are
// recorded as [REDACTED].
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer(tracing.TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, getSpanName(r.Method, r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute(r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)

			query := r.URL.Query()
			if mode := query.Get("mode"); mode != "" {
				span.SetAttributes(attribute.String("pngcrypt.mode", mode))
			}
			if size := query.Get("size"); size != "" {
				span.SetAttributes(attribute.String("pngcrypt.key_size", size))
			}
			if session := query.Get("session"); session != "" {
				if redactSensitive {
					session = "[REDACTED]"
				}
				span.SetAttributes(attribute.String("pngcrypt.session", session))
			}
			if id := RequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{
				ResponseWriter: w,
				span:           span,
			}

			defer func() {
				if rw.statusCode == 0 {
					rw.statusCode = http.StatusOK
				}
				span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
				if rw.statusCode >= 400 {
					span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// getSpanName names a span after the pngcrypt operation behind path.
func getSpanName(method, path string) string {
	switch strings.TrimSuffix(path, "/") {
	case "/v1/inspect":
		return "pngcrypt Inspect"
	case "/v1/keys":
		return "pngcrypt GenerateKeys"
	case "/v1/encrypt":
		return "pngcrypt Encrypt"
	case "/v1/decrypt":
		return "pngcrypt Decrypt"
	case "/v1/clean":
		return "pngcrypt Clean"
	default:
		return "HTTP " + method
	}
}

// getRemoteAddr extracts the real remote address, handling X-Forwarded-For and X-Real-IP
func getRemoteAddr(r *http.Request) string {
	// X-Real-IP holds a single address and is preferred
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

// addHeadersToSpan adds relevant headers to the span, redacting sensitive ones
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	safeHeaders := []string{
		"content-type",
		"content-length",
		"accept",
		"accept-encoding",
		"x-request-id",
	}

	sensitiveHeaders := []string{
		"authorization",
		"cookie",
	}

	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}

	for _, header := range sensitiveHeaders {
		if value := headers.Get(header); value != "" {
			if redactSensitive {
				value = "[REDACTED]"
			}
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
}

// tracingResponseWriter wraps http.ResponseWriter to capture status code for tracing
type tracingResponseWriter struct {
	http.ResponseWriter
	span       trace.Span
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

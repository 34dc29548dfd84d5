package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func serveTraced(t *testing.T, redact bool, status int, req *http.Request) sdktrace.ReadOnlySpan {
	t.Helper()
	recorder := recordSpans(t)
	handler := TracingMiddleware(redact)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	return spans[0]
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/decrypt?session=abc", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("Content-Type", "image/png")

	span := serveTraced(t, true, http.StatusOK, req)
	attrs := spanAttrs(span)

	assert.Equal(t, "pngcrypt Decrypt", span.Name())
	assert.Equal(t, "[REDACTED]", attrs["pngcrypt.session"])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.authorization"])
	assert.Equal(t, "image/png", attrs["http.request.header.content-type"])
	assert.Equal(t, "200", attrs["http.status_code"])
	assert.Equal(t, codes.Ok, span.Status().Code)
}

func TestTracingMiddleware_NoRedaction(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/encrypt?mode=CBC&size=512&session=abc", nil)
	req.Header.Set("Authorization", "Bearer secret-token")

	span := serveTraced(t, false, http.StatusOK, req)
	attrs := spanAttrs(span)

	assert.Equal(t, "pngcrypt Encrypt", span.Name())
	assert.Equal(t, "abc", attrs["pngcrypt.session"])
	assert.Equal(t, "CBC", attrs["pngcrypt.mode"])
	assert.Equal(t, "512", attrs["pngcrypt.key_size"])
	assert.Equal(t, "Bearer secret-token", attrs["http.request.header.authorization"])
}

func TestTracingMiddleware_ErrorStatus(t *testing.T) {
	span := serveTraced(t, true, http.StatusUnprocessableEntity, httptest.NewRequest("POST", "/v1/inspect", nil))
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "422", spanAttrs(span)["http.status_code"])
}

func TestGetSpanName(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{"POST", "/v1/inspect", "pngcrypt Inspect"},
		{"POST", "/v1/keys", "pngcrypt GenerateKeys"},
		{"POST", "/v1/encrypt/", "pngcrypt Encrypt"},
		{"POST", "/v1/decrypt", "pngcrypt Decrypt"},
		{"POST", "/v1/clean", "pngcrypt Clean"},
		{"GET", "/healthz", "HTTP GET"},
		{"GET", "/", "HTTP GET"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, getSpanName(tt.method, tt.path))
		})
	}
}

func TestGetRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9:5555", getRemoteAddr(req))

	req.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "1.1.1.1", getRemoteAddr(req))

	req.Header.Set("X-Real-IP", "3.3.3.3")
	assert.Equal(t, "3.3.3.3", getRemoteAddr(req))
}

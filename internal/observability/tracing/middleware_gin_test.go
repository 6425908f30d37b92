package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingEngine(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/payments/webhook/:provider", func(c *gin.Context) { c.Status(http.StatusUnauthorized) })
	r.GET("/boom", func(c *gin.Context) {
		_ = c.Error(errors.New("ledger insert: pq: secret detail"))
		c.Status(http.StatusInternalServerError)
	})
	return r, recorder
}

func TestGinMiddlewareSkipsHealth(t *testing.T) {
	r, recorder := newRecordingEngine(t)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, recorder.Ended())
}

func TestGinMiddlewareMarksRejectedWebhooks(t *testing.T) {
	r, recorder := newRecordingEngine(t)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/payments/webhook/stripe", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /payments/webhook/:provider", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "webhook.rejected", spans[0].Events()[0].Name)
	assert.Contains(t, spans[0].Attributes(), attribute.Int("http.status_code", http.StatusUnauthorized))
}

func TestGinMiddlewareRecordsServerErrors(t *testing.T) {
	r, recorder := newRecordingEngine(t)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEmpty(t, spans[0].Events())
	for _, attr := range spans[0].Events()[0].Attributes {
		assert.NotContains(t, attr.Value.Emit(), "secret detail")
	}
}

func TestSafeHelpers(t *testing.T) {
	attrs := SafeAttributes(attribute.String("webhook.signature", "t=1"), attribute.String("http.route", "/x"))
	assert.Equal(t, []attribute.KeyValue{attribute.String("http.route", "/x")}, attrs)
	assert.EqualError(t, SafeError(errors.New("malformed_payload: amount abc")), "malformed_payload")
	assert.NoError(t, SafeError(nil))
}

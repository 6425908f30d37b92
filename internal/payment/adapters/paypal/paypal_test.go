package paypal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newAdapter(t *testing.T) paymentdomain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(adapters.Config{
		Secret:    "pp_secret",
		WebhookID: "WH-123",
		Clock:     clock.NewFakeClock(now),
	})
	require.NoError(t, err)
	return adapter
}

func signedHeaders(secret, webhookID string, sentAt time.Time, body []byte) http.Header {
	id := "tx-transmission-1"
	ts := sentAt.Format(time.RFC3339)
	message := fmt.Sprintf("%s|%s|%s|%d", id, ts, webhookID, crc32.ChecksumIEEE(body))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))

	headers := http.Header{}
	headers.Set("Paypal-Transmission-Id", id)
	headers.Set("Paypal-Transmission-Time", ts)
	headers.Set("Paypal-Transmission-Sig", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return headers
}

const captureCompleted = `{
	"id": "WH-EVT-1",
	"event_type": "PAYMENT.CAPTURE.COMPLETED",
	"create_time": "2026-05-04T09:59:00Z",
	"resource": {
		"id": "CAP-42",
		"status": "COMPLETED",
		"custom_id": "1001",
		"amount": {"value": "25.50", "currency_code": "EUR"},
		"payer": {"email_address": "buyer@example.com"}
	}
}`

func TestVerify(t *testing.T) {
	adapter := newAdapter(t)
	body := []byte(captureCompleted)

	verified, err := adapter.Verify(context.Background(), body, signedHeaders("pp_secret", "WH-123", now, body))
	require.NoError(t, err)
	assert.Equal(t, body, verified.Body)

	_, err = adapter.Verify(context.Background(), body, signedHeaders("pp_secret", "WH-other", now, body))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	_, err = adapter.Verify(context.Background(), body, signedHeaders("pp_secret", "WH-123", now.Add(-10*time.Minute), body))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	_, err = adapter.Verify(context.Background(), body, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrMissingSignature)
}

func TestFactoryRequiresWebhookID(t *testing.T) {
	_, err := NewFactory().NewAdapter(adapters.Config{Secret: "pp_secret"})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotConfigured)
}

func TestNormalizeCapture(t *testing.T) {
	adapter := newAdapter(t)

	event, err := adapter.Normalize(context.Background(), paymentdomain.VerifiedPayload{Body: []byte(captureCompleted), ReceivedAt: now})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.ProviderPayPal, event.Provider)
	assert.Equal(t, "CAP-42", event.ProviderTransactionID)
	assert.True(t, event.RawAmount.Equal(decimal.RequireFromString("25.50")))
	assert.Equal(t, "EUR", event.RawCurrency)
	assert.Equal(t, "1001", event.UserReference)
	assert.Equal(t, paymentdomain.StatusCompleted, event.Status)
	assert.Equal(t, time.Date(2026, 5, 4, 9, 59, 0, 0, time.UTC), event.OccurredAt)
}

func TestNormalizeRefundUsesCaptureID(t *testing.T) {
	adapter := newAdapter(t)
	body := `{
		"event_type": "PAYMENT.CAPTURE.REFUNDED",
		"resource": {
			"id": "REF-9",
			"amount": {"value": "25.50", "currency_code": "EUR"},
			"links": [
				{"href": "https://api.paypal.com/v2/payments/refunds/REF-9", "rel": "self"},
				{"href": "https://api.paypal.com/v2/payments/captures/CAP-42", "rel": "up"}
			]
		}
	}`

	event, err := adapter.Normalize(context.Background(), paymentdomain.VerifiedPayload{Body: []byte(body), ReceivedAt: now})
	require.NoError(t, err)
	assert.Equal(t, "CAP-42", event.ProviderTransactionID)
	assert.Equal(t, paymentdomain.StatusRefunded, event.Status)
	assert.Equal(t, now, event.OccurredAt)
}

func TestNormalizeRejectsUnknownEvent(t *testing.T) {
	adapter := newAdapter(t)
	body := `{"event_type": "CUSTOMER.DISPUTE.CREATED", "resource": {"id": "D-1", "amount": {"value": "1.00", "currency_code": "USD"}}}`

	_, err := adapter.Normalize(context.Background(), paymentdomain.VerifiedPayload{Body: []byte(body), ReceivedAt: now})
	assert.ErrorIs(t, err, paymentdomain.ErrMalformedPayload)
}

package chime

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
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

const transfer = `{"transaction_id":"chm_1","status":"settled","amount":"19.99","currency":"usd","member_id":"MBR-55","created_at":"2026-05-04T09:30:00Z","memo":"ignored"}`

func newAdapter(t *testing.T) paymentdomain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(adapters.Config{Secret: "chime_secret", Clock: clock.NewFakeClock(now)})
	require.NoError(t, err)
	return adapter
}

func sign(secret string, at time.Time, body []byte) http.Header {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + ":"))
	mac.Write(body)
	headers := http.Header{}
	headers.Set("X-Chime-Timestamp", ts)
	headers.Set("X-Chime-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return headers
}

func TestVerify(t *testing.T) {
	adapter := newAdapter(t)
	body := []byte(transfer)

	_, err := adapter.Verify(context.Background(), body, sign("chime_secret", now, body))
	require.NoError(t, err)

	_, err = adapter.Verify(context.Background(), body, sign("chime_secret", now.Add(6*time.Minute), body))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	_, err = adapter.Verify(context.Background(), body, sign("nope", now, body))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	headers := sign("chime_secret", now, body)
	headers.Set("X-Chime-Signature", "md5=abc")
	_, err = adapter.Verify(context.Background(), body, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	headers.Del("X-Chime-Timestamp")
	_, err = adapter.Verify(context.Background(), body, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrMissingSignature)
}

func TestNormalize(t *testing.T) {
	adapter := newAdapter(t)

	event, err := adapter.Normalize(context.Background(), paymentdomain.VerifiedPayload{Body: []byte(transfer), ReceivedAt: now})
	require.NoError(t, err)
	assert.Equal(t, "chm_1", event.ProviderTransactionID)
	assert.True(t, event.RawAmount.Equal(decimal.RequireFromString("19.99")))
	assert.Equal(t, "USD", event.RawCurrency)
	assert.Equal(t, "MBR-55", event.UserReference)
	assert.Equal(t, paymentdomain.StatusCompleted, event.Status)

	_, err = adapter.Normalize(context.Background(), paymentdomain.VerifiedPayload{
		Body:       []byte(`{"transaction_id":"chm_2","status":"SETTLED","amount":"5.00","currency":"USD"}`),
		ReceivedAt: now,
	})
	assert.ErrorIs(t, err, paymentdomain.ErrMalformedPayload)
}

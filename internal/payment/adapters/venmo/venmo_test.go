package venmo

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
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

const inner = `{"kind":"transaction_settled","timestamp":"2026-05-04T09:58:00Z","transaction":{"id":"vm_77","amount":"12.34","currency_iso_code":"USD","venmo_account":{"username":"@Alice-Smith"}}}`

func envelopeFor(t *testing.T, secret, payload string) []byte {
	t.Helper()
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encoded))
	body, err := json.Marshal(map[string]string{
		"bt_signature": "pub_key|" + hex.EncodeToString(mac.Sum(nil)),
		"bt_payload":   encoded,
	})
	require.NoError(t, err)
	return body
}

func newAdapter(t *testing.T) paymentdomain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(adapters.Config{Secret: "bt_private", Clock: clock.NewFakeClock(now)})
	require.NoError(t, err)
	return adapter
}

func TestVerifyAndNormalize(t *testing.T) {
	adapter := newAdapter(t)

	verified, err := adapter.Verify(context.Background(), envelopeFor(t, "bt_private", inner), nil)
	require.NoError(t, err)
	assert.JSONEq(t, inner, string(verified.Body))

	event, err := adapter.Normalize(context.Background(), *verified)
	require.NoError(t, err)
	assert.Equal(t, "vm_77", event.ProviderTransactionID)
	assert.True(t, event.RawAmount.Equal(decimal.RequireFromString("12.34")))
	assert.Equal(t, "USD", event.RawCurrency)
	assert.Equal(t, "@Alice-Smith", event.UserReference)
	assert.Equal(t, paymentdomain.StatusCompleted, event.Status)
	assert.Equal(t, time.Date(2026, 5, 4, 9, 58, 0, 0, time.UTC), event.OccurredAt)
}

func TestVerifyRejectsForgedEnvelope(t *testing.T) {
	adapter := newAdapter(t)

	_, err := adapter.Verify(context.Background(), envelopeFor(t, "other", inner), nil)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	_, err = adapter.Verify(context.Background(), []byte(`{"bt_payload":"e30="}`), nil)
	assert.ErrorIs(t, err, paymentdomain.ErrMissingSignature)

	_, err = adapter.Verify(context.Background(), []byte(`not json`), nil)
	assert.ErrorIs(t, err, paymentdomain.ErrMissingSignature)
}

func TestNormalizeRequiresTransaction(t *testing.T) {
	adapter := newAdapter(t)

	cases := []string{
		`{"kind":"transaction_settled"}`,
		`{"kind":"subscription_charged_successfully","transaction":{"id":"x","amount":"1","currency_iso_code":"USD","venmo_account":{"username":"u"}}}`,
		`{"kind":"transaction_settled","transaction":{"id":"x","amount":"abc","currency_iso_code":"USD","venmo_account":{"username":"u"}}}`,
	}
	for _, body := range cases {
		_, err := adapter.Normalize(context.Background(), paymentdomain.VerifiedPayload{Body: []byte(body), ReceivedAt: now})
		assert.ErrorIs(t, err, paymentdomain.ErrMalformedPayload, body)
	}
}

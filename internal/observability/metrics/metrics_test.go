package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsHighCardinalityLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("provider", "stripe"),
		attribute.String("user_id", "456"),
		attribute.String("provider_transaction_id", "pi_123"),
		attribute.String("outcome", "awarded"),
	)
	require.Len(t, attrs, 2)
	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	assert.Contains(t, keys, attribute.Key("provider"))
	assert.Contains(t, keys, attribute.Key("outcome"))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordWebhookEvent(ctx, "stripe", "awarded")
	m.RecordPointsAwarded(ctx, "stripe", 10)
	m.RecordLedgerEntry(ctx, "earn")
	m.RecordDuplicate(ctx, "stripe")
	m.RecordRedemption(ctx, "created")
	m.RecordRateLookup(ctx, "BTC", "hit")
	m.RecordRateLimitDenied(ctx, "paypal")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "loyalty-test"}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordPointsAwarded(context.Background(), "crypto", 6000)
}

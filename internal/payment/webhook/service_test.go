package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	accountrepo "github.com/smallbiznis/loyalty/internal/account/repository"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/config"
	"github.com/smallbiznis/loyalty/internal/currency"
	"github.com/smallbiznis/loyalty/internal/events"
	"github.com/smallbiznis/loyalty/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/loyalty/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/loyalty/internal/ledger/service"
	"github.com/smallbiznis/loyalty/internal/payment"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/loyalty/internal/payment/repository"
	"github.com/smallbiznis/loyalty/internal/payment/webhook"
	"github.com/smallbiznis/loyalty/internal/testutil"
	"github.com/smallbiznis/loyalty/internal/tier"
	"github.com/smallbiznis/loyalty/internal/userlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	alice         snowflake.ID = 1001
	stripeSecret               = "whsec_test"
	commerceToken              = "cc_secret"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type harness struct {
	db     *gorm.DB
	svc    paymentdomain.Service
	ledger ledgerdomain.Service
	events *events.Recorder
}

func newHarness(t *testing.T, cryptoRates map[string]decimal.Decimal) *harness {
	t.Helper()

	db := testutil.OpenDB(t)
	node := testutil.Node(t, 5)
	clk := clock.NewFakeClock(now)
	rewards := config.DefaultRewardsConfig()
	engine, err := tier.NewFromConfig(rewards)
	require.NoError(t, err)
	recorder := &events.Recorder{}
	accounts := accountrepo.Provide()

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Rewards:  rewards,
		Tiers:    engine,
		Guard:    idempotency.NewGuard(clk, node, time.Minute),
		Locker:   userlock.NewMemory(),
		Accounts: accounts,
		Repo:     ledgerrepo.Provide(),
		Events:   recorder,
	})

	svc := webhook.NewService(webhook.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cfg: config.Config{Payments: config.PaymentsConfig{Providers: map[string]config.ProviderSecret{
			"stripe": {Secret: stripeSecret},
			"crypto": {Secret: commerceToken},
		}}},
		Adapters: payment.NewRegistry(),
		Currency: currency.NewNormalizer(currency.Options{
			FiatRates: map[string]decimal.Decimal{"EUR": decimal.RequireFromString("1.08")},
			Source:    currency.NewStatic(cryptoRates),
			Timeout:   time.Second,
		}),
		Ledger:   ledger,
		Accounts: accounts,
		Repo:     paymentrepo.Provide(),
		Events:   recorder,
	})

	testutil.SeedUser(t, db, alice, "alice@example.com", 0, "Bronze")
	return &harness{db: db, svc: svc, ledger: ledger, events: recorder}
}

func stripeDelivery(t *testing.T, eventType string, object map[string]any) ([]byte, http.Header) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      "evt_" + eventType,
		"type":    eventType,
		"created": now.Add(-time.Minute).Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(stripeSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", now.Unix(), payload)))
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(mac.Sum(nil))))
	return payload, headers
}

func paymentIntent(id string, amount int64, userRef string) map[string]any {
	return map[string]any{
		"id":       id,
		"object":   "payment_intent",
		"amount":   amount,
		"currency": "usd",
		"metadata": map[string]any{"user_id": userRef},
	}
}

func commerceDelivery(amount, symbol string) ([]byte, http.Header) {
	payload := []byte(fmt.Sprintf(`{"event":{"id":"evt-1","type":"charge:confirmed","created_at":"2026-05-04T09:45:00Z","data":{
		"id":"chg-uuid","code":"ABCD1234","metadata":{},
		"payments":[{"value":{"crypto":{"amount":%q,"currency":%q}},"payer_address":"bc1qwallet"}]
	}}}`, amount, symbol))
	mac := hmac.New(sha256.New, []byte(commerceToken))
	_, _ = mac.Write(payload)
	headers := http.Header{}
	headers.Set("X-CC-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))
	return payload, headers
}

func TestIngestWebhookAwardsPoints(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	payload, headers := stripeDelivery(t, "payment_intent.succeeded", paymentIntent("pi_100", 10000, "1001"))
	result, err := h.svc.IngestWebhook(ctx, "stripe", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeAwarded, result.Outcome)
	assert.Equal(t, alice, result.UserID)
	assert.Equal(t, int64(1000), result.Points)

	balance, err := h.ledger.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.PointsBalance)
	assert.Equal(t, tier.Silver, balance.Tier)

	var usdCents int64
	require.NoError(t, h.db.Raw(
		`SELECT usd_cents FROM payment_events WHERE provider = ? AND provider_transaction_id = ? AND outcome = ?`,
		"stripe", "pi_100", "awarded",
	).Scan(&usdCents).Error)
	assert.Equal(t, int64(10000), usdCents)

	// Providers retry; the same delivery must not award twice.
	result, err = h.svc.IngestWebhook(ctx, "stripe", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeDuplicate, result.Outcome)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, `SELECT COUNT(*) FROM ledger_entries`))
	assert.Equal(t, int64(1), testutil.Count(t, h.db, `SELECT COUNT(*) FROM payment_events`))
}

func TestIngestWebhookConcurrentDeliveriesAwardOnce(t *testing.T) {
	h := newHarness(t, nil)
	payload, headers := stripeDelivery(t, "payment_intent.succeeded", paymentIntent("tx_abc", 2500, "alice@example.com"))

	const deliveries = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[paymentdomain.Outcome]int{}
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.svc.IngestWebhook(context.Background(), "stripe", payload, headers)
			if err != nil {
				t.Errorf("ingest: %v", err)
				return
			}
			mu.Lock()
			outcomes[result.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[paymentdomain.OutcomeAwarded])
	assert.Equal(t, deliveries-1, outcomes[paymentdomain.OutcomeDuplicate])
	assert.Equal(t, int64(1), testutil.Count(t, h.db, `SELECT COUNT(*) FROM ledger_entries WHERE provider_transaction_id = ?`, "tx_abc"))

	balance, err := h.ledger.Balance(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance.PointsBalance)
}

func TestIngestWebhookUnknownUserIsQueued(t *testing.T) {
	h := newHarness(t, nil)

	payload, headers := stripeDelivery(t, "payment_intent.succeeded", paymentIntent("pi_ghost", 5000, "ghost@example.com"))
	result, err := h.svc.IngestWebhook(context.Background(), "stripe", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeUnresolvedUser, result.Outcome)

	assert.Equal(t, 1, h.events.Count(events.SubjectOperatorUnresolvedID))
	assert.Zero(t, testutil.Count(t, h.db, `SELECT COUNT(*) FROM ledger_entries`))
	assert.Zero(t, testutil.Count(t, h.db, `SELECT COUNT(*) FROM payment_claims`))
	assert.Equal(t, int64(1), testutil.Count(t, h.db, `SELECT COUNT(*) FROM payment_events WHERE outcome = ?`, "unresolved_user"))
}

func TestIngestWebhookCryptoUsesWalletHandle(t *testing.T) {
	h := newHarness(t, map[string]decimal.Decimal{"BTC": decimal.NewFromInt(60000)})
	require.NoError(t, accountrepo.Provide().LinkHandle(context.Background(), h.db, "crypto", "bc1qwallet", alice))

	payload, headers := commerceDelivery("0.01", "btc")
	result, err := h.svc.IngestWebhook(context.Background(), "crypto", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeAwarded, result.Outcome)
	assert.Equal(t, int64(6000), result.Points)
}

func TestIngestWebhookRateOutageLeavesNoClaim(t *testing.T) {
	h := newHarness(t, map[string]decimal.Decimal{})
	require.NoError(t, accountrepo.Provide().LinkHandle(context.Background(), h.db, "crypto", "bc1qwallet", alice))

	payload, headers := commerceDelivery("0.5", "eth")
	_, err := h.svc.IngestWebhook(context.Background(), "crypto", payload, headers)
	require.ErrorIs(t, err, currency.ErrRateUnavailable)

	assert.Zero(t, testutil.Count(t, h.db, `SELECT COUNT(*) FROM payment_claims`))
	assert.Zero(t, testutil.Count(t, h.db, `SELECT COUNT(*) FROM ledger_entries`))
	assert.Zero(t, testutil.Count(t, h.db, `SELECT COUNT(*) FROM payment_events`))
}

func TestIngestWebhookRefundReversesAward(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	payload, headers := stripeDelivery(t, "payment_intent.succeeded", paymentIntent("pi_refund", 10000, "1001"))
	_, err := h.svc.IngestWebhook(ctx, "stripe", payload, headers)
	require.NoError(t, err)

	payload, headers = stripeDelivery(t, "charge.refunded", map[string]any{
		"id":             "ch_refund",
		"object":         "charge",
		"payment_intent": "pi_refund",
		"amount":         10000,
		"currency":       "usd",
	})
	result, err := h.svc.IngestWebhook(ctx, "stripe", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeReversed, result.Outcome)
	assert.Equal(t, alice, result.UserID)
	assert.Equal(t, int64(1000), result.Points)

	balance, err := h.ledger.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, balance.PointsBalance)
	assert.Equal(t, tier.Bronze, balance.Tier)

	result, err = h.svc.IngestWebhook(ctx, "stripe", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeDuplicate, result.Outcome)
}

func TestIngestWebhookRefundWithoutAwardIsRecorded(t *testing.T) {
	h := newHarness(t, nil)

	payload, headers := stripeDelivery(t, "charge.refunded", map[string]any{
		"id":             "ch_orphan",
		"payment_intent": "pi_orphan",
		"amount":         100,
		"currency":       "usd",
	})
	result, err := h.svc.IngestWebhook(context.Background(), "stripe", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeRecorded, result.Outcome)
	assert.Zero(t, testutil.Count(t, h.db, `SELECT COUNT(*) FROM ledger_entries`))
}

func TestIngestWebhookRefundBeforeCompletionAwardsNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	payload, headers := stripeDelivery(t, "charge.refunded", map[string]any{
		"id":             "ch_early",
		"object":         "charge",
		"payment_intent": "pi_early",
		"amount":         10000,
		"currency":       "usd",
	})
	result, err := h.svc.IngestWebhook(ctx, "stripe", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeRecorded, result.Outcome)

	payload, headers = stripeDelivery(t, "payment_intent.succeeded", paymentIntent("pi_early", 10000, "1001"))
	result, err = h.svc.IngestWebhook(ctx, "stripe", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeRecorded, result.Outcome)
	assert.Zero(t, result.Points)

	balance, err := h.ledger.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, balance.PointsBalance)
	assert.Zero(t, testutil.Count(t, h.db, `SELECT COUNT(*) FROM ledger_entries`))
	assert.Equal(t, int64(2), testutil.Count(t, h.db,
		`SELECT COUNT(*) FROM payment_events WHERE provider_transaction_id = ? AND outcome = ?`,
		"pi_early", string(paymentdomain.OutcomeRecorded)))
}

func TestIngestWebhookPendingIsRecordedOnly(t *testing.T) {
	h := newHarness(t, nil)

	object := paymentIntent("pi_pending", 10000, "1001")
	payload, headers := stripeDelivery(t, "payment_intent.processing", object)
	result, err := h.svc.IngestWebhook(context.Background(), "stripe", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeRecorded, result.Outcome)
	assert.Zero(t, testutil.Count(t, h.db, `SELECT COUNT(*) FROM ledger_entries`))
	assert.Equal(t, int64(1), testutil.Count(t, h.db, `SELECT COUNT(*) FROM payment_events WHERE status = ?`, "pending"))
}

func TestIngestWebhookRejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	payload, headers := stripeDelivery(t, "payment_intent.succeeded", paymentIntent("pi_bad", 10000, "1001"))

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	_, err := h.svc.IngestWebhook(ctx, "stripe", tampered, headers)
	require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	assert.True(t, paymentdomain.IsAuthenticity(err))

	_, err = h.svc.IngestWebhook(ctx, "stripe", payload, http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrMissingSignature)

	// paypal is supported but has no secret in this configuration.
	_, err = h.svc.IngestWebhook(ctx, "paypal", payload, headers)
	require.ErrorIs(t, err, paymentdomain.ErrProviderNotConfigured)
	assert.True(t, paymentdomain.IsAuthenticity(err))

	_, err = h.svc.IngestWebhook(ctx, "square", payload, headers)
	require.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)

	malformed, malformedHeaders := stripeDelivery(t, "customer.created", map[string]any{"id": "cus_1"})
	_, err = h.svc.IngestWebhook(ctx, "stripe", malformed, malformedHeaders)
	require.ErrorIs(t, err, paymentdomain.ErrMalformedPayload)

	assert.Zero(t, testutil.Count(t, h.db, `SELECT COUNT(*) FROM ledger_entries`))
	assert.Zero(t, testutil.Count(t, h.db, `SELECT COUNT(*) FROM payment_events`))
}

func TestReplayUnresolvedSettlesOnceUserExists(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	payload, headers := stripeDelivery(t, "payment_intent.succeeded", paymentIntent("pi_late", 4000, "late@example.com"))
	result, err := h.svc.IngestWebhook(ctx, "stripe", payload, headers)
	require.NoError(t, err)
	require.Equal(t, paymentdomain.OutcomeUnresolvedUser, result.Outcome)

	settled, err := h.svc.ReplayUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, settled)

	const late snowflake.ID = 3003
	testutil.SeedUser(t, h.db, late, "late@example.com", 0, "Bronze")

	settled, err = h.svc.ReplayUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	balance, err := h.ledger.Balance(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance.PointsBalance)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, `SELECT COUNT(*) FROM payment_events WHERE outcome = ?`, "awarded"))

	settled, err = h.svc.ReplayUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, settled)

	// A retried delivery after settlement is a duplicate.
	result, err = h.svc.IngestWebhook(ctx, "stripe", payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeDuplicate, result.Outcome)
}

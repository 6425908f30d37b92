package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountrepo "github.com/smallbiznis/loyalty/internal/account/repository"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/config"
	"github.com/smallbiznis/loyalty/internal/currency"
	"github.com/smallbiznis/loyalty/internal/idempotency"
	ledgerrepo "github.com/smallbiznis/loyalty/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/loyalty/internal/ledger/service"
	"github.com/smallbiznis/loyalty/internal/observability"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
	redemptionrepo "github.com/smallbiznis/loyalty/internal/redemption/repository"
	redemptionservice "github.com/smallbiznis/loyalty/internal/redemption/service"
	"github.com/smallbiznis/loyalty/internal/testutil"
	"github.com/smallbiznis/loyalty/internal/tier"
	"github.com/smallbiznis/loyalty/internal/userlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakePayments struct {
	result *paymentdomain.IngestResult
	err    error
	calls  int
	last   []byte
}

func (f *fakePayments) IngestWebhook(_ context.Context, _ string, payload []byte, _ http.Header) (*paymentdomain.IngestResult, error) {
	f.calls++
	f.last = payload
	return f.result, f.err
}

func (f *fakePayments) ReplayUnresolved(context.Context, int) (int, error) {
	return 0, nil
}

type testServer struct {
	engine   *gin.Engine
	db       *gorm.DB
	payments *fakePayments
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDB(t)
	node := testutil.Node(t, 3)
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	rewards := config.DefaultRewardsConfig()
	engine, err := tier.NewFromConfig(rewards)
	require.NoError(t, err)
	locker := userlock.NewMemory()
	accounts := accountrepo.Provide()

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Rewards:  rewards,
		Tiers:    engine,
		Guard:    idempotency.NewGuard(clk, node, time.Minute),
		Locker:   locker,
		Accounts: accounts,
		Repo:     ledgerrepo.Provide(),
	})
	redemptions := redemptionservice.NewService(redemptionservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Locker:   locker,
		Accounts: accounts,
		Ledger:   ledger,
		Catalog:  redemptionrepo.ProvideCatalog(),
		Repo:     redemptionrepo.Provide(),
	})
	payments := &fakePayments{result: &paymentdomain.IngestResult{Outcome: paymentdomain.OutcomeAwarded}}

	r := NewEngine(observability.Config{}, nil)
	NewServer(ServerParams{
		Gin:           r,
		Rewards:       rewards,
		DB:            db,
		GenID:         node,
		Clock:         clk,
		Log:           zap.NewNop(),
		Accounts:      accounts,
		LedgerSvc:     ledger,
		RedemptionSvc: redemptions,
		PaymentSvc:    payments,
	})
	return &testServer{engine: r, db: db, payments: payments}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Type
}

func TestWebhookStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		result     *paymentdomain.IngestResult
		err        error
		wantStatus int
		wantType   string
	}{
		{name: "awarded", result: &paymentdomain.IngestResult{Outcome: paymentdomain.OutcomeAwarded}, wantStatus: http.StatusOK},
		{name: "duplicate", result: &paymentdomain.IngestResult{Outcome: paymentdomain.OutcomeDuplicate}, wantStatus: http.StatusOK},
		{name: "queued", result: &paymentdomain.IngestResult{Outcome: paymentdomain.OutcomeUnresolvedUser}, wantStatus: http.StatusAccepted},
		{name: "bad signature", err: paymentdomain.ErrInvalidSignature, wantStatus: http.StatusUnauthorized, wantType: "unauthorized"},
		{name: "not configured", err: paymentdomain.ErrProviderNotConfigured, wantStatus: http.StatusUnauthorized, wantType: "unauthorized"},
		{name: "malformed", err: fmt.Errorf("%w: no amount", paymentdomain.ErrMalformedPayload), wantStatus: http.StatusBadRequest, wantType: "malformed_payload"},
		{name: "unknown provider", err: paymentdomain.ErrProviderNotFound, wantStatus: http.StatusNotFound, wantType: "not_found"},
		{name: "rate outage", err: currency.ErrRateUnavailable, wantStatus: http.StatusServiceUnavailable, wantType: "service_unavailable"},
		{name: "database", err: errors.New("connection reset"), wantStatus: http.StatusInternalServerError, wantType: "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.payments.result = tc.result
			srv.payments.err = tc.err

			rec := srv.do(t, http.MethodPost, "/payments/webhook/stripe", []byte(`{"id":"evt_1"}`))
			require.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, `{"id":"evt_1"}`, string(srv.payments.last))
			if tc.wantType != "" {
				assert.Equal(t, tc.wantType, errorType(t, rec))
				assert.NotContains(t, rec.Body.String(), "signature")
			}
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/payments/webhook/stripe", bytes.Repeat([]byte("a"), maxWebhookBody+1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, srv.payments.calls)
}

func TestCreateUserAwardsReferralBonusOnce(t *testing.T) {
	srv := newTestServer(t)
	const referrer snowflake.ID = 4004
	testutil.SeedUser(t, srv.db, referrer, "ref@example.com", 0, "Bronze")

	rec := srv.do(t, http.MethodPost, "/users", gin.H{"email": "New@Example.com", "referred_by": referrer.String()})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		UserID     string `json:"user_id"`
		Email      string `json:"email"`
		ReferredBy string `json:"referred_by"`
	}
	decodeData(t, rec, &created)
	assert.Equal(t, "new@example.com", created.Email)
	assert.Equal(t, referrer.String(), created.ReferredBy)

	rec = srv.do(t, http.MethodGet, "/users/"+referrer.String()+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance struct {
		PointsBalance int64  `json:"points_balance"`
		Tier          string `json:"tier"`
	}
	decodeData(t, rec, &balance)
	assert.Equal(t, config.DefaultRewardsConfig().ReferralBonusPoints, balance.PointsBalance)

	rec = srv.do(t, http.MethodPost, "/users", gin.H{"email": "new@example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, int64(1), testutil.Count(t, srv.db, `SELECT COUNT(*) FROM ledger_entries WHERE user_id = ?`, referrer))
}

func TestCreateUserValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/users", gin.H{"email": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorType(t, rec))

	rec = srv.do(t, http.MethodPost, "/users", gin.H{"email": "a@example.com", "referred_by": "999"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/users/abc/balance", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/users/777/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLinkPaymentHandle(t *testing.T) {
	srv := newTestServer(t)
	const user snowflake.ID = 5005
	testutil.SeedUser(t, srv.db, user, "cash@example.com", 0, "Bronze")

	rec := srv.do(t, http.MethodPost, "/users/5005/handles", gin.H{"provider": "CashApp", "handle": "$Cash"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), testutil.Count(t, srv.db,
		`SELECT COUNT(*) FROM user_payment_handles WHERE provider = 'cashapp' AND handle = '$cash' AND user_id = ?`, user))

	rec = srv.do(t, http.MethodPost, "/users/5005/handles", gin.H{"provider": "bank", "handle": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPost, "/users/6006/handles", gin.H{"provider": "venmo", "handle": "@v"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRedemptionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	const user snowflake.ID = 7007
	testutil.SeedUser(t, srv.db, user, "spender@example.com", 1000, "Bronze")

	rec := srv.do(t, http.MethodPost, "/rewards", gin.H{"name": "Coffee", "points_cost": 300, "stock": 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reward struct {
		ID string `json:"id"`
	}
	decodeData(t, rec, &reward)

	redeem := gin.H{"user_id": user.String(), "reward_id": reward.ID, "points_cost": 300}
	rec = srv.do(t, http.MethodPost, "/redemptions", redeem)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		RedemptionID     string `json:"redemption_id"`
		RemainingBalance int64  `json:"remaining_balance"`
	}
	decodeData(t, rec, &created)
	assert.Equal(t, int64(700), created.RemainingBalance)

	// The only unit is reserved.
	rec = srv.do(t, http.MethodPost, "/redemptions", redeem)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "reward_unavailable", errorType(t, rec))

	rec = srv.do(t, http.MethodPost, "/redemptions/"+created.RedemptionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodPost, "/redemptions/"+created.RedemptionID+"/fulfill", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorType(t, rec))

	rec = srv.do(t, http.MethodGet, "/users/"+user.String()+"/balance", nil)
	var balance struct {
		PointsBalance int64 `json:"points_balance"`
	}
	decodeData(t, rec, &balance)
	assert.Equal(t, int64(1000), balance.PointsBalance)

	rec = srv.do(t, http.MethodGet, "/users/"+user.String()+"/redemptions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []struct {
		Status string `json:"status"`
	}
	decodeData(t, rec, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, "cancelled", listed[0].Status)

	rec = srv.do(t, http.MethodGet, "/users/"+user.String()+"/ledger?page_size=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Data     []json.RawMessage `json:"data"`
		PageInfo struct {
			HasMore bool `json:"has_more"`
		} `json:"page_info"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Data, 1)
	assert.True(t, page.PageInfo.HasMore)
}

func TestRedeemRejectsOverdraftAndBadInput(t *testing.T) {
	srv := newTestServer(t)
	const user snowflake.ID = 8008
	testutil.SeedUser(t, srv.db, user, "poor@example.com", 100, "Bronze")

	rec := srv.do(t, http.MethodPost, "/rewards", gin.H{"name": "Headphones", "points_cost": 5000})
	require.Equal(t, http.StatusCreated, rec.Code)
	var reward struct {
		ID string `json:"id"`
	}
	decodeData(t, rec, &reward)

	rec = srv.do(t, http.MethodPost, "/redemptions", gin.H{"user_id": user.String(), "reward_id": reward.ID, "points_cost": 5000})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_points", errorType(t, rec))

	rec = srv.do(t, http.MethodPost, "/redemptions", gin.H{"user_id": "x", "reward_id": reward.ID, "points_cost": 5000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/redemptions/12345", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRewardAdmin(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/rewards", gin.H{"name": "Lounge", "points_cost": 900, "tier_required": "mythic"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPost, "/rewards", gin.H{"name": "Lounge", "points_cost": 900, "tier_required": "gold"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reward struct {
		ID           string `json:"id"`
		TierRequired string `json:"tier_required"`
		Active       bool   `json:"active"`
	}
	decodeData(t, rec, &reward)
	assert.Equal(t, "Gold", reward.TierRequired)
	assert.True(t, reward.Active)

	rec = srv.do(t, http.MethodPost, "/rewards/"+reward.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &reward)
	assert.False(t, reward.Active)

	rec = srv.do(t, http.MethodGet, "/rewards", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rewards []json.RawMessage
	decodeData(t, rec, &rewards)
	assert.Len(t, rewards, 1)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

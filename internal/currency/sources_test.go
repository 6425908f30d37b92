package currency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinbaseSpotRate(t *testing.T) {
	var gotPath, gotDate string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDate = r.URL.Query().Get("date")
		_, _ = w.Write([]byte(`{"data":{"amount":"61234.56","base":"BTC","currency":"USD"}}`))
	}))
	defer srv.Close()

	now := func() time.Time { return asOf.Add(48 * time.Hour) }
	source := NewCoinbase(srv.Client(), srv.URL+"/v2/prices/", now)

	rate, err := source.Rate(context.Background(), "BTC", asOf)
	require.NoError(t, err)
	assert.True(t, rate.Equal(d("61234.56")))
	assert.Equal(t, "/v2/prices/BTC-USD/spot", gotPath)
	assert.Equal(t, "2026-03-01", gotDate)
}

func TestCoinbaseOmitsDateForToday(t *testing.T) {
	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"data":{"amount":"3000"}}`))
	}))
	defer srv.Close()

	source := NewCoinbase(srv.Client(), srv.URL, func() time.Time { return asOf })
	_, err := source.Rate(context.Background(), "ETH", asOf)
	require.NoError(t, err)
	assert.Empty(t, rawQuery)
}

func TestCoinbaseNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewCoinbase(srv.Client(), srv.URL, nil).Rate(context.Background(), "BTC", asOf)
	assert.Error(t, err)
}

func TestStaticUnknownSymbol(t *testing.T) {
	_, err := NewStatic(nil).Rate(context.Background(), "BTC", asOf)
	assert.Error(t, err)
}

package repository

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/account/domain"
	"github.com/smallbiznis/loyalty/internal/testutil"
	"github.com/smallbiznis/loyalty/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetByIDMissingUser(t *testing.T) {
	db := testutil.OpenDB(t)
	store := Provide()

	_, err := store.GetByID(context.Background(), db, 42)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	_, err = store.GetByIDForUpdate(context.Background(), db, 42)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestApplyBalanceDeltaNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	store := Provide()
	testutil.SeedUser(t, db, 7, "ana@example.com", 100, "Bronze")

	require.NoError(t, store.ApplyBalanceDelta(ctx, db, 7, 1000, tier.Silver))
	err := store.ApplyBalanceDelta(ctx, db, 7, -1101, tier.Bronze)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	account, err := store.GetByID(ctx, db, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), account.PointsBalance)
	assert.Equal(t, tier.Silver, account.Tier)
}

func TestResolveReferenceOrder(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	store := Provide()
	testutil.SeedUser(t, db, 1, "ana@example.com", 0, "Bronze")
	testutil.SeedUser(t, db, 2, "ben@example.com", 0, "Bronze")

	require.NoError(t, store.LinkHandle(ctx, db, "cashapp", "$Ben", 2))
	// A handle that looks like someone else's email still wins.
	require.NoError(t, store.LinkHandle(ctx, db, "zelle", "ana@example.com", 2))

	cases := []struct {
		provider  string
		reference string
		want      snowflake.ID
	}{
		{"cashapp", "$ben", 2},
		{"zelle", "ANA@example.com", 2},
		{"stripe", " Ana@Example.com ", 1},
		{"stripe", "1", 1},
	}
	for _, tc := range cases {
		got, err := store.ResolveReference(ctx, db, tc.provider, tc.reference)
		require.NoError(t, err, tc.reference)
		assert.Equal(t, tc.want, got, tc.reference)
	}

	_, err := store.ResolveReference(ctx, db, "stripe", "nobody@example.com")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	_, err = store.ResolveReference(ctx, db, "stripe", "999")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	_, err = store.ResolveReference(ctx, db, "stripe", "  ")
	assert.ErrorIs(t, err, domain.ErrEmptyReference)
}

func TestLinkHandleRebindsHandle(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	store := Provide()

	require.NoError(t, store.LinkHandle(ctx, db, "crypto", "0xABC", 1))
	require.NoError(t, store.LinkHandle(ctx, db, "crypto", "0xabc", 2))
	assert.Equal(t, int64(1), testutil.Count(t, db, "SELECT COUNT(1) FROM user_payment_handles"))
}

func TestCryptoHandlesKeepBase58Case(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	store := Provide()
	testutil.SeedUser(t, db, 11, "sol@example.com", 0, "Bronze")
	testutil.SeedUser(t, db, 12, "lee@example.com", 0, "Bronze")

	require.NoError(t, store.LinkHandle(ctx, db, "crypto", "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", 11))
	require.NoError(t, store.LinkHandle(ctx, db, "crypto", "1boatslrhtknngkdxeeobr76b53lettpyt", 12))

	userID, err := store.ResolveReference(ctx, db, "crypto", "1BoatSLRHtKNngkdXEeobR76b53LETtpyT")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(11), userID)

	userID, err = store.ResolveReference(ctx, db, "crypto", "1boatslrhtknngkdxeeobr76b53lettpyt")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(12), userID)

	require.NoError(t, store.LinkHandle(ctx, db, "crypto", "0xAbCdEf0123456789abcdef0123456789ABCDEF01", 11))
	userID, err = store.ResolveReference(ctx, db, "crypto", "0xabcdef0123456789ABCDEF0123456789abcdef01")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(11), userID)

	require.NoError(t, store.LinkHandle(ctx, db, "cashapp", "$Alice", 12))
	userID, err = store.ResolveReference(ctx, db, "cashapp", "$alice")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(12), userID)
}

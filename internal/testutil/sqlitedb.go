// Package testutil opens throwaway SQLite databases carrying the loyalty schema.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// Schema mirrors the postgres migrations with SQLite column types.
var Schema = []string{
	`CREATE TABLE user_accounts (
		user_id BIGINT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		points_balance BIGINT NOT NULL DEFAULT 0 CHECK (points_balance >= 0),
		tier TEXT NOT NULL DEFAULT 'Bronze',
		referred_by BIGINT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE user_payment_handles (
		provider TEXT NOT NULL,
		handle TEXT NOT NULL,
		user_id BIGINT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (provider, handle)
	)`,
	`CREATE TABLE ledger_entries (
		id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		provider TEXT NOT NULL,
		provider_transaction_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		usd_cents BIGINT NOT NULL DEFAULT 0,
		points_awarded BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		tier_after TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_ledger_entries_txn ON ledger_entries(provider, provider_transaction_id, entry_type)`,
	`CREATE INDEX ix_ledger_entries_user ON ledger_entries(user_id, id)`,
	`CREATE TABLE payment_claims (
		id BIGINT PRIMARY KEY,
		scope TEXT NOT NULL,
		provider TEXT NOT NULL,
		provider_transaction_id TEXT NOT NULL,
		token TEXT NOT NULL,
		status TEXT NOT NULL,
		claimed_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_payment_claims_key ON payment_claims(scope, provider, provider_transaction_id)`,
	`CREATE TABLE rewards (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		points_cost BIGINT NOT NULL CHECK (points_cost > 0),
		tier_required TEXT NOT NULL DEFAULT 'Bronze',
		stock_remaining BIGINT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE redemptions (
		id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		reward_id BIGINT NOT NULL,
		points_spent BIGINT NOT NULL CHECK (points_spent > 0),
		status TEXT NOT NULL,
		redemption_code TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		fulfilled_at DATETIME,
		cancelled_at DATETIME
	)`,
	`CREATE INDEX ix_redemptions_user ON redemptions(user_id, id)`,
	`CREATE TABLE payment_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_transaction_id TEXT NOT NULL,
		status TEXT NOT NULL,
		raw_amount TEXT NOT NULL,
		raw_currency TEXT NOT NULL,
		user_reference TEXT NOT NULL,
		usd_cents BIGINT,
		outcome TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payment_events_txn_status ON payment_events(provider, provider_transaction_id, status)`,
}

// OpenDB returns an isolated in-memory database with the schema applied.
// A single connection keeps concurrent tests from tripping SQLITE_LOCKED.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range Schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}
	return db
}

// Node returns a snowflake node for tests.
func Node(t testing.TB, id int64) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(id)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// Count runs a COUNT query and returns the result.
func Count(t testing.TB, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return count
}

// SeedUser inserts a user account with the given balance and tier.
func SeedUser(t testing.TB, db *gorm.DB, userID snowflake.ID, email string, balance int64, tierName string) {
	t.Helper()
	now := time.Now().UTC()
	if err := db.Exec(
		`INSERT INTO user_accounts (user_id, email, points_balance, tier, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, email, balance, tierName, now, now,
	).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

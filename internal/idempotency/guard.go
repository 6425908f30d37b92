package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var (
	ErrDuplicate  = errors.New("duplicate_transaction")
	ErrClaimLost  = errors.New("claim_lost")
	ErrInvalidKey = errors.New("invalid_idempotency_key")
	ErrVoided     = errors.New("claim_voided")
)

const defaultClaimTTL = 5 * time.Minute

type Scope string

const (
	ScopeAward    Scope = "award"
	ScopeReversal Scope = "reversal"
	ScopeBonus    Scope = "bonus"
)

const (
	StatusClaimed   = "claimed"
	StatusCompleted = "completed"
	StatusVoided    = "voided"
)

// Key identifies one external effect.
type Key struct {
	Scope         Scope
	Provider      string
	TransactionID string
}

func (k Key) normalize() (Key, error) {
	k.Provider = strings.ToLower(strings.TrimSpace(k.Provider))
	k.TransactionID = strings.TrimSpace(k.TransactionID)
	if k.Scope == "" || k.Provider == "" || k.TransactionID == "" {
		return Key{}, ErrInvalidKey
	}
	return k, nil
}

// Claim is the caller's proof of admission.
type Claim struct {
	ID        snowflake.ID
	Key       Key
	Token     string
	ExpiresAt time.Time
}

// PaymentClaim is the persisted row behind a Claim.
type PaymentClaim struct {
	ID                    snowflake.ID `gorm:"primaryKey"`
	Scope                 string       `gorm:"type:text;not null;uniqueIndex:ux_payment_claims_key,priority:1"`
	Provider              string       `gorm:"type:text;not null;uniqueIndex:ux_payment_claims_key,priority:2"`
	ProviderTransactionID string       `gorm:"type:text;not null;uniqueIndex:ux_payment_claims_key,priority:3"`
	Token                 string       `gorm:"type:text;not null"`
	Status                string       `gorm:"type:text;not null"`
	ClaimedAt             time.Time    `gorm:"not null"`
	ExpiresAt             time.Time    `gorm:"not null;index"`
	CompletedAt           *time.Time
}

func (PaymentClaim) TableName() string { return "payment_claims" }

// Guard admits each key at most once. Every method runs on the handle it is
// given, so a claim taken inside a transaction is rolled back with it.
type Guard interface {
	Admit(ctx context.Context, db *gorm.DB, key Key) (*Claim, error)
	Complete(ctx context.Context, db *gorm.DB, claim *Claim) error
	Release(ctx context.Context, db *gorm.DB, claim *Claim) error
	Void(ctx context.Context, db *gorm.DB, key Key) error
	SweepExpired(ctx context.Context, db *gorm.DB) (int64, error)
}

var Module = fx.Module("idempotency",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Config config.Config
	Clock  clock.Clock
	GenID  *snowflake.Node
}

type sqlGuard struct {
	clock clock.Clock
	genID *snowflake.Node
	ttl   time.Duration
}

func New(p Params) Guard {
	return NewGuard(p.Clock, p.GenID, p.Config.Idempotency.ClaimTTL)
}

func NewGuard(clk clock.Clock, genID *snowflake.Node, ttl time.Duration) Guard {
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &sqlGuard{clock: clk, genID: genID, ttl: ttl}
}

func (g *sqlGuard) Admit(ctx context.Context, db *gorm.DB, key Key) (*Claim, error) {
	key, err := key.normalize()
	if err != nil {
		return nil, err
	}

	now := g.clock.Now().UTC()
	claim := &Claim{
		ID:        g.genID.Generate(),
		Key:       key,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(g.ttl),
	}

	result := db.WithContext(ctx).Exec(
		`INSERT INTO payment_claims (
			id, scope, provider, provider_transaction_id, token, status, claimed_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, provider, provider_transaction_id) DO NOTHING`,
		claim.ID,
		string(key.Scope),
		key.Provider,
		key.TransactionID,
		claim.Token,
		StatusClaimed,
		now,
		claim.ExpiresAt,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 1 {
		return claim, nil
	}

	// Only an abandoned claim can be taken over.
	result = db.WithContext(ctx).Exec(
		`UPDATE payment_claims
		SET token = ?, claimed_at = ?, expires_at = ?
		WHERE scope = ? AND provider = ? AND provider_transaction_id = ?
			AND status = ? AND expires_at < ?`,
		claim.Token,
		now,
		claim.ExpiresAt,
		string(key.Scope),
		key.Provider,
		key.TransactionID,
		StatusClaimed,
		now,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		status, err := g.status(ctx, db, key)
		if err != nil {
			return nil, err
		}
		if status == StatusVoided {
			return nil, ErrVoided
		}
		return nil, ErrDuplicate
	}

	var id snowflake.ID
	if err := db.WithContext(ctx).Raw(
		`SELECT id FROM payment_claims
		WHERE scope = ? AND provider = ? AND provider_transaction_id = ? AND token = ?`,
		string(key.Scope),
		key.Provider,
		key.TransactionID,
		claim.Token,
	).Scan(&id).Error; err != nil {
		return nil, err
	}
	claim.ID = id
	return claim, nil
}

func (g *sqlGuard) Complete(ctx context.Context, db *gorm.DB, claim *Claim) error {
	if claim == nil {
		return ErrClaimLost
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE payment_claims
		SET status = ?, completed_at = ?
		WHERE id = ? AND token = ? AND status = ?`,
		StatusCompleted,
		g.clock.Now().UTC(),
		claim.ID,
		claim.Token,
		StatusClaimed,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

func (g *sqlGuard) Release(ctx context.Context, db *gorm.DB, claim *Claim) error {
	if claim == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`DELETE FROM payment_claims WHERE id = ? AND token = ? AND status = ?`,
		claim.ID,
		claim.Token,
		StatusClaimed,
	).Error
}

// Void reserves key so that it can never be admitted. It succeeds when the key
// is already void and fails with ErrDuplicate when a claim got there first.
func (g *sqlGuard) Void(ctx context.Context, db *gorm.DB, key Key) error {
	key, err := key.normalize()
	if err != nil {
		return err
	}

	now := g.clock.Now().UTC()
	result := db.WithContext(ctx).Exec(
		`INSERT INTO payment_claims (
			id, scope, provider, provider_transaction_id, token, status, claimed_at, expires_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, provider, provider_transaction_id) DO NOTHING`,
		g.genID.Generate(),
		string(key.Scope),
		key.Provider,
		key.TransactionID,
		uuid.NewString(),
		StatusVoided,
		now,
		now,
		now,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	status, err := g.status(ctx, db, key)
	if err != nil {
		return err
	}
	if status == StatusVoided {
		return nil
	}
	return ErrDuplicate
}

func (g *sqlGuard) status(ctx context.Context, db *gorm.DB, key Key) (string, error) {
	var status string
	err := db.WithContext(ctx).Raw(
		`SELECT status FROM payment_claims
		WHERE scope = ? AND provider = ? AND provider_transaction_id = ?`,
		string(key.Scope),
		key.Provider,
		key.TransactionID,
	).Scan(&status).Error
	return status, err
}

func (g *sqlGuard) SweepExpired(ctx context.Context, db *gorm.DB) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM payment_claims WHERE status = ? AND expires_at < ?`,
		StatusClaimed,
		g.clock.Now().UTC(),
	)
	return result.RowsAffected, result.Error
}

package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/loyalty/internal/account/domain"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
	redemptiondomain "github.com/smallbiznis/loyalty/internal/redemption/domain"
	"github.com/smallbiznis/loyalty/internal/tier"
	"github.com/smallbiznis/loyalty/pkg/db"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
	"go.uber.org/zap"
)

const referralReason = "referral"

type createUserRequest struct {
	Email      string `json:"email"`
	ReferredBy string `json:"referred_by"`
}

type linkHandleRequest struct {
	Provider string `json:"provider"`
	Handle   string `json:"handle"`
}

// CreateUser registers an account. A valid referrer earns the referral bonus
// once per referred user.
func (s *Server) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		AbortWithError(c, newValidationError("email", "invalid_email", "invalid email"))
		return
	}
	referrer, err := parseOptionalSnowflakeID("referred_by", req.ReferredBy)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	if referrer != nil {
		if _, err := s.accounts.GetByID(ctx, s.db, *referrer); err != nil {
			if errors.Is(err, accountdomain.ErrUserNotFound) {
				AbortWithError(c, newValidationError("referred_by", "unknown_referrer", "referrer not found"))
				return
			}
			AbortWithError(c, err)
			return
		}
	}

	now := s.clock.Now().UTC()
	account := &accountdomain.UserAccount{
		UserID:     s.genID.Generate(),
		Email:      email,
		Tier:       tier.Bronze,
		ReferredBy: referrer,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.accounts.Insert(ctx, s.db, account); err != nil {
		if db.IsDuplicateKeyErr(err) {
			AbortWithError(c, ErrConflict)
			return
		}
		AbortWithError(c, err)
		return
	}

	if referrer != nil && s.rewards.ReferralBonusPoints > 0 {
		_, err := s.ledgerSvc.AwardBonus(ctx, ledgerdomain.BonusRequest{
			UserID:    *referrer,
			Reason:    referralReason,
			Reference: account.UserID.String(),
			Points:    s.rewards.ReferralBonusPoints,
		})
		if err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateTransaction) {
			// The account exists either way; the bonus is keyed by the new
			// user and can be retried.
			s.log.Error("referral bonus failed",
				zap.String("referrer_id", referrer.String()),
				zap.String("user_id", account.UserID.String()),
				zap.Error(err),
			)
		}
	}

	c.JSON(http.StatusCreated, gin.H{"data": account})
}

func (s *Server) GetBalance(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.Balance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}

func (s *Server) ListLedgerEntries(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.ListEntries(c.Request.Context(), ledgerdomain.ListEntriesRequest{
		UserID:     userID,
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Entries, "page_info": resp.PageInfo})
}

func (s *Server) ListUserRedemptions(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.redemptionSvc.ListByUser(c.Request.Context(), redemptiondomain.ListRequest{
		UserID:     userID,
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Redemptions, "page_info": resp.PageInfo})
}

// LinkPaymentHandle maps a provider-side identifier, such as a cash tag or a
// wallet address, to the user so webhooks carrying it can be credited.
func (s *Server) LinkPaymentHandle(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req linkHandleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	provider, err := paymentdomain.ParseProvider(req.Provider)
	if err != nil {
		AbortWithError(c, newValidationError("provider", "invalid_provider", "unknown provider"))
		return
	}
	handle := strings.TrimSpace(req.Handle)
	if handle == "" {
		AbortWithError(c, newValidationError("handle", "required", "handle is required"))
		return
	}

	ctx := c.Request.Context()
	if _, err := s.accounts.GetByID(ctx, s.db, userID); err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.accounts.LinkHandle(ctx, s.db, string(provider), handle, userID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"user_id":  userID.String(),
		"provider": string(provider),
		"handle":   handle,
	}})
}

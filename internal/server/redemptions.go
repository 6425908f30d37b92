package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	redemptiondomain "github.com/smallbiznis/loyalty/internal/redemption/domain"
)

type createRedemptionRequest struct {
	UserID     string `json:"user_id"`
	RewardID   string `json:"reward_id"`
	PointsCost int64  `json:"points_cost"`
}

func (s *Server) CreateRedemption(c *gin.Context) {
	var req createRedemptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := parseSnowflakeID("user_id", req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	rewardID, err := parseSnowflakeID("reward_id", req.RewardID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if req.PointsCost <= 0 {
		AbortWithError(c, newValidationError("points_cost", "invalid_points_cost", "points_cost must be positive"))
		return
	}

	resp, err := s.redemptionSvc.Redeem(c.Request.Context(), redemptiondomain.RedeemRequest{
		UserID:     userID,
		RewardID:   rewardID,
		PointsCost: req.PointsCost,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetRedemption(c *gin.Context) {
	redemptionID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.redemptionSvc.Get(c.Request.Context(), redemptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// CancelRedemption refunds the points and restores reward stock.
func (s *Server) CancelRedemption(c *gin.Context) {
	redemptionID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.redemptionSvc.Cancel(c.Request.Context(), redemptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) FulfillRedemption(c *gin.Context) {
	redemptionID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.redemptionSvc.Fulfill(c.Request.Context(), redemptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

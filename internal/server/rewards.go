package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	redemptiondomain "github.com/smallbiznis/loyalty/internal/redemption/domain"
	"github.com/smallbiznis/loyalty/internal/tier"
)

type createRewardRequest struct {
	Name         string `json:"name"`
	PointsCost   int64  `json:"points_cost"`
	TierRequired string `json:"tier_required"`
	Stock        *int64 `json:"stock"`
}

func (s *Server) ListRewards(c *gin.Context) {
	rewards, err := s.redemptionSvc.ListRewards(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rewards})
}

func (s *Server) CreateReward(c *gin.Context) {
	var req createRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	required := tier.Bronze
	if raw := strings.TrimSpace(req.TierRequired); raw != "" {
		parsed, err := tier.Parse(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		required = parsed
	}

	reward, err := s.redemptionSvc.CreateReward(c.Request.Context(), redemptiondomain.CreateRewardRequest{
		Name:         req.Name,
		PointsCost:   req.PointsCost,
		TierRequired: required,
		Stock:        req.Stock,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": reward})
}

func (s *Server) ActivateReward(c *gin.Context) {
	s.setRewardActive(c, true)
}

func (s *Server) DeactivateReward(c *gin.Context) {
	s.setRewardActive(c, false)
}

func (s *Server) setRewardActive(c *gin.Context, active bool) {
	rewardID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	reward, err := s.redemptionSvc.SetRewardActive(c.Request.Context(), rewardID, active)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": reward})
}

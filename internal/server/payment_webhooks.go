package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
)

// HandlePaymentWebhook acknowledges with 200 once the delivery is settled,
// including duplicates and non-completed statuses, so providers stop
// retrying. Unknown users are acknowledged with 202 after being queued.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, paymentdomain.ErrMalformedPayload)
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result != nil && result.Outcome == paymentdomain.OutcomeUnresolvedUser {
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/loyalty/internal/account/domain"
	"github.com/smallbiznis/loyalty/internal/currency"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
	redemptiondomain "github.com/smallbiznis/loyalty/internal/redemption/domain"
	"github.com/smallbiznis/loyalty/internal/tier"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case paymentdomain.IsAuthenticity(err):
		// Never say which check failed.
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, paymentdomain.ErrMalformedPayload),
		errors.Is(err, currency.ErrUnsupportedCurrency),
		errors.Is(err, currency.ErrNegativeAmount):
		return http.StatusBadRequest, errorPayload{
			Type:    "malformed_payload",
			Message: "malformed payload",
		}
	case errors.Is(err, currency.ErrRateUnavailable),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, redemptiondomain.ErrInsufficientPoints):
		return http.StatusConflict, errorPayload{
			Type:    "insufficient_points",
			Message: "insufficient points",
		}
	case errors.Is(err, redemptiondomain.ErrRewardUnavailable):
		return http.StatusConflict, errorPayload{
			Type:    "reward_unavailable",
			Message: "reward unavailable",
		}
	case errors.Is(err, redemptiondomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: "redemption is not pending",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, ledgerdomain.ErrDuplicateTransaction):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the response type and a stable code for the
// request log.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if payload.Type == "internal_error" {
		return payload.Type, "internal_error"
	}
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, redemptiondomain.ErrInvalidRequest),
		errors.Is(err, redemptiondomain.ErrInvalidRewardConfig),
		errors.Is(err, redemptiondomain.ErrInvalidPageToken),
		errors.Is(err, ledgerdomain.ErrInvalidPageToken),
		errors.Is(err, ledgerdomain.ErrInvalidUser),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, accountdomain.ErrEmptyReference),
		errors.Is(err, tier.ErrUnknownTier):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, accountdomain.ErrUserNotFound),
		errors.Is(err, redemptiondomain.ErrRedemptionNotFound),
		errors.Is(err, redemptiondomain.ErrRewardNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, redemptiondomain.ErrInvalidRequest):
		return "invalid_redemption_request"
	case errors.Is(err, redemptiondomain.ErrInvalidRewardConfig):
		return "invalid_reward"
	case errors.Is(err, redemptiondomain.ErrInvalidPageToken),
		errors.Is(err, ledgerdomain.ErrInvalidPageToken):
		return "invalid_page_token"
	case errors.Is(err, ledgerdomain.ErrInvalidUser):
		return "invalid_user"
	case errors.Is(err, ledgerdomain.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, accountdomain.ErrEmptyReference):
		return "invalid_handle"
	case errors.Is(err, tier.ErrUnknownTier):
		return "invalid_tier_required"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}

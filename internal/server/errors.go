package server

import (
	"errors"
	"net/http"

	creditdomain "github.com/0xHoneyJar/freeside/internal/credit/domain"
	eventlogdomain "github.com/0xHoneyJar/freeside/internal/eventlog/domain"
	"github.com/0xHoneyJar/freeside/internal/occ"
	payoutdomain "github.com/0xHoneyJar/freeside/internal/payout/domain"
	referraldomain "github.com/0xHoneyJar/freeside/internal/referral/domain"
	tierdomain "github.com/0xHoneyJar/freeside/internal/tierconfig/domain"
	"github.com/gin-gonic/gin"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v *ValidationErrors) Error() string {
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

var ErrUnauthorized = errors.New("unauthorized")

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
		writeError(c, lastErr.Err)
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{{Field: field, Code: code, Message: message}},
	}
}

func writeError(c *gin.Context, err error) {
	// Version conflicts and scope violations have fixed wire contracts so
	// clients can refresh-and-retry mechanically.
	var conflict *occ.VersionConflictError
	if errors.As(err, &conflict) {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error": "VERSION_CONFLICT",
			"details": gin.H{
				"currentVersion": conflict.CurrentVersion,
				"yourVersion":    conflict.YourVersion,
				"serverId":       conflict.ServerID,
			},
		})
		return
	}
	var scope *occ.ScopeViolationError
	if errors.As(err, &scope) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "SCOPE_VIOLATION",
			"details": gin.H{
				"blockedTiers": scope.BlockedTiers,
			},
		})
		return
	}

	status, payload := mapError(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: payload})
}

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}

	case errors.Is(err, creditdomain.ErrInvalidEntity),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidSourceType),
		errors.Is(err, payoutdomain.ErrInvalidAmount),
		errors.Is(err, payoutdomain.ErrInvalidDestination),
		errors.Is(err, referraldomain.ErrInvalidEarning),
		errors.Is(err, referraldomain.ErrInvalidAmount),
		errors.Is(err, tierdomain.ErrInvalidTiers),
		errors.Is(err, tierdomain.ErrMissingVersion):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: err.Error()}

	case errors.Is(err, creditdomain.ErrInsufficientFunds),
		errors.Is(err, payoutdomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{Type: "insufficient_balance", Message: err.Error()}

	case errors.Is(err, creditdomain.ErrNotFound),
		errors.Is(err, creditdomain.ErrAccountNotFound),
		errors.Is(err, payoutdomain.ErrNotFound),
		errors.Is(err, referraldomain.ErrNotFound),
		errors.Is(err, tierdomain.ErrNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}

	case errors.Is(err, creditdomain.ErrReservationClosed):
		return http.StatusConflict, errorPayload{Type: "invalid_state", Message: err.Error()}

	case errors.Is(err, eventlogdomain.ErrAppendOnlyViolation):
		// Programming error upstream; never a caller problem.
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}

	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

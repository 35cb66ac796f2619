package server

import (
	"context"
	"net/http"

	payoutdomain "github.com/0xHoneyJar/freeside/internal/payout/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type createPayoutRequest struct {
	AccountID           string `json:"accountId"`
	AmountMicro         int64  `json:"amountMicro"`
	FeeMicro            int64  `json:"feeMicro"`
	DestinationAddress  string `json:"destinationAddress"`
	DestinationCurrency string `json:"destinationCurrency"`
}

func (s *Server) CreatePayout(c *gin.Context) {
	var req createPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "malformed request body"))
		return
	}
	accountID, err := snowflake.ParseString(req.AccountID)
	if err != nil {
		AbortWithError(c, newValidationError("accountId", "invalid_id", "malformed account id"))
		return
	}

	request, err := s.payoutSvc.CreateRequest(c.Request.Context(), payoutdomain.CreateRequestInput{
		AccountID:           accountID,
		AmountMicro:         req.AmountMicro,
		FeeMicro:            req.FeeMicro,
		DestinationAddress:  req.DestinationAddress,
		DestinationCurrency: req.DestinationCurrency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, payoutResponse(request))
}

func (s *Server) GetPayout(c *gin.Context) {
	payoutID, ok := parseID(c, "id")
	if !ok {
		return
	}

	request, err := s.payoutSvc.GetRequest(c.Request.Context(), payoutID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payoutResponse(request))
}

func (s *Server) ApprovePayout(c *gin.Context) {
	s.applyTransition(c, s.payoutSvc.Approve)
}

func (s *Server) CancelPayout(c *gin.Context) {
	s.applyTransition(c, s.payoutSvc.Cancel)
}

// applyTransition runs a guarded transition. A rejected guard is a normal
// response with success=false, not an error status.
func (s *Server) applyTransition(c *gin.Context, fn func(ctx context.Context, id snowflake.ID) (payoutdomain.TransitionResult, error)) {
	payoutID, ok := parseID(c, "id")
	if !ok {
		return
	}

	result, err := fn(c.Request.Context(), payoutID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": result.Success,
		"from":    result.From,
		"to":      result.To,
		"reason":  result.Reason,
	})
}

func payoutResponse(request *payoutdomain.PayoutRequest) gin.H {
	return gin.H{
		"id":                  request.ID.String(),
		"accountId":           request.AccountID.String(),
		"amountMicro":         request.AmountMicro,
		"feeMicro":            request.FeeMicro,
		"netAmountMicro":      request.NetAmountMicro,
		"destinationAddress":  request.DestinationAddress,
		"destinationCurrency": request.DestinationCurrency,
		"status":              request.Status,
		"providerPayoutId":    request.ProviderPayoutID,
		"createdAt":           request.CreatedAt,
	}
}

package server

import (
	"net/http"
	"strconv"

	creditdomain "github.com/0xHoneyJar/freeside/internal/credit/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func parseID(c *gin.Context, param string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param(param))
	if err != nil {
		AbortWithError(c, newValidationError(param, "invalid_id", "malformed id"))
		return 0, false
	}
	return id, true
}

type finalizeRequest struct {
	ActualCostMicro int64 `json:"actualCostMicro"`
}

func (s *Server) FinalizeReservation(c *gin.Context) {
	reservationID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "malformed request body"))
		return
	}
	if req.ActualCostMicro < 0 {
		AbortWithError(c, newValidationError("actualCostMicro", "negative", "actual cost must be >= 0"))
		return
	}

	result, err := s.creditSvc.Finalize(c.Request.Context(), reservationID, req.ActualCostMicro)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reservationId":        result.ReservationID.String(),
		"actualCostMicro":      result.ActualCostMicro,
		"surplusReleasedMicro": result.SurplusReleasedMicro,
		"overrunMicro":         result.OverrunMicro,
		"finalizedAt":          result.FinalizedAt,
	})
}

func (s *Server) GetBalance(c *gin.Context) {
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	balance, err := s.creditSvc.GetBalance(c.Request.Context(), accountID, c.Query("pool"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"availableMicro": balance.AvailableMicro,
		"reservedMicro":  balance.ReservedMicro,
	})
}

func (s *Server) GetHistory(c *gin.Context) {
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	entries, err := s.creditSvc.GetHistory(c.Request.Context(), accountID, creditdomain.HistoryQuery{
		Limit:     limit,
		Offset:    offset,
		EntryType: creditdomain.LedgerEntryType(c.Query("entryType")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		items = append(items, gin.H{
			"id":             entry.ID.String(),
			"entryType":      entry.EntryType,
			"amountMicro":    entry.AmountMicro,
			"idempotencyKey": entry.IdempotencyKey,
			"referenceType":  entry.ReferenceType,
			"referenceId":    entry.ReferenceID,
			"createdAt":      entry.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": items})
}

func (s *Server) GetWithdrawableBalance(c *gin.Context) {
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	settled, err := s.referralSvc.GetSettledBalance(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	withdrawable, err := s.referralSvc.GetWithdrawableBalance(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"settledMicro":      settled,
		"withdrawableMicro": withdrawable,
	})
}

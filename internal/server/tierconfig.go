package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/0xHoneyJar/freeside/internal/occ"
	tierdomain "github.com/0xHoneyJar/freeside/internal/tierconfig/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) GetTierConfig(c *gin.Context) {
	cfg, err := s.tierSvc.Get(c.Request.Context(), c.Param("communityId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tierConfigResponse(cfg))
}

func (s *Server) UpdateTierConfig(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, newValidationError("body", "unreadable", "could not read request body"))
		return
	}

	// The expected version may arrive in the header or the body; the
	// extraction precedence is fixed, so the body is parsed generically
	// first.
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "malformed request body"))
		return
	}
	expectedVersion, found := occ.ExpectedVersion(c.GetHeader(occ.HeaderExpectedVersion), generic)
	if !found {
		AbortWithError(c, tierdomain.ErrMissingVersion)
		return
	}

	var body struct {
		Tiers []tierdomain.TierDefinition `json:"tiers"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		AbortWithError(c, newValidationError("tiers", "invalid_json", "malformed tier definitions"))
		return
	}

	callerIndex, _ := callerTierIndex(c)
	updated, err := s.tierSvc.Update(c.Request.Context(), tierdomain.UpdateInput{
		CommunityID:     c.Param("communityId"),
		CallerTierIndex: callerIndex,
		ExpectedVersion: expectedVersion,
		Tiers:           body.Tiers,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tierConfigResponse(updated))
}

func tierConfigResponse(cfg *tierdomain.TierConfig) gin.H {
	var tiers []tierdomain.TierDefinition
	_ = json.Unmarshal(cfg.Tiers, &tiers)
	return gin.H{
		"communityId": cfg.CommunityID,
		"version":     cfg.Version,
		"tiers":       tiers,
	}
}

package server

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const s2sClaimsKey = "s2s_claims"

// jwtLeeway tolerates clock drift between services when validating
// expiry and not-before.
const jwtLeeway = 30 * time.Second

type s2sClaims struct {
	// TierIndex is the caller's privilege rank for scope fencing. Lower
	// is more privileged.
	TierIndex *int `json:"tier_index,omitempty"`
	jwt.RegisteredClaims
}

// S2SAuthRequired authenticates internal service-to-service calls with an
// HS256 token. A missing secret fails closed.
func (s *Server) S2SAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.S2SJWTSecret == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(raw) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims := &s2sClaims{}
		token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims,
			func(*jwt.Token) (any, error) {
				return []byte(s.cfg.S2SJWTSecret), nil
			},
			jwt.WithValidMethods([]string{"HS256"}),
			jwt.WithIssuer(s.cfg.S2SJWTIssuer),
			jwt.WithAudience(s.cfg.S2SJWTAudience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(jwtLeeway),
		)
		if err != nil || !token.Valid {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(s2sClaimsKey, claims)
		c.Next()
	}
}

// callerTierIndex reads the caller's tier rank from the verified token.
func callerTierIndex(c *gin.Context) (int, bool) {
	value, ok := c.Get(s2sClaimsKey)
	if !ok {
		return 0, false
	}
	claims, ok := value.(*s2sClaims)
	if !ok || claims.TierIndex == nil {
		return 0, false
	}
	return *claims.TierIndex, true
}

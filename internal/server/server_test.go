package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/0xHoneyJar/freeside/internal/config"
	"github.com/0xHoneyJar/freeside/internal/occ"
	tierdomain "github.com/0xHoneyJar/freeside/internal/tierconfig/domain"
	webhookdomain "github.com/0xHoneyJar/freeside/internal/webhook/domain"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret   = "s2s-secret"
	testIssuer   = "freeside-core"
	testAudience = "freeside-ledger"
)

func testConfig() config.Config {
	return config.Config{
		S2SJWTSecret:   testSecret,
		S2SJWTIssuer:   testIssuer,
		S2SJWTAudience: testAudience,
		ServerID:       "srv-test",
	}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	return &Server{
		engine: engine,
		log:    zap.NewNop(),
		cfg:    cfg,
	}
}

type tokenOptions struct {
	issuer    string
	audience  string
	expiresAt time.Time
	tierIndex *int
	secret    string
}

func signToken(t *testing.T, opts tokenOptions) string {
	t.Helper()
	claims := s2sClaims{
		TierIndex: opts.tierIndex,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    opts.issuer,
			Audience:  jwt.ClaimStrings{opts.audience},
			ExpiresAt: jwt.NewNumericDate(opts.expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(opts.secret))
	require.NoError(t, err)
	return signed
}

func validToken(t *testing.T) string {
	t.Helper()
	return signToken(t, tokenOptions{
		issuer:    testIssuer,
		audience:  testAudience,
		expiresAt: time.Now().Add(time.Hour),
		secret:    testSecret,
	})
}

func TestS2SAuthRequired(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.engine.GET("/protected", s.S2SAuthRequired(), func(c *gin.Context) {
		index, _ := callerTierIndex(c)
		c.JSON(http.StatusOK, gin.H{"tierIndex": index})
	})

	request := func(authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		s.engine.ServeHTTP(rec, req)
		return rec
	}

	rec := request("Bearer " + validToken(t))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, request("").Code, "missing header")
	assert.Equal(t, http.StatusUnauthorized, request("Bearer ").Code, "empty token")
	assert.Equal(t, http.StatusUnauthorized, request(validToken(t)).Code, "missing Bearer prefix")

	expired := signToken(t, tokenOptions{
		issuer: testIssuer, audience: testAudience,
		expiresAt: time.Now().Add(-time.Hour), secret: testSecret,
	})
	assert.Equal(t, http.StatusUnauthorized, request("Bearer "+expired).Code, "expired token")

	wrongIssuer := signToken(t, tokenOptions{
		issuer: "someone-else", audience: testAudience,
		expiresAt: time.Now().Add(time.Hour), secret: testSecret,
	})
	assert.Equal(t, http.StatusUnauthorized, request("Bearer "+wrongIssuer).Code, "wrong issuer")

	wrongKey := signToken(t, tokenOptions{
		issuer: testIssuer, audience: testAudience,
		expiresAt: time.Now().Add(time.Hour), secret: "other-secret",
	})
	assert.Equal(t, http.StatusUnauthorized, request("Bearer "+wrongKey).Code, "wrong signing key")
}

func TestS2SAuthFailsClosedWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.S2SJWTSecret = ""
	s := newTestServer(t, cfg)
	s.engine.GET("/protected", s.S2SAuthRequired(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+validToken(t))
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallerTierIndexFromToken(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.engine.GET("/protected", s.S2SAuthRequired(), func(c *gin.Context) {
		index, ok := callerTierIndex(c)
		c.JSON(http.StatusOK, gin.H{"tierIndex": index, "present": ok})
	})

	two := 2
	token := signToken(t, tokenOptions{
		issuer: testIssuer, audience: testAudience,
		expiresAt: time.Now().Add(time.Hour), secret: testSecret,
		tierIndex: &two,
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TierIndex int  `json:"tierIndex"`
		Present   bool `json:"present"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Present)
	assert.Equal(t, 2, body.TierIndex)
}

func TestWriteErrorVersionConflictShape(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.engine.GET("/conflict", func(c *gin.Context) {
		AbortWithError(c, &occ.VersionConflictError{CurrentVersion: 7, YourVersion: 5, ServerID: "srv-test"})
	})

	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conflict", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Error   string `json:"error"`
		Details struct {
			CurrentVersion int64  `json:"currentVersion"`
			YourVersion    int64  `json:"yourVersion"`
			ServerID       string `json:"serverId"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VERSION_CONFLICT", body.Error)
	assert.Equal(t, int64(7), body.Details.CurrentVersion)
	assert.Equal(t, int64(5), body.Details.YourVersion)
	assert.Equal(t, "srv-test", body.Details.ServerID)
}

func TestWriteErrorScopeViolationShape(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.engine.GET("/scope", func(c *gin.Context) {
		AbortWithError(c, &occ.ScopeViolationError{BlockedTiers: []string{"tier-admin"}})
	})

	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scope", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body struct {
		Error   string `json:"error"`
		Details struct {
			BlockedTiers []string `json:"blockedTiers"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "SCOPE_VIOLATION", body.Error)
	assert.Equal(t, []string{"tier-admin"}, body.Details.BlockedTiers)
}

func TestWriteErrorDomainMappings(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.engine.GET("/missing-version", func(c *gin.Context) {
		AbortWithError(c, tierdomain.ErrMissingVersion)
	})

	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing-version", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubWebhookService struct {
	result webhookdomain.ProcessResult
	body   string
}

func (s *stubWebhookService) Process(_ context.Context, _ string, rawBody []byte, _ string) webhookdomain.ProcessResult {
	s.body = string(rawBody)
	return s.result
}

func TestHandleProviderWebhookAcknowledgesNonRejections(t *testing.T) {
	stub := &stubWebhookService{result: webhookdomain.ProcessResult{
		Status:  webhookdomain.StatusStale,
		Reason:  "timestamp outside freshness window",
		EventID: "evt-1",
	}}
	s := newTestServer(t, testConfig())
	s.webhookSvc = stub
	s.engine.POST("/webhooks/:provider", s.HandleProviderWebhook)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/lvver", strings.NewReader(`{"id":"evt-1"}`))
	req.Header.Set("x-signature", "abc")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "non-rejection outcomes are acknowledged")
	assert.Equal(t, `{"id":"evt-1"}`, stub.body)

	var body struct {
		Status  string `json:"status"`
		EventID string `json:"event_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "stale", body.Status)
	assert.Equal(t, "evt-1", body.EventID)
}

func TestHandleProviderWebhookRejectsBadSignature(t *testing.T) {
	stub := &stubWebhookService{result: webhookdomain.ProcessResult{
		Status: webhookdomain.StatusRejected,
		Reason: "signature verification failed",
	}}
	s := newTestServer(t, testConfig())
	s.webhookSvc = stub
	s.engine.POST("/webhooks/:provider", s.HandleProviderWebhook)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/lvver", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid signature"}`, rec.Body.String())
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/0xHoneyJar/freeside/internal/config"
	creditdomain "github.com/0xHoneyJar/freeside/internal/credit/domain"
	payoutdomain "github.com/0xHoneyJar/freeside/internal/payout/domain"
	referraldomain "github.com/0xHoneyJar/freeside/internal/referral/domain"
	tierdomain "github.com/0xHoneyJar/freeside/internal/tierconfig/domain"
	webhookdomain "github.com/0xHoneyJar/freeside/internal/webhook/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Log         *zap.Logger
	Cfg         config.Config
	CreditSvc   creditdomain.Service
	ReferralSvc referraldomain.Service
	PayoutSvc   payoutdomain.Service
	WebhookSvc  webhookdomain.Service
	TierSvc     tierdomain.Service
}

type Server struct {
	engine      *gin.Engine
	log         *zap.Logger
	cfg         config.Config
	creditSvc   creditdomain.Service
	referralSvc referraldomain.Service
	payoutSvc   payoutdomain.Service
	webhookSvc  webhookdomain.Service
	tierSvc     tierdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		log:         p.Log.Named("http.server"),
		cfg:         p.Cfg,
		creditSvc:   p.CreditSvc,
		referralSvc: p.ReferralSvc,
		payoutSvc:   p.PayoutSvc,
		webhookSvc:  p.WebhookSvc,
		tierSvc:     p.TierSvc,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleProviderWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(s.S2SAuthRequired())

	api.POST("/reservations/:id/finalize", s.FinalizeReservation)
	api.GET("/accounts/:id/balance", s.GetBalance)
	api.GET("/accounts/:id/history", s.GetHistory)
	api.GET("/accounts/:id/withdrawable", s.GetWithdrawableBalance)

	api.POST("/payouts", s.CreatePayout)
	api.GET("/payouts/:id", s.GetPayout)
	api.POST("/payouts/:id/approve", s.ApprovePayout)
	api.POST("/payouts/:id/cancel", s.CancelPayout)

	api.GET("/tier-configs/:communityId", s.GetTierConfig)
	api.PUT("/tier-configs/:communityId", s.UpdateTierConfig)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

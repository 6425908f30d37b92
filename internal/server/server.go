package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/smallbiznis/loyalty/internal/account/domain"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/config"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	"github.com/smallbiznis/loyalty/internal/observability"
	obsmiddleware "github.com/smallbiznis/loyalty/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	obstracing "github.com/smallbiznis/loyalty/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
	"github.com/smallbiznis/loyalty/internal/ratelimit"
	redemptiondomain "github.com/smallbiznis/loyalty/internal/redemption/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxWebhookBody = 1 << 20

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http.server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
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

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	rewards        config.RewardsConfig
	db             *gorm.DB
	genID          *snowflake.Node
	clock          clock.Clock
	log            *zap.Logger
	accounts       accountdomain.Store
	ledgerSvc      ledgerdomain.Service
	redemptionSvc  redemptiondomain.Service
	paymentSvc     paymentdomain.Service
	webhookLimiter *ratelimit.WebhookLimiter
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Rewards        config.RewardsConfig
	DB             *gorm.DB
	GenID          *snowflake.Node
	Clock          clock.Clock
	Log            *zap.Logger
	Accounts       accountdomain.Store
	LedgerSvc      ledgerdomain.Service
	RedemptionSvc  redemptiondomain.Service
	PaymentSvc     paymentdomain.Service
	WebhookLimiter *ratelimit.WebhookLimiter `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		rewards:        p.Rewards,
		db:             p.DB,
		genID:          p.GenID,
		clock:          p.Clock,
		log:            p.Log.Named("http.handlers"),
		accounts:       p.Accounts,
		ledgerSvc:      p.LedgerSvc,
		redemptionSvc:  p.RedemptionSvc,
		paymentSvc:     p.PaymentSvc,
		webhookLimiter: p.WebhookLimiter,
		obsMetrics:     p.ObsMetrics,
	}

	svc.registerWebhookRoutes()
	svc.registerUserRoutes()
	svc.registerRedemptionRoutes()
	svc.registerRewardRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/payments/webhook/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)
}

func (s *Server) registerUserRoutes() {
	users := s.engine.Group("/users")

	users.POST("", s.CreateUser)
	users.GET("/:id/balance", s.GetBalance)
	users.GET("/:id/ledger", s.ListLedgerEntries)
	users.GET("/:id/redemptions", s.ListUserRedemptions)
	users.POST("/:id/handles", s.LinkPaymentHandle)
}

func (s *Server) registerRedemptionRoutes() {
	redemptions := s.engine.Group("/redemptions")

	redemptions.POST("", s.CreateRedemption)
	redemptions.GET("/:id", s.GetRedemption)
	redemptions.POST("/:id/cancel", s.CancelRedemption)
	redemptions.POST("/:id/fulfill", s.FulfillRedemption)
}

func (s *Server) registerRewardRoutes() {
	rewards := s.engine.Group("/rewards")

	rewards.GET("", s.ListRewards)
	rewards.POST("", s.CreateReward)
	rewards.POST("/:id/activate", s.ActivateReward)
	rewards.POST("/:id/deactivate", s.DeactivateReward)
}

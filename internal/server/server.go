package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/scribeforge/creditd/internal/account/domain"
	"github.com/scribeforge/creditd/internal/config"
	ledgerdomain "github.com/scribeforge/creditd/internal/ledger/domain"
	meteringdomain "github.com/scribeforge/creditd/internal/metering/domain"
	"github.com/scribeforge/creditd/internal/observability"
	obsmiddleware "github.com/scribeforge/creditd/internal/observability/logger"
	obsmetrics "github.com/scribeforge/creditd/internal/observability/metrics"
	paymentdomain "github.com/scribeforge/creditd/internal/payment/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug: obsCfg.Debug(),
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
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

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	genID       *snowflake.Node
	accountSvc  accountdomain.Service
	ledgerSvc   ledgerdomain.Service
	meteringSvc meteringdomain.Service
	paymentSvc  paymentdomain.Service
	obsMetrics  *obsmetrics.Metrics
	opLimiter   OperationGuard
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	GenID       *snowflake.Node
	AccountSvc  accountdomain.Service
	LedgerSvc   ledgerdomain.Service
	MeteringSvc meteringdomain.Service
	PaymentSvc  paymentdomain.Service
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
	OpLimiter   OperationGuard      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		genID:       p.GenID,
		accountSvc:  p.AccountSvc,
		ledgerSvc:   p.LedgerSvc,
		meteringSvc: p.MeteringSvc,
		paymentSvc:  p.PaymentSvc,
		obsMetrics:  p.ObsMetrics,
		opLimiter:   p.OpLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.GET("/accounts/:user_id/balance", s.GetBalance)
	v1.GET("/accounts/:user_id/usage", s.ListUsage)

	v1.POST("/operations", s.OperationRateLimit(), s.RunOperation)
	v1.POST("/checkout/sessions", s.CreateCheckoutSession)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payments", s.HandlePaymentWebhook)
}

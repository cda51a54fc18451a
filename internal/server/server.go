package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/subgate/internal/auth"
	"github.com/smallbiznis/subgate/internal/config"
	featureservice "github.com/smallbiznis/subgate/internal/feature/service"
	"github.com/smallbiznis/subgate/internal/notify"
	"github.com/smallbiznis/subgate/internal/observability"
	obslogger "github.com/smallbiznis/subgate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/subgate/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/subgate/internal/payment/domain"
	"github.com/smallbiznis/subgate/internal/payment/webhook"
	"github.com/smallbiznis/subgate/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/subgate/internal/subscription/domain"
)

var Module = fx.Options(
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	authVerifier    auth.Verifier
	subscriptionSvc subscriptiondomain.Service
	featureSvc      *featureservice.Service
	paymentSvc      paymentdomain.Service
	webhookSvc      webhook.Service
	dispatcher      notify.Dispatcher
	bucket          *ratelimit.TokenBucket
	metrics         *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	AuthVerifier    auth.Verifier
	SubscriptionSvc subscriptiondomain.Service
	FeatureSvc      *featureservice.Service
	PaymentSvc      paymentdomain.Service
	WebhookSvc      webhook.Service
	Dispatcher      notify.Dispatcher
	Bucket          *ratelimit.TokenBucket `optional:"true"`
	Metrics         *obsmetrics.Metrics    `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("server"),
		authVerifier:    p.AuthVerifier,
		subscriptionSvc: p.SubscriptionSvc,
		featureSvc:      p.FeatureSvc,
		paymentSvc:      p.PaymentSvc,
		webhookSvc:      p.WebhookSvc,
		dispatcher:      p.Dispatcher,
		bucket:          p.Bucket,
		metrics:         p.Metrics,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	payment := s.engine.Group("/payment", s.AuthRequired())
	{
		payment.POST("/create-order", s.RateLimit("payment.create_order", 1, 5), s.CreateOrder)
		payment.POST("/verify", s.RateLimit("payment.verify", 2, 10), s.VerifyPayment)
	}

	sub := s.engine.Group("/subscription", s.AuthRequired())
	{
		sub.GET("/status", s.GetSubscriptionStatus)
		sub.POST("/cancel", s.CancelSubscription)
		sub.POST("/upgrade", s.UpgradeSubscription)
		sub.GET("/feature-access/:feature", s.CheckFeatureAccess)
	}
}

func (s *Server) registerWebhookRoutes() {
	// No auth gate: the gateway authenticates by HMAC signature, and a
	// missing signature must map to 401, not a token error.
	s.engine.POST("/webhook/gateway", s.RateLimit("webhook.gateway", 50, 100), s.HandleGatewayWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/webhook", s.AdminRequired())
	{
		admin.GET("/statistics", s.WebhookStatistics)
		admin.POST("/retry", s.RetryWebhooks)
		admin.POST("/retry/:eventId", s.RetryWebhookEvent)
	}
}

// classifyErrorForLog labels handler errors for the request log without
// leaking message text into metrics-grade fields.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if vErr := asValidationErrors(err); vErr != nil {
		code := ""
		if len(vErr.Errors) > 0 {
			code = vErr.Errors[0].Code
		}
		return "validation_error", code
	}
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return "invalid_signature", "invalid_signature"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		return "unauthorized", "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden", "forbidden"
	case isValidationError(err):
		return "validation_error", err.Error()
	case errors.Is(err, subscriptiondomain.ErrTransitionConflict):
		return "conflict", "transition_conflict"
	case errors.Is(err, paymentdomain.ErrGatewayUnavailable):
		return "gateway_unavailable", "gateway_unavailable"
	case isNotFoundError(err):
		return "not_found", "not_found"
	default:
		return "internal_error", "internal_error"
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/billingcore/internal/authorization"
	"github.com/smallbiznis/billingcore/internal/catalog"
	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/dunning"
	"github.com/smallbiznis/billingcore/internal/gateway"
	gatewaydomain "github.com/smallbiznis/billingcore/internal/gateway/domain"
	"github.com/smallbiznis/billingcore/internal/gateway/webhook"
	"github.com/smallbiznis/billingcore/internal/observability"
	obsmiddleware "github.com/smallbiznis/billingcore/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/billingcore/internal/observability/metrics"
	obstracing "github.com/smallbiznis/billingcore/internal/observability/tracing"
	"github.com/smallbiznis/billingcore/internal/ratelimit"
	"github.com/smallbiznis/billingcore/internal/rating"
	ratingdomain "github.com/smallbiznis/billingcore/internal/rating/domain"
	"github.com/smallbiznis/billingcore/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/internal/usage"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Domains is every billing service the HTTP surface and the scheduler share.
var Domains = fx.Options(
	authorization.Module,
	catalog.Module,
	subscription.Module,
	usage.Module,
	rating.Module,
	gateway.Module,
	dunning.Module,
	ratelimit.Module,
)

var Module = fx.Module("http.server",
	Domains,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(observability.HTTPTracing(obsCfg)))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
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
	log             *zap.Logger
	authzSvc        authorization.Service
	catalogSvc      catalogdomain.Service
	subscriptionSvc subscriptiondomain.Service
	usageSvc        usagedomain.Service
	ratingSvc       ratingdomain.Service
	gatewaySvc      gatewaydomain.Service
	webhookSvc      *webhook.Service
	usageLimiter    *ratelimit.UsageLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	AuthzSvc        authorization.Service
	CatalogSvc      catalogdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	UsageSvc        usagedomain.Service
	RatingSvc       ratingdomain.Service
	GatewaySvc      gatewaydomain.Service
	WebhookSvc      *webhook.Service
	UsageLimiter    *ratelimit.UsageLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		authzSvc:        p.AuthzSvc,
		catalogSvc:      p.CatalogSvc,
		subscriptionSvc: p.SubscriptionSvc,
		usageSvc:        p.UsageSvc,
		ratingSvc:       p.RatingSvc,
		gatewaySvc:      p.GatewaySvc,
		webhookSvc:      p.WebhookSvc,
		usageLimiter:    p.UsageLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Webhooks authenticate by signature, not by tenant headers.
func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/processor", s.HandleProcessorWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("", s.RequestContext())

	// -------- Catalog --------
	api.GET("/products", s.authorize(authorization.ObjectCatalog, authorization.ActionView), s.ListProducts)
	api.POST("/products", s.authorize(authorization.ObjectCatalog, authorization.ActionCreate), s.CreateProduct)
	api.GET("/products/:code/plans", s.authorize(authorization.ObjectCatalog, authorization.ActionView), s.ListPlans)
	api.POST("/products/:code/plans", s.authorize(authorization.ObjectCatalog, authorization.ActionCreate), s.CreatePlan)
	api.GET("/bundles", s.authorize(authorization.ObjectCatalog, authorization.ActionView), s.ListBundles)
	api.POST("/bundles", s.authorize(authorization.ObjectCatalog, authorization.ActionCreate), s.CreateBundle)
	api.GET("/bundles/:id/price", s.authorize(authorization.ObjectCatalog, authorization.ActionView), s.PreviewBundlePrice)

	// -------- Subscriptions --------
	api.GET("/subscriptions", s.authorize(authorization.ObjectSubscription, authorization.ActionView), s.ListSubscriptions)
	api.POST("/subscriptions", s.authorize(authorization.ObjectSubscription, authorization.ActionCreate), s.CreateSubscription)
	api.GET("/subscriptions/:id", s.authorize(authorization.ObjectSubscription, authorization.ActionView), s.GetSubscriptionByID)
	api.GET("/subscriptions/:id/history", s.authorize(authorization.ObjectSubscription, authorization.ActionView), s.ListSubscriptionHistory)
	api.GET("/subscriptions/:id/charges", s.authorize(authorization.ObjectCharge, authorization.ActionView), s.ListSubscriptionCharges)
	api.POST("/subscriptions/:id/cancel", s.authorize(authorization.ObjectSubscription, authorization.ActionCancel), s.CancelSubscription)
	api.POST("/subscriptions/:id/reactivate", s.authorize(authorization.ObjectSubscription, authorization.ActionReactivate), s.ReactivateSubscription)
	api.POST("/subscriptions/:id/upgrade", s.authorize(authorization.ObjectSubscription, authorization.ActionUpgrade), s.UpgradeSubscription)
	api.POST("/subscriptions/:id/approve", s.authorize(authorization.ObjectSubscription, authorization.ActionApprove), s.ApproveSubscription)
	api.POST("/subscriptions/:id/reconcile", s.authorize(authorization.ObjectSubscription, authorization.ActionReconcile), s.ReconcileSubscription)

	// -------- Usage --------
	api.POST("/usage", s.authorize(authorization.ObjectUsage, authorization.ActionIngest), s.UsageIngestRateLimit(), s.IngestUsage)
	api.GET("/usage/:subscription_id", s.authorize(authorization.ObjectUsage, authorization.ActionView), s.GetCurrentUsage)

	// -------- Gateway operations --------
	api.GET("/operations/failed", s.authorize(authorization.ObjectOperation, authorization.ActionView), s.ListFailedOperations)
	api.GET("/operations/:id", s.authorize(authorization.ObjectOperation, authorization.ActionView), s.GetOperation)
	api.POST("/operations/:id/retry", s.authorize(authorization.ObjectOperation, authorization.ActionRetry), s.RetryOperation)
}

package api

import (
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/usage-governor/internal/ledger"
	"github.com/NikhilSetiya/usage-governor/internal/middleware"
	"github.com/NikhilSetiya/usage-governor/internal/monitoring"
	"github.com/NikhilSetiya/usage-governor/pkg/config"
	"github.com/NikhilSetiya/usage-governor/pkg/logging"
	"github.com/NikhilSetiya/usage-governor/pkg/metrics"
	"github.com/NikhilSetiya/usage-governor/pkg/resilience"
	"github.com/NikhilSetiya/usage-governor/pkg/tracing"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Dependencies are the services the ops API serves
type Dependencies struct {
	Config  *config.Config
	Ledger  *ledger.Ledger
	Monitor *monitoring.Service
	Checks  map[string]HealthChecker
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.TracingService

	// Breakers and CostCache are optional
	Breakers  *resilience.BreakerSet
	CostCache CostCacheInvalidator
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.ErrorLoggingMiddleware(logger))
	router.Use(deps.Tracer.TracingMiddleware())
	router.Use(deps.Metrics.PrometheusMiddleware())
	router.Use(CORSMiddleware(deps.Config.Server.AllowedOrigins))
	router.Use(SecurityHeadersMiddleware())

	// Unauthenticated health and metrics endpoints
	router.GET("/healthz", NewHealthHandler(Version, deps.Checks).Check)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	accounts := NewAccountHandler(deps.Ledger, deps.Monitor)
	monitor := NewMonitoringHandler(deps.Monitor, deps.Breakers)

	v1 := router.Group("/api/v1")
	v1.Use(AuthMiddleware(deps.Config.Auth.JWTSecret))
	{
		mon := v1.Group("/monitoring", RequireRole(RoleOperator))
		{
			mon.GET("/health", monitor.GetHealth)
			mon.GET("/history", monitor.GetHistory)
			mon.GET("/alerts", monitor.GetAlerts)
			mon.POST("/alerts/:id/acknowledge", monitor.AcknowledgeAlert)
			mon.GET("/providers", monitor.GetProviders)
		}

		if deps.CostCache != nil {
			costs := NewFeatureCostHandler(deps.CostCache)
			fc := v1.Group("/feature-costs", RequireRole(RoleOperator))
			{
				fc.POST("/invalidate", costs.InvalidateAll)
				fc.POST("/:featureKey/invalidate", costs.Invalidate)
			}
		}

		acct := v1.Group("/accounts/:userID")
		{
			acct.GET("/balance", RequireRole(RoleOperator, RoleBilling), accounts.GetBalance)
			acct.GET("/transactions", RequireRole(RoleOperator, RoleBilling), accounts.ListTransactions)
			acct.GET("/statement", RequireRole(RoleOperator, RoleBilling), accounts.ExportStatement)
			acct.GET("/reconcile", RequireRole(RoleOperator), accounts.Reconcile)
			acct.POST("/credits", RequireRole(RoleBilling), accounts.AddCredits)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}

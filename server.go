package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/handlers"
	"github.com/channelworks/crm_backend/middlewares"
	"github.com/channelworks/crm_backend/models"
	"github.com/channelworks/crm_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("channelworks-crm")

func registerRoutes(r *gin.Engine) {
	api := r.Group("/api")

	api.POST("/auth/login", handlers.LoginHandler)
	api.POST("/auth/logout", handlers.LogoutHandler)

	reconView := api.Group("", middlewares.RequirePermission(models.PermReconciliationView))
	{
		reconView.GET("/reconciliation/deposits", handlers.GetDepositsHandler)
		reconView.GET("/reconciliation/deposits/:id", handlers.GetDepositHandler)
		reconView.GET("/reconciliation/line-items/:lineId/matches", handlers.GetLineMatchesHandler)
		reconView.GET("/reconciliation/templates", handlers.GetTemplatesHandler)
		reconView.GET("/reconciliation/mapping", handlers.ResolveMappingHandler)
		reconView.GET("/reconciliation/import-jobs", handlers.GetImportJobsHandler)
		reconView.GET("/flex-review", handlers.GetFlexReviewHandler)
		reconView.GET("/audit-logs", handlers.GetAuditLogsHandler)
		reconView.GET("/revenue-schedules", handlers.GetRevenueSchedulesHandler)
	}

	reconManage := api.Group("", middlewares.RequirePermission(models.PermReconciliationManage))
	{
		reconManage.POST("/reconciliation/deposits/import", handlers.ImportDepositHandler)
		reconManage.POST("/reconciliation/deposits/:id/auto-match/preview", handlers.PreviewAutoMatchHandler)
		reconManage.POST("/reconciliation/deposits/:id/auto-match", handlers.ApplyAutoMatchHandler)
		reconManage.POST("/reconciliation/deposits/:id/finalize", handlers.FinalizeDepositHandler)
		reconManage.POST("/reconciliation/deposits/:id/line-items/:lineId/match", handlers.ManualMatchHandler)
		reconManage.POST("/reconciliation/deposits/:id/line-items/:lineId/unmatch", handlers.UnmatchLineItemHandler)
		reconManage.POST("/reconciliation/templates", handlers.CreateTemplateHandler)
		reconManage.PUT("/reconciliation/templates/:id", handlers.UpdateTemplateHandler)
		reconManage.POST("/flex-review/:id/assign", handlers.AssignFlexReviewHandler)
		reconManage.POST("/flex-review/:id/approve-and-apply", handlers.ApproveFlexReviewHandler)
		reconManage.POST("/flex-review/:id/resolve", handlers.ResolveFlexReviewHandler)
		reconManage.POST("/revenue-schedules", handlers.CreateRevenueScheduleHandler)
	}

	crmView := api.Group("", middlewares.RequirePermission(models.PermCrmView))
	{
		crmView.GET("/accounts", handlers.GetAccountsHandler)
		crmView.GET("/contacts", handlers.GetContactsHandler)
		crmView.GET("/opportunities", handlers.GetOpportunitiesHandler)
		crmView.GET("/products", handlers.GetProductsHandler)
	}

	crmManage := api.Group("", middlewares.RequirePermission(models.PermCrmManage))
	{
		crmManage.POST("/accounts", handlers.CreateAccountHandler)
		crmManage.POST("/accounts/bulk-reassign", handlers.BulkReassignAccountsHandler)
		crmManage.POST("/contacts", handlers.CreateContactHandler)
		crmManage.POST("/opportunities", handlers.CreateOpportunityHandler)
		crmManage.POST("/products", handlers.CreateProductHandler)
	}

	admin := api.Group("", middlewares.RequirePermission(models.PermAdminManage))
	{
		admin.GET("/roles", handlers.GetRolesHandler)
		admin.POST("/roles", handlers.CreateRoleHandler)
		admin.PUT("/roles/:id", handlers.UpdateRoleHandler)
		admin.GET("/users", handlers.GetUsersHandler)
		admin.POST("/users", handlers.CreateUserHandler)
		admin.PUT("/users/:id", handlers.UpdateUserHandler)
		admin.GET("/settings", handlers.GetTenantSettingsHandler)
		admin.PUT("/settings", handlers.UpdateTenantSettingsHandler)
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the platform considers the revision
	// healthy. Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production an explicit allowlist is required; in development allow
	// all for convenience.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	registerRoutes(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that attached errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/config"
	"github.com/pratikpakhale/poultry/internal/server/handlers"
)

// Handlers groups the HTTP handlers mounted by the router.
type Handlers struct {
	Ledger   *handlers.LedgerHandler
	Catalog  *handlers.CatalogHandler
	Reports  *handlers.ReportHandler
	Admin    *handlers.AdminHandler
	Messages *handlers.MessageHandler
}

// New wires the Gin engine with required routes and middlewares.
func New(cfg config.ServerConfig, h Handlers, logger *zap.Logger) *gin.Engine {
	if cfg.Env == "test" {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(zapLoggerMiddleware(logger))
	r.Use(corsMiddleware(cfg))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Server is running!", "timestamp": time.Now().UTC()})
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h.Ledger.Register(r)
	h.Catalog.Register(r)
	r.GET("/reports/finance", h.Reports.Finance)

	admin := r.Group("/ledger")
	admin.GET("/reconcile", h.Admin.Reconcile)
	admin.GET("/reports", h.Admin.Reports)
	admin.GET("/pending", h.Admin.Pending)

	if h.Messages != nil {
		r.POST("/send-message", h.Messages.SendMessage)
	}

	if logger != nil {
		logger.Info("router initialized", zap.Int("routes", len(r.Routes())))
	}

	return r
}

// corsMiddleware allows the configured frontend in production and any origin otherwise.
func corsMiddleware(cfg config.ServerConfig) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", handlers.IdempotencyHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if cfg.Production() {
		c.AllowOrigins = []string{cfg.FrontendOrigin}
		c.AllowCredentials = true
	} else {
		c.AllowAllOrigins = true
	}
	return cors.New(c)
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

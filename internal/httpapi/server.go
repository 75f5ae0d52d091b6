package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/contentforge/creditgate/pkg/credit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Run boots the HTTP surface and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config, service *credit.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/v1")
	api.POST("/authorize", handler.handleAuthorize)
	api.POST("/refunds", handler.handleRefund)
	api.POST("/webhooks/payments", handler.handlePaymentWebhook)
	api.GET("/accounts/:id/balance", handler.handleBalance)
	api.GET("/accounts/:id/transactions", handler.handleHistory)
	api.GET("/costs", handler.handleCosts)

	admin := api.Group("/admin")
	admin.Use(adminAuthMiddleware(cfg))
	admin.POST("/accounts", handler.handleCreateAccount)
	admin.POST("/grants", handler.handleGrant)
	admin.POST("/accounts/:id/deactivate", handler.handleDeactivate)
	admin.POST("/accounts/:id/verify", handler.handleVerify)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *credit.Service
	cfg     Config
	nowFn   func() time.Time
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

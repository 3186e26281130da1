// Package server exposes the broker over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"saf-broker/internal/config"
	"saf-broker/internal/service"
)

// HealthChecker reports dependency health for /health.
type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

type Server struct {
	orders      service.OrderService
	fulfillment service.FulfillmentService
	health      HealthChecker
	router      *gin.Engine
	httpServer  *http.Server
}

func NewServer(
	cfg config.HTTPServer,
	orders service.OrderService,
	fulfillment service.FulfillmentService,
	health HealthChecker,
	certificateDir string,
) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	corsCfg := cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowOrigins) == 0 {
		corsCfg.AllowOrigins = nil
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	}
	router.Use(cors.New(corsCfg))

	s := &Server{
		orders:      orders,
		fulfillment: fulfillment,
		health:      health,
		router:      router,
	}

	router.GET("/health", s.handleHealth)
	if certificateDir != "" {
		router.Static("/certificates", certificateDir)
	}

	api := router.Group("/api")
	{
		api.POST("/orders", s.handleCreateOrder)
		api.GET("/orders/:id", s.handleGetOrder)
		api.POST("/orders/:id/checkout", s.handleCheckout)
		api.POST("/orders/:id/complete", s.handleCompleteOrder)
		api.GET("/orders/:id/certificate", s.handleGetCertificate)

		api.POST("/payments/webhook", s.handleWebhook)
		api.POST("/payments/:id/refund", s.handleRefund)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.httpServer.Addr).Info("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down http server")
	return s.httpServer.Shutdown(shutdownCtx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}

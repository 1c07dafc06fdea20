// Package api exposes the REST and websocket surface. All responses share
// one envelope; protected routes carry a bearer token and are scoped to the
// token's subject.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"crypto-strategy-bot/internal/auth"
	"crypto-strategy-bot/internal/database"
	"crypto-strategy-bot/internal/events"
	"crypto-strategy-bot/internal/exchange"
	"crypto-strategy-bot/internal/jobs"
	"crypto-strategy-bot/internal/notification"
	"crypto-strategy-bot/internal/orders"
	"crypto-strategy-bot/internal/vault"
)

type ServerConfig struct {
	Port        int
	CORSOrigins []string
}

type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	logger     zerolog.Logger

	strategies    *database.StrategyRepository
	positions     *database.PositionRepository
	balances      *database.BalanceRepository
	exchanges     *database.ExchangeRepository
	notifications *database.NotificationRepository

	executor   *orders.Executor
	vault      *vault.Client
	gateways   *exchange.Registry
	jobManager *jobs.Manager
	notifier   *notification.Service
	bus        *events.Bus
	jwtManager *auth.JWTManager
	hub        *Hub
}

func NewServer(
	cfg ServerConfig,
	db *database.DB,
	executor *orders.Executor,
	vaultClient *vault.Client,
	gateways *exchange.Registry,
	jobManager *jobs.Manager,
	notifier *notification.Service,
	bus *events.Bus,
	jwtManager *auth.JWTManager,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		config:        cfg,
		logger:        logger.With().Str("component", "api").Logger(),
		strategies:    database.NewStrategyRepository(db),
		positions:     database.NewPositionRepository(db),
		balances:      database.NewBalanceRepository(db),
		exchanges:     database.NewExchangeRepository(db),
		notifications: database.NewNotificationRepository(db),
		executor:      executor,
		vault:         vaultClient,
		gateways:      gateways,
		jobManager:    jobManager,
		notifier:      notifier,
		bus:           bus,
		jwtManager:    jwtManager,
		hub:           NewHub(logger),
	}
	s.setupRouter()
	s.hub.AttachBus(bus)
	go s.hub.Run()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(s.config.CORSOrigins) == 1 && s.config.CORSOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.config.CORSOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	v1.Use(auth.Middleware(s.jwtManager))
	v1.Use(rateLimitMiddleware(newRateLimiter(120, time.Minute)))
	{
		strategies := v1.Group("/strategies")
		{
			strategies.POST("", s.handleCreateStrategy)
			strategies.GET("", s.handleListStrategies)
			strategies.GET("/:id", s.handleGetStrategy)
			strategies.PUT("/:id", s.handleUpdateStrategy)
			strategies.DELETE("/:id", s.handleDeleteStrategy)
			strategies.POST("/:id/check", s.handleCheckStrategy)
			strategies.GET("/:id/executions", s.handleListExecutions)
		}

		positions := v1.Group("/positions")
		{
			positions.GET("", s.handleListPositions)
			positions.GET("/:id", s.handleGetPosition)
			positions.POST("/sync", s.handleSyncPositions)
		}

		ordersGroup := v1.Group("/orders")
		{
			ordersGroup.POST("/buy", s.handleManualBuy)
			ordersGroup.POST("/sell", s.handleManualSell)
		}

		jobsGroup := v1.Group("/jobs")
		{
			jobsGroup.GET("/status", s.handleJobStatus)
			jobsGroup.POST("/control", s.handleJobControl)
			jobsGroup.POST("/trigger/:job", s.handleJobTrigger)
		}

		exchanges := v1.Group("/exchanges")
		{
			exchanges.GET("", s.handleListExchangeCatalog)
			exchanges.GET("/links", s.handleListLinks)
			exchanges.POST("/link", s.handleLinkExchange)
			exchanges.DELETE("/unlink", s.handleUnlinkExchange)
			exchanges.POST("/disconnect", s.handleDisconnectExchange)
			exchanges.POST("/connect", s.handleConnectExchange)
			exchanges.DELETE("/delete", s.handleDeleteExchange)
		}

		balances := v1.Group("/balances")
		{
			balances.GET("/history", s.handleBalanceHistory)
			balances.GET("/latest", s.handleLatestBalance)
		}

		notifications := v1.Group("/notifications")
		{
			notifications.GET("", s.handleListNotifications)
			notifications.POST("/:id/read", s.handleMarkNotificationRead)
		}

		v1.GET("/ws", s.handleWebSocket)
	}

	s.router = router
}

func (s *Server) handleHealth(c *gin.Context) {
	respondOK(c, gin.H{"status": "ok"}, "")
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request")
	}
}

// authorizeUser enforces that the bearer token's subject owns the resource.
// Admins may act on behalf of any user. Returns the effective user ID, or ""
// after writing a 403.
func (s *Server) authorizeUser(c *gin.Context, requestedUserID string) string {
	callerID := auth.GetUserID(c)
	if requestedUserID == "" || requestedUserID == callerID {
		return callerID
	}
	if auth.IsAdmin(c) {
		return requestedUserID
	}
	forbidden(c, "token subject does not match resource owner")
	return ""
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

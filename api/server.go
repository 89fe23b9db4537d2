// Package api exposes the HTTP surface: bid submission, operator lot
// commands, the snapshot read path and the websocket notification endpoint.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openlot/auctiond/internal/fanout"
	"github.com/openlot/auctiond/internal/ingress"
	"github.com/openlot/auctiond/internal/lots"
)

// Server is the API server.
type Server struct {
	router  *gin.Engine
	logger  *zap.Logger
	ingress *ingress.Service
	lots    *lots.Service
	hub     *fanout.Hub
}

// NewServer creates the API server with injected services.
func NewServer(logger *zap.Logger, ingressSvc *ingress.Service, lotSvc *lots.Service, hub *fanout.Hub, registry *prometheus.Registry) *Server {
	server := &Server{
		logger:  logger,
		ingress: ingressSvc,
		lots:    lotSvc,
		hub:     hub,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	router.GET("/ws", server.handleWS)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/lots", server.handleCreateLot)
		v1.GET("/lots/:id", server.handleGetLot)
		v1.POST("/lots/:id/bids", server.handleSubmitBid)
		v1.POST("/lots/:id/open", server.handleOpenLot)
		v1.POST("/lots/:id/cancel", server.handleCancelLot)
		v1.POST("/lots/:id/resubmit", server.handleResubmitLot)
	}

	server.router = router
	return server
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleWS upgrades the connection and registers the subscriber with the
// fan-out hub.
func (s *Server) handleWS(c *gin.Context) {
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	s.hub.ServeWS(c.Writer, c.Request, clientID)
}

package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/mesh"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/ratelimit"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// adminServer exposes the mesh control API: service registration,
// endpoint resolution and status inspection.
type adminServer struct {
	manager *mesh.Manager
	server  *http.Server
	logger  observability.Logger
}

func newAdminServer(manager *mesh.Manager, cfg config.AdminConfig, logger observability.Logger) *adminServer {
	gin.SetMode(gin.ReleaseMode)

	a := &adminServer{
		manager: manager,
		logger:  logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(clientThrottle(cfg.ClientRatePerSec, cfg.ClientBurst))

	router.GET("/healthz", a.handleHealthz)
	router.GET("/v1/status", a.handleMeshStatus)
	router.PUT("/v1/strategy", a.handleSetStrategy)

	services := router.Group("/v1/services")
	{
		services.GET("", a.handleListServices)
		services.POST("", a.handleRegister)
		services.GET("/:id", a.handleServiceStatus)
		services.DELETE("/:id", a.handleUnregister)
		services.GET("/:id/endpoint", a.handleResolveEndpoint)
	}

	a.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}
	return a
}

// Start begins serving the admin API in the background.
func (a *adminServer) Start() {
	go func() {
		a.logger.Info("starting admin server", observability.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server error", observability.Error(err))
		}
	}()
}

// Stop gracefully shuts the admin server down.
func (a *adminServer) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *adminServer) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *adminServer) handleMeshStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.manager.MeshStatus())
}

type strategyRequest struct {
	Strategy string `json:"strategy" binding:"required"`
}

func (a *adminServer) handleSetStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.manager.SetStrategy(req.Strategy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": req.Strategy})
}

func (a *adminServer) handleListServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": a.manager.Services()})
}

func (a *adminServer) handleRegister(c *gin.Context) {
	var info registry.ServiceInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	replace := c.Query("replace") == "true"
	if err := a.manager.RegisterService(&info, replace); err != nil {
		switch {
		case errors.Is(err, mesh.ErrServiceAlreadyRegistered):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, mesh.ErrInvalidService):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": info.ID})
}

func (a *adminServer) handleServiceStatus(c *gin.Context) {
	status, err := a.manager.ServiceStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, mesh.ErrServiceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (a *adminServer) handleUnregister(c *gin.Context) {
	if !a.manager.UnregisterService(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "service not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleResolveEndpoint runs the rate limit stage for the calling client
// and then resolves one routable endpoint for the service.
func (a *adminServer) handleResolveEndpoint(c *gin.Context) {
	serviceID := c.Param("id")
	clientKey := ratelimit.ClientIP(c.Request)

	res, err := a.manager.Allow(c.Request.Context(), clientKey, serviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !res.Allowed {
		c.Header("Retry-After", res.RetryAfter.String())
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	ep, err := a.manager.GetServiceEndpoint(c.Request.Context(), serviceID)
	if err != nil {
		switch {
		case errors.Is(err, mesh.ErrServiceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, mesh.ErrServiceUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": ep})
}

// requestLogger logs each admin API request.
func requestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("admin request",
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
			observability.String("client", c.ClientIP()),
		)
	}
}

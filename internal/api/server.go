// Package api exposes the engine over HTTP. Handlers translate JSON
// requests into engine calls and domain errors into status codes; all
// lifecycle semantics live in the engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/internal/engine"
	"github.com/wharfd/wharfd/internal/network"
	"github.com/wharfd/wharfd/internal/volume"
	"github.com/wharfd/wharfd/pkg/logger"
	"github.com/wharfd/wharfd/pkg/version"
)

// Server is the HTTP front-end.
type Server struct {
	echo     *echo.Echo
	engine   *engine.Engine
	volumes  *volume.Manager
	networks *network.Manager
}

// NewServer builds the router.
func NewServer(eng *engine.Engine, vols *volume.Manager, nets *network.Manager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger)

	s := &Server{echo: e, engine: eng, volumes: vols, networks: nets}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/_ping", s.ping)

	e.POST("/containers", s.createContainer)
	e.GET("/containers", s.listContainers)
	e.GET("/containers/:id", s.getContainer)
	e.POST("/containers/:id/start", s.startContainer)
	e.POST("/containers/:id/stop", s.stopContainer)
	e.POST("/containers/:id/kill", s.killContainer)
	e.POST("/containers/:id/pause", s.pauseContainer)
	e.POST("/containers/:id/unpause", s.unpauseContainer)
	e.POST("/containers/:id/wait", s.waitContainer)
	e.DELETE("/containers/:id", s.removeContainer)
	e.GET("/containers/:id/logs", s.containerLogs)
	e.GET("/containers/:id/stats", s.containerStats)

	e.GET("/events", s.events)

	e.POST("/images/layers", s.importLayer)
	e.POST("/images", s.registerImage)
	e.GET("/images", s.listImages)
	e.GET("/images/:ref", s.getImage)
	e.DELETE("/images/:ref", s.removeImage)

	e.POST("/volumes", s.createVolume)
	e.GET("/volumes", s.listVolumes)
	e.GET("/volumes/:name", s.getVolume)
	e.DELETE("/volumes/:name", s.removeVolume)

	e.POST("/networks", s.createNetwork)
	e.GET("/networks", s.listNetworks)
	e.GET("/networks/:ref", s.getNetwork)
	e.DELETE("/networks/:ref", s.removeNetwork)
	e.POST("/networks/:ref/connect", s.connectNetwork)
	e.POST("/networks/:ref/disconnect", s.disconnectNetwork)
}

// Handler returns the http handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	logger.Info("API listening", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version(),
	})
}

// fail maps a domain error onto its HTTP status.
func fail(err error) error {
	var status int
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrStateConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrResourceUnavailable), errors.Is(err, domain.ErrUsageUnavailable):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	return echo.NewHTTPError(status, err.Error())
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		logger.Debug("Request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"took", time.Since(start).String(),
		)
		return err
	}
}
